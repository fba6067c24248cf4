package websocket

import (
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Default limits applied by DefaultOptions.
const (
	defaultFrameSizeLimit      = 1 << 20
	defaultMessageSizeLimit    = 4 << 20
	defaultFrameSplitThreshold = 1 << 20
	defaultStreamThreshold     = 32 << 10
	defaultHeartbeatPeriod     = 30 * time.Second
	defaultQueuedPingLimit     = 8
	defaultClosePeriod         = 5 * time.Second
)

// Options configures a connection. The value is read once by NewConn and
// never mutated afterwards; a single Options value may be shared between
// connections.
type Options struct {
	// FrameSizeLimit is the maximum payload size of a single inbound frame.
	FrameSizeLimit int64 `yaml:"frame_size_limit"`

	// MessageSizeLimit is the maximum size of a reassembled inbound message.
	MessageSizeLimit int64 `yaml:"message_size_limit"`

	// FrameSplitThreshold is the payload size above which outbound messages
	// are fragmented into multiple frames.
	FrameSplitThreshold int `yaml:"frame_split_threshold"`

	// StreamThreshold is the number of inbound bytes buffered before a
	// partial chunk is emitted to a message body, and the fragment size used
	// by Stream.
	StreamThreshold int `yaml:"stream_threshold"`

	// HeartbeatEnabled turns on the idle-based ping schedule.
	HeartbeatEnabled bool `yaml:"heartbeat_enabled"`

	// HeartbeatPeriod is the idle interval after which a ping is sent.
	HeartbeatPeriod time.Duration `yaml:"-"`

	// QueuedPingLimit is the number of unanswered pings tolerated before the
	// connection is closed with ClosePolicyViolation.
	QueuedPingLimit int `yaml:"queued_ping_limit"`

	// ClosePeriod bounds the wait for the peer's close frame after a local
	// close frame was sent.
	ClosePeriod time.Duration `yaml:"-"`

	// FramesPerSecondLimit and BytesPerSecondLimit throttle inbound reads.
	// Zero means unlimited.
	FramesPerSecondLimit int   `yaml:"frames_per_second_limit"`
	BytesPerSecondLimit  int64 `yaml:"bytes_per_second_limit"`

	// ValidateUTF8 enforces UTF-8 on text messages and close reasons.
	ValidateUTF8 bool `yaml:"validate_utf8"`

	// TextOnly rejects binary messages with CloseUnsupportedData.
	TextOnly bool `yaml:"text_only"`

	// Compression is the negotiated per-message compression context, or nil
	// when compression was not negotiated.
	Compression Compressor `yaml:"-"`

	// Logger receives trace and debug events for the connection. The zero
	// value discards everything.
	Logger zerolog.Logger `yaml:"-"`
}

// DefaultOptions returns an Options value with the package defaults:
// heartbeats every 30 seconds, UTF-8 validation on, no rate limits and no
// compression.
func DefaultOptions() *Options {
	return &Options{
		FrameSizeLimit:      defaultFrameSizeLimit,
		MessageSizeLimit:    defaultMessageSizeLimit,
		FrameSplitThreshold: defaultFrameSplitThreshold,
		StreamThreshold:     defaultStreamThreshold,
		HeartbeatEnabled:    true,
		HeartbeatPeriod:     defaultHeartbeatPeriod,
		QueuedPingLimit:     defaultQueuedPingLimit,
		ClosePeriod:         defaultClosePeriod,
		ValidateUTF8:        true,
		Logger:              zerolog.Nop(),
	}
}

// yamlOptions is the YAML form of Options. Durations are expressed in whole
// seconds.
type yamlOptions struct {
	FrameSizeLimit       int64 `yaml:"frame_size_limit"`
	MessageSizeLimit     int64 `yaml:"message_size_limit"`
	FrameSplitThreshold  int   `yaml:"frame_split_threshold"`
	StreamThreshold      int   `yaml:"stream_threshold"`
	HeartbeatEnabled     *bool `yaml:"heartbeat_enabled"`
	HeartbeatPeriodSecs  int   `yaml:"heartbeat_period_secs"`
	QueuedPingLimit      int   `yaml:"queued_ping_limit"`
	ClosePeriodSecs      int   `yaml:"close_period_secs"`
	FramesPerSecondLimit int   `yaml:"frames_per_second_limit"`
	BytesPerSecondLimit  int64 `yaml:"bytes_per_second_limit"`
	ValidateUTF8         *bool `yaml:"validate_utf8"`
	TextOnly             bool  `yaml:"text_only"`
}

// ParseOptions decodes a YAML document into an Options value. Omitted fields
// keep the DefaultOptions values.
func ParseOptions(data []byte) (*Options, error) {
	var y yamlOptions
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, err
	}

	opts := DefaultOptions()
	if y.FrameSizeLimit > 0 {
		opts.FrameSizeLimit = y.FrameSizeLimit
	}
	if y.MessageSizeLimit > 0 {
		opts.MessageSizeLimit = y.MessageSizeLimit
	}
	if y.FrameSplitThreshold > 0 {
		opts.FrameSplitThreshold = y.FrameSplitThreshold
	}
	if y.StreamThreshold > 0 {
		opts.StreamThreshold = y.StreamThreshold
	}
	if y.HeartbeatEnabled != nil {
		opts.HeartbeatEnabled = *y.HeartbeatEnabled
	}
	if y.HeartbeatPeriodSecs > 0 {
		opts.HeartbeatPeriod = time.Duration(y.HeartbeatPeriodSecs) * time.Second
	}
	if y.QueuedPingLimit > 0 {
		opts.QueuedPingLimit = y.QueuedPingLimit
	}
	if y.ClosePeriodSecs > 0 {
		opts.ClosePeriod = time.Duration(y.ClosePeriodSecs) * time.Second
	}
	if y.FramesPerSecondLimit > 0 {
		opts.FramesPerSecondLimit = y.FramesPerSecondLimit
	}
	if y.BytesPerSecondLimit > 0 {
		opts.BytesPerSecondLimit = y.BytesPerSecondLimit
	}
	if y.ValidateUTF8 != nil {
		opts.ValidateUTF8 = *y.ValidateUTF8
	}
	opts.TextOnly = y.TextOnly

	return opts, nil
}

// normalized returns a private copy of opts with zero or negative size
// limits, thresholds, periods and ping limit replaced by the package
// defaults. Boolean fields, rate limits, Compression and Logger are kept as
// given. A nil receiver yields DefaultOptions.
func (o *Options) normalized() *Options {
	if o == nil {
		return DefaultOptions()
	}
	c := *o
	if c.FrameSizeLimit <= 0 {
		c.FrameSizeLimit = defaultFrameSizeLimit
	}
	if c.MessageSizeLimit <= 0 {
		c.MessageSizeLimit = defaultMessageSizeLimit
	}
	if c.FrameSplitThreshold <= 0 {
		c.FrameSplitThreshold = defaultFrameSplitThreshold
	}
	if c.StreamThreshold <= 0 {
		c.StreamThreshold = defaultStreamThreshold
	}
	if c.HeartbeatPeriod <= 0 {
		c.HeartbeatPeriod = defaultHeartbeatPeriod
	}
	if c.QueuedPingLimit <= 0 {
		c.QueuedPingLimit = defaultQueuedPingLimit
	}
	if c.ClosePeriod <= 0 {
		c.ClosePeriod = defaultClosePeriod
	}
	return &c
}
