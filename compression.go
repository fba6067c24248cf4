// Per-message compression for the permessage-deflate extension (RFC 7692).
// The extension compresses message payloads with the DEFLATE algorithm
// (RFC 1951) and flags compressed messages with RSV1 on their first frame.
package websocket

import (
	"bytes"
	"errors"
	"io"

	"github.com/klauspost/compress/flate"
)

// Compression level bounds for DEFLATE.
const (
	minCompressionLevel     = -2
	maxCompressionLevel     = 9
	defaultCompressionLevel = 1

	// flateWindowSize is the DEFLATE sliding window retained across
	// messages when context takeover is enabled.
	flateWindowSize = 32 << 10
)

// deflateTrailer is the empty stored block every DEFLATE sync flush ends
// with. RFC 7692, section 7.2.1: the sender strips it from the message tail;
// the receiver appends it back before inflating.
var deflateTrailer = []byte{0x00, 0x00, 0xff, 0xff}

// deflateFinalBlock terminates the inflate stream so the reader sees a clean
// EOF after the message tail.
var deflateFinalBlock = []byte{0x01, 0x00, 0x00, 0xff, 0xff}

// Compressor is a stateful per-connection compression context. A connection
// calls Compress for each outbound fragment of a compressed message, with
// final set on the last one, and Decompress with the accumulated inbound
// message. Implementations are driven by at most one writer and one reader
// goroutine; the compress and decompress halves must not share state.
type Compressor interface {
	// Compress deflates p. When final is true the message ends here: the
	// trailing empty-block marker is stripped and, without context takeover,
	// the sliding window is reset.
	Compress(p []byte, final bool) ([]byte, error)

	// Decompress inflates p. Fragments with final=false are accumulated;
	// the call with final=true returns the whole inflated message. A failure
	// is fatal to the connection.
	Decompress(p []byte, final bool) ([]byte, error)

	// RSV returns the RSV bit the extension occupies on the wire, as it
	// appears in the first header byte.
	RSV() byte

	// Threshold returns the minimum payload size worth compressing.
	Threshold() int
}

// FlateCompressor implements Compressor with DEFLATE. The zero value is not
// usable; construct with NewFlateCompressor.
type FlateCompressor struct {
	level     int
	threshold int
	takeover  bool

	// Write half.
	fw   *flate.Writer
	wbuf bytes.Buffer

	// Read half.
	fr      io.ReadCloser
	rdict   []byte
	pending []byte
}

// NewFlateCompressor returns a DEFLATE compression context. The level must
// be within the flate package bounds (-2 to 9). Payloads of threshold bytes
// or fewer are sent uncompressed. With contextTakeover the sliding window
// persists across messages; without it the window resets between messages.
func NewFlateCompressor(level, threshold int, contextTakeover bool) (*FlateCompressor, error) {
	if level < minCompressionLevel || level > maxCompressionLevel {
		return nil, errors.New("websocket: invalid compression level")
	}
	return &FlateCompressor{
		level:     level,
		threshold: threshold,
		takeover:  contextTakeover,
	}, nil
}

func (c *FlateCompressor) RSV() byte {
	return rsv1Bit
}

func (c *FlateCompressor) Threshold() int {
	return c.threshold
}

func (c *FlateCompressor) Compress(p []byte, final bool) ([]byte, error) {
	if c.fw == nil {
		fw, err := flate.NewWriter(&c.wbuf, c.level)
		if err != nil {
			return nil, err
		}
		c.fw = fw
	}

	c.wbuf.Reset()
	if _, err := c.fw.Write(p); err != nil {
		return nil, err
	}
	if err := c.fw.Flush(); err != nil {
		return nil, err
	}

	out := c.wbuf.Bytes()
	if final {
		if len(out) >= len(deflateTrailer) && bytes.HasSuffix(out, deflateTrailer) {
			out = out[:len(out)-len(deflateTrailer)]
		}
		if !c.takeover {
			c.fw.Reset(&c.wbuf)
		}
	}

	result := make([]byte, len(out))
	copy(result, out)
	return result, nil
}

func (c *FlateCompressor) Decompress(p []byte, final bool) ([]byte, error) {
	if !final {
		c.pending = append(c.pending, p...)
		return nil, nil
	}

	data := append(c.pending, p...)
	c.pending = nil
	data = append(data, deflateTrailer...)
	data = append(data, deflateFinalBlock...)

	src := bytes.NewReader(data)
	if c.fr == nil {
		c.fr = flate.NewReaderDict(src, c.rdict)
	} else if err := c.fr.(flate.Resetter).Reset(src, c.rdict); err != nil {
		return nil, err
	}

	out, err := io.ReadAll(c.fr)
	if err != nil {
		return nil, err
	}

	if c.takeover {
		c.rdict = slidingWindow(c.rdict, out)
	} else {
		c.rdict = nil
	}
	return out, nil
}

// slidingWindow appends out to dict and keeps the trailing window the
// inflater needs for back-references into earlier messages.
func slidingWindow(dict, out []byte) []byte {
	if len(out) >= flateWindowSize {
		return append(dict[:0], out[len(out)-flateWindowSize:]...)
	}
	dict = append(dict, out...)
	if len(dict) > flateWindowSize {
		dict = append(dict[:0], dict[len(dict)-flateWindowSize:]...)
	}
	return dict
}
