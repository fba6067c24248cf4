package websocket

import (
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Role selects which side of the connection this endpoint plays. The
// protocol differs only in who masks payloads: the initiator (the side that
// opened the connection) masks every frame it sends, the responder never
// does. RFC 6455, section 5.3.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

var connIDs atomic.Int64

const readChunkSize = 32 << 10

// Conn is a message-oriented WebSocket endpoint over an established byte
// stream. The same type serves both roles; the opening handshake and the
// transport are the caller's concern.
//
// One goroutine may call Receive at a time. Send, SendBinary, Stream, Ping
// and Close may be called from any number of goroutines; their frames are
// serialized on the wire in call order.
type Conn struct {
	id      int64
	rwc     io.ReadWriteCloser
	netConn net.Conn
	role    Role
	opts    *Options
	logger  zerolog.Logger

	parser *frameParser

	writeMu  sync.Mutex
	writeErr error // sticky after the close frame or a transport failure

	closeMu sync.Mutex
	closing bool

	closedCh      chan struct{} // closed entering the closing state
	doneCh        chan struct{} // closed when fully torn down
	peerCloseCh   chan struct{} // closed when the peer's close frame arrives
	peerCloseOnce sync.Once
	teardownOnce  sync.Once

	recvQ     chan *Message
	receiving atomic.Bool

	// Read-loop owned message assembly state.
	assembling    *Message
	asmCompressed bool
	asmBinary     bool
	asmBuf        []byte
	validator     utf8Validator

	// Per-second inbound budgets, cleared by the scheduler tick.
	secBytes  atomic.Int64
	secFrames atomic.Int64

	cbMu      sync.Mutex
	cbFired   bool
	callbacks []func(*Conn, int, string)

	stats connStats
}

// NewConn wraps an established, connected byte stream in a WebSocket
// endpoint and starts its read loop. When rwc is a net.Conn its addresses
// (and TLS state, for a *tls.Conn) are exposed through Info. A nil opts
// uses DefaultOptions.
func NewConn(rwc io.ReadWriteCloser, role Role, opts *Options) *Conn {
	opts = opts.normalized()
	id := connIDs.Add(1)

	c := &Conn{
		id:          id,
		rwc:         rwc,
		role:        role,
		opts:        opts,
		parser:      newFrameParser(opts, role),
		closedCh:    make(chan struct{}),
		doneCh:      make(chan struct{}),
		peerCloseCh: make(chan struct{}),
		recvQ:       make(chan *Message, 8),
	}
	c.logger = opts.Logger.With().
		Int64("conn_id", id).
		Str("conn_uid", uuid.NewString()).
		Logger()

	c.stats.ID = id
	c.stats.ConnectedAt = defaultScheduler.clock()
	if nc, ok := rwc.(net.Conn); ok {
		c.netConn = nc
		c.stats.LocalAddr = nc.LocalAddr()
		c.stats.RemoteAddr = nc.RemoteAddr()
		if tc, ok := nc.(*tls.Conn); ok {
			state := tc.ConnectionState()
			c.stats.TLS = &state
		}
	}

	defaultScheduler.register(c)
	go c.readLoop()

	c.logger.Debug().Str("role", role.String()).Msg("connection open")
	return c
}

// ID returns the connection's process-unique identifier.
func (c *Conn) ID() int64 {
	return c.id
}

// LocalAddr returns the local network address, or nil if not available.
func (c *Conn) LocalAddr() net.Addr {
	if c.netConn != nil {
		return c.netConn.LocalAddr()
	}
	return nil
}

// RemoteAddr returns the remote network address, or nil if not available.
func (c *Conn) RemoteAddr() net.Addr {
	if c.netConn != nil {
		return c.netConn.RemoteAddr()
	}
	return nil
}

// TLSState returns the transport's TLS state, or nil when the underlying
// stream is not a *tls.Conn.
func (c *Conn) TLSState() *tls.ConnectionState {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()
	return c.stats.TLS
}

// IsConnected reports whether the connection is still open: it turns false
// as soon as a close is initiated by either side.
func (c *Conn) IsConnected() bool {
	return !c.isClosing()
}

// CloseCode returns the connection's final close code. The second return is
// false while the connection is still open.
func (c *Conn) CloseCode() (int, bool) {
	if !c.isClosing() {
		return 0, false
	}
	code, _, _ := c.stats.closeState()
	return code, true
}

// CloseReason returns the connection's final close reason. The second
// return is false while the connection is still open.
func (c *Conn) CloseReason() (string, bool) {
	if !c.isClosing() {
		return "", false
	}
	_, reason, _ := c.stats.closeState()
	return reason, true
}

// PeerInitiatedClose reports whether the peer sent the first close frame.
func (c *Conn) PeerInitiatedClose() bool {
	_, _, peer := c.stats.closeState()
	return peer
}

// Info returns a snapshot of the connection's metadata and counters.
func (c *Conn) Info() Info {
	return c.stats.snapshot()
}

// OnClose registers a hook invoked once the connection is fully closed,
// with the final close code and reason. Registering on an already-closed
// connection invokes the hook immediately.
func (c *Conn) OnClose(fn func(c *Conn, code int, reason string)) {
	c.cbMu.Lock()
	if !c.cbFired {
		c.callbacks = append(c.callbacks, fn)
		c.cbMu.Unlock()
		return
	}
	c.cbMu.Unlock()
	code, reason, _ := c.stats.closeState()
	fn(c, code, reason)
}

// Receive returns the next inbound message. The message body streams as
// frames arrive and must be drained before the next Receive call. After the
// connection closes Receive returns (nil, nil). Overlapping calls from
// multiple goroutines are a usage error.
func (c *Conn) Receive() (*Message, error) {
	if !c.receiving.CompareAndSwap(false, true) {
		return nil, ErrReceiveInProgress
	}
	defer c.receiving.Store(false)

	select {
	case m := <-c.recvQ:
		return m, nil
	default:
	}
	select {
	case m := <-c.recvQ:
		return m, nil
	case <-c.closedCh:
		return nil, nil
	}
}

// Send transmits a text message and returns the number of bytes written on
// the wire. The payload must be valid UTF-8 when the connection validates
// text data.
func (c *Conn) Send(data []byte) (int, error) {
	if c.opts.ValidateUTF8 && !utf8.Valid(data) {
		return 0, ErrInvalidUTF8
	}
	return c.sendMessage(opText, data)
}

// SendBinary transmits a binary message and returns the number of bytes
// written on the wire.
func (c *Conn) SendBinary(data []byte) (int, error) {
	return c.sendMessage(opBinary, data)
}

func (c *Conn) sendMessage(op Opcode, data []byte) (int, error) {
	n, err := c.writeMessage(op, data)
	if err != nil {
		if errors.Is(err, ErrCloseSent) {
			return n, c.closedError()
		}
		var we *writeError
		if errors.As(err, &we) {
			return n, c.handleWriteFailure(err)
		}
		return n, err
	}
	c.stats.messageSent()
	return n, nil
}

// writeMessage fragments, optionally compresses and writes one data
// message under the write lock.
func (c *Conn) writeMessage(op Opcode, data []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}

	comp := c.opts.Compression
	compress := comp != nil && op == opText && len(data) > comp.Threshold()

	split := c.opts.FrameSplitThreshold
	if len(data) <= split {
		payload := data
		var rsv byte
		if compress {
			var err error
			if payload, err = comp.Compress(data, true); err != nil {
				return 0, err
			}
			rsv = comp.RSV()
		}
		return c.writeFrame(op, rsv, true, payload)
	}

	frames := (len(data) + split - 1) / split
	total := 0
	for i := 0; i < frames; i++ {
		start := i * split
		end := min(start+split, len(data))
		slice := data[start:end]
		last := i == frames-1

		var rsv byte
		if compress {
			var err error
			if slice, err = comp.Compress(slice, last); err != nil {
				return total, err
			}
		}
		fop := op
		if i > 0 {
			fop = opContinuation
		} else if compress {
			rsv = comp.RSV()
		}

		n, err := c.writeFrame(fop, rsv, last, slice)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Stream transmits a message of unknown length read from src, flushing a
// fragment each time StreamThreshold bytes accumulate. Streamed messages
// are never compressed. It returns the number of bytes written on the wire;
// a src failure closes the connection and is returned unwrapped.
func (c *Conn) Stream(src io.Reader, binary bool) (int, error) {
	op := opText
	if binary {
		op = opBinary
	}

	c.writeMu.Lock()
	if c.writeErr != nil {
		err := c.writeErr
		c.writeMu.Unlock()
		if errors.Is(err, ErrCloseSent) {
			return 0, c.closedError()
		}
		return 0, c.handleWriteFailure(err)
	}

	threshold := c.opts.StreamThreshold
	buf := make([]byte, 0, 2*threshold)
	rd := make([]byte, readChunkSize)
	total := 0
	first := true

	for {
		n, rerr := src.Read(rd)
		buf = append(buf, rd[:n]...)

		for len(buf) >= threshold {
			fop := op
			if !first {
				fop = opContinuation
			}
			w, werr := c.writeFrame(fop, 0, false, buf[:threshold])
			total += w
			if werr != nil {
				c.writeMu.Unlock()
				return total, c.handleWriteFailure(werr)
			}
			first = false
			buf = append(buf[:0], buf[threshold:]...)
		}

		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF):
			fop := op
			if !first {
				fop = opContinuation
			}
			w, werr := c.writeFrame(fop, 0, true, buf)
			total += w
			c.writeMu.Unlock()
			if werr != nil {
				return total, c.handleWriteFailure(werr)
			}
			c.stats.messageSent()
			return total, nil
		default:
			c.writeMu.Unlock()
			c.logger.Debug().Err(rerr).Msg("message source failed")
			if _, started := c.beginClose(CloseInternalServerErr, "Reading from the message source failed", false, true); started {
				go func() {
					c.awaitPeerClose()
					c.teardown()
				}()
			}
			return total, rerr
		}
	}
}

// Ping sends a ping carrying the decimal value of the connection's ping
// counter and returns the number of bytes written on the wire.
func (c *Conn) Ping() (int, error) {
	c.writeMu.Lock()
	if c.writeErr != nil {
		err := c.writeErr
		c.writeMu.Unlock()
		if errors.Is(err, ErrCloseSent) {
			return 0, c.closedError()
		}
		return 0, c.handleWriteFailure(err)
	}
	seq := c.stats.nextPing()
	n, err := c.writeFrame(opPing, 0, true, strconv.AppendInt(nil, seq, 10))
	c.writeMu.Unlock()
	if err != nil {
		return n, c.handleWriteFailure(err)
	}
	c.logger.Trace().Int64("seq", seq).Msg("ping sent")
	return n, nil
}

// Close performs the closing handshake: it writes a close frame, waits up
// to ClosePeriod for the peer's echo and releases the underlying stream.
// It returns the close frame's wire size. Calls after the first are no-ops
// returning 0.
func (c *Conn) Close(code int, reason string) (int, error) {
	if code != CloseNoStatusReceived && !isValidReceivedCloseCode(code) {
		return 0, ErrInvalidCloseCode
	}
	n, first := c.beginClose(code, reason, false, true)
	if !first {
		return 0, nil
	}
	c.awaitPeerClose()
	c.teardown()
	return n, nil
}

// writeFrame encodes and writes one frame. Callers hold writeMu.
func (c *Conn) writeFrame(op Opcode, rsv byte, final bool, payload []byte) (int, error) {
	buf := appendFrame(make([]byte, 0, maxFrameHeaderSize+len(payload)),
		op, rsv, final, c.role == RoleInitiator, payload)
	n, err := c.rwc.Write(buf)
	c.stats.addSent(n, op.isData())
	c.logger.Trace().
		Str("opcode", op.String()).
		Bool("final", final).
		Int("bytes", n).
		Msg("frame sent")
	if err != nil {
		werr := &writeError{err: err}
		c.writeErr = werr
		return n, werr
	}
	return n, nil
}

// handleWriteFailure converts a failed frame write into an abnormal local
// close and the ClosedError reported to the caller.
func (c *Conn) handleWriteFailure(err error) error {
	if errors.Is(err, ErrCloseSent) {
		return c.closedError()
	}
	c.logger.Debug().Err(err).Msg("transport write failure")
	if _, first := c.beginClose(CloseAbnormalClosure, "Writing to the client failed", false, false); first {
		c.teardown()
	}
	return c.closedError()
}

// beginClose moves the connection to the closing state once: it records the
// final code and reason, wakes pending receives and, when writeCloseFrame
// is set, sends the close frame. The returned first is true only for the
// call that performed the transition.
func (c *Conn) beginClose(code int, reason string, peerInitiated, writeCloseFrame bool) (n int, first bool) {
	c.closeMu.Lock()
	if c.closing {
		c.closeMu.Unlock()
		return 0, false
	}
	c.closing = true
	c.stats.markClosing(code, reason, peerInitiated)
	close(c.closedCh)
	c.closeMu.Unlock()

	c.logger.Debug().
		Int("code", code).
		Str("reason", reason).
		Bool("peer_initiated", peerInitiated).
		Msg("closing")

	if writeCloseFrame {
		n = c.writeClose(code, reason)
	}
	return n, true
}

// writeClose sends the close frame and makes the write error sticky so no
// further frames leave after it.
func (c *Conn) writeClose(code int, reason string) int {
	if len(reason) > maxControlFramePayloadSize-2 {
		reason = reason[:maxControlFramePayloadSize-2]
	}
	var payload []byte
	if code != CloseNoStatusReceived && code != CloseAbnormalClosure {
		payload = FormatCloseMessage(code, reason)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeErr != nil {
		return 0
	}
	n, _ := c.writeFrame(opClose, 0, true, payload)
	c.writeErr = ErrCloseSent
	return n
}

func (c *Conn) awaitPeerClose() {
	t := time.NewTimer(c.opts.ClosePeriod)
	defer t.Stop()
	select {
	case <-c.peerCloseCh:
	case <-t.C:
	}
}

func (c *Conn) teardown() {
	c.teardownOnce.Do(func() {
		_ = c.rwc.Close()
		defaultScheduler.deregister(c)
		code, reason, _ := c.stats.closeState()
		c.fireOnClose(code, reason)
		close(c.doneCh)
		c.logger.Debug().Msg("connection closed")
	})
}

func (c *Conn) fireOnClose(code int, reason string) {
	c.cbMu.Lock()
	cbs := c.callbacks
	c.callbacks = nil
	c.cbFired = true
	c.cbMu.Unlock()
	for _, fn := range cbs {
		fn(c, code, reason)
	}
}

func (c *Conn) isClosing() bool {
	select {
	case <-c.closedCh:
		return true
	default:
		return false
	}
}

func (c *Conn) closedError() *ClosedError {
	code, reason, _ := c.stats.closeState()
	return &ClosedError{Code: code, Reason: reason}
}

// readLoop owns the inbound half: it feeds the parser, dispatches frame
// events and cooperates with the scheduler's rate budgets. It exits on a
// transport failure, on an unparseable stream, or once teardown releases
// the underlying stream.
func (c *Conn) readLoop() {
	defer c.abortAssembly()

	buf := make([]byte, readChunkSize)
	for {
		n, err := c.rwc.Read(buf)
		if n > 0 {
			c.stats.addRead(n)
			defaultScheduler.touch(c)
			c.parser.feed(buf[:n])

			frames := 0
			for {
				f, perr := c.parser.next()
				if perr != nil {
					var pe *protocolError
					if !errors.As(perr, &pe) {
						pe = &protocolError{code: CloseProtocolError, text: perr.Error()}
					}
					c.logger.Debug().Int("code", pe.code).Str("reason", pe.text).Msg("protocol violation")
					c.closeFromReader(pe.code, pe.text, false)
					// The stream is unframed from here; the close-wait
					// timeout tears the transport down.
					return
				}
				if f == nil {
					break
				}
				frames++
				c.handleFrame(f)
			}

			if c.isClosing() {
				c.abortAssembly()
			}

			c.secBytes.Add(int64(n))
			c.secFrames.Add(int64(frames))
			c.throttleWait()
		}
		if err != nil {
			c.handleTransportError(err)
			return
		}
	}
}

func (c *Conn) handleTransportError(err error) {
	// A peer that vanishes without a close frame will never release the
	// close-wait, so the transport error does.
	c.peerCloseOnce.Do(func() { close(c.peerCloseCh) })
	if c.isClosing() {
		return
	}
	c.logger.Debug().Err(err).Msg("transport read failure")
	if _, first := c.beginClose(CloseAbnormalClosure, "Reading from the client failed", false, false); first {
		c.teardown()
	}
}

func (c *Conn) handleFrame(f *frame) {
	c.stats.frameRead(f.opcode.isData())
	c.logger.Trace().
		Str("opcode", f.opcode.String()).
		Bool("final", f.final).
		Int("bytes", len(f.payload)).
		Msg("frame received")

	if f.opcode.isControl() {
		c.handleControl(f)
		return
	}
	if c.isClosing() {
		return
	}
	c.handleData(f)
}

func (c *Conn) handleControl(f *frame) {
	switch f.opcode {
	case opClose:
		c.handlePeerClose(f.payload)
	case opPing:
		if c.isClosing() {
			return
		}
		c.writePong(f.payload)
	case opPong:
		if c.isClosing() {
			return
		}
		c.handlePong(f.payload)
	}
}

func (c *Conn) writePong(payload []byte) {
	c.writeMu.Lock()
	if c.writeErr != nil {
		c.writeMu.Unlock()
		return
	}
	_, err := c.writeFrame(opPong, 0, true, payload)
	c.writeMu.Unlock()
	if err != nil {
		_ = c.handleWriteFailure(err)
	}
}

func (c *Conn) handlePong(payload []byte) {
	seq, err := strconv.ParseInt(string(payload), 10, 64)
	if err != nil || seq <= 0 {
		c.closeFromReader(ClosePolicyViolation, "Invalid PONG payload", false)
		return
	}
	c.stats.recordPong(seq)
	c.logger.Trace().Int64("seq", seq).Msg("pong received")
}

func (c *Conn) handlePeerClose(payload []byte) {
	c.peerCloseOnce.Do(func() { close(c.peerCloseCh) })

	var code int
	var reason string
	switch len(payload) {
	case 0:
		code = CloseNoStatusReceived
	case 1:
		c.closeFromReader(CloseProtocolError, "Close code must be two bytes", false)
		return
	default:
		code = int(binary.BigEndian.Uint16(payload))
		if !isValidReceivedCloseCode(code) {
			c.closeFromReader(CloseProtocolError, "Invalid close code", false)
			return
		}
		rest := payload[2:]
		if c.opts.ValidateUTF8 && !utf8.Valid(rest) {
			c.closeFromReader(CloseInvalidFramePayloadData, "Close reason must be valid UTF-8", false)
			return
		}
		reason = string(rest)
	}

	c.logger.Trace().Int("code", code).Str("reason", reason).Msg("peer close received")
	c.closeFromReader(code, reason, true)
}

// closeFromReader initiates a close from the read loop. The close-wait runs
// in its own goroutine because this goroutine must keep consuming input to
// observe the peer's close frame.
func (c *Conn) closeFromReader(code int, reason string, peerInitiated bool) {
	_, first := c.beginClose(code, reason, peerInitiated, true)
	if !first {
		return
	}
	go func() {
		c.awaitPeerClose()
		c.teardown()
	}()
}

func (c *Conn) handleData(f *frame) {
	starting := c.assembling == nil
	if starting {
		c.asmCompressed = f.compressed
		c.asmBinary = f.opcode == opBinary
		c.asmBuf = c.asmBuf[:0]
		c.validator.reset()
	}

	if c.asmCompressed {
		c.handleCompressedData(f, starting)
		return
	}

	// Validate the fragment before the message (or its next chunk) is
	// exposed to the consumer, so an invalid first frame never surfaces a
	// message at all.
	if !c.asmBinary && c.opts.ValidateUTF8 {
		if !c.validator.push(f.payload) || (f.final && !c.validator.finish()) {
			c.closeFromReader(CloseInvalidFramePayloadData, "Invalid TEXT data; UTF-8 required", false)
			return
		}
	}

	if starting {
		m := newMessage(c.asmBinary)
		if !c.deliver(m) {
			return
		}
		c.assembling = m
	}

	c.asmBuf = append(c.asmBuf, f.payload...)
	if len(c.asmBuf) < c.opts.StreamThreshold && !f.final {
		return
	}

	if len(c.asmBuf) > 0 {
		chunk := make([]byte, len(c.asmBuf))
		copy(chunk, c.asmBuf)
		c.asmBuf = c.asmBuf[:0]
		if !c.assembling.push(chunk, c.closedCh) {
			m := c.assembling
			c.assembling = nil
			m.abort(c.closedError())
			return
		}
	}
	if f.final {
		m := c.assembling
		c.assembling = nil
		m.finish()
		c.stats.messageRead()
	}
}

// handleCompressedData accumulates a compressed message and inflates it on
// the final frame. A message whose first frame is also its last is only
// delivered after it decompresses and validates.
func (c *Conn) handleCompressedData(f *frame, starting bool) {
	c.asmBuf = append(c.asmBuf, f.payload...)
	if !f.final {
		if starting {
			m := newMessage(c.asmBinary)
			if !c.deliver(m) {
				return
			}
			c.assembling = m
		}
		return
	}

	out, err := c.opts.Compression.Decompress(c.asmBuf, true)
	c.asmBuf = c.asmBuf[:0]
	if err != nil {
		c.logger.Debug().Err(err).Msg("decompression failed")
		c.closeFromReader(CloseProtocolError, "Decompression failed", false)
		return
	}
	if int64(len(out)) > c.opts.MessageSizeLimit {
		c.closeFromReader(CloseMessageTooBig, "Message exceeds limit", false)
		return
	}
	if !c.asmBinary && c.opts.ValidateUTF8 && !utf8.Valid(out) {
		c.closeFromReader(CloseInvalidFramePayloadData, "Invalid TEXT data; UTF-8 required", false)
		return
	}

	m := c.assembling
	c.assembling = nil
	if m == nil {
		m = newMessage(c.asmBinary)
		if !c.deliver(m) {
			return
		}
	}
	if len(out) > 0 && !m.push(out, c.closedCh) {
		m.abort(c.closedError())
		return
	}
	m.finish()
	c.stats.messageRead()
}

// deliver hands a freshly opened message to a pending or future Receive.
func (c *Conn) deliver(m *Message) bool {
	select {
	case c.recvQ <- m:
		return true
	case <-c.closedCh:
		return false
	}
}

// abortAssembly fails the in-flight inbound message, if any, with the
// connection's final close code and reason.
func (c *Conn) abortAssembly() {
	if m := c.assembling; m != nil {
		c.assembling = nil
		m.abort(c.closedError())
	}
}

// throttleWait suspends the read loop until the next scheduler tick when an
// inbound per-second budget is exhausted.
func (c *Conn) throttleWait() {
	bl, fl := c.opts.BytesPerSecondLimit, c.opts.FramesPerSecondLimit
	over := (bl > 0 && c.secBytes.Load() > bl) ||
		(fl > 0 && c.secFrames.Load() > int64(fl))
	if !over {
		return
	}
	ch := defaultScheduler.throttle(c)
	if ch == nil {
		return
	}
	c.logger.Trace().Msg("inbound rate limit reached")
	select {
	case <-ch:
	case <-c.doneCh:
	}
}
