// Package websocket implements the core of the WebSocket protocol defined
// in RFC 6455: a full-duplex, message-oriented endpoint layered on an
// already-established byte stream.
//
// The package deliberately excludes the opening HTTP handshake and the
// transport: callers hand NewConn a connected io.ReadWriteCloser (usually a
// net.Conn) together with the connection's role, and get back a
// message-granularity API. The same core serves both sides of a connection;
// the roles differ only in which side masks payloads.
//
// Features:
//   - Frame codec with fragmentation and streaming message bodies
//   - Control frames, graceful closing handshake with negotiated codes
//   - Idle-based heartbeat pings with an unanswered-ping policy
//   - Per-connection inbound rate limiting (bytes and frames per second)
//   - Per-message compression (permessage-deflate, RFC 7692)
//   - Connection metadata snapshots (counters, timestamps, close state)
//
// Example:
//
//	conn := websocket.NewConn(netConn, websocket.RoleResponder, nil)
//	defer conn.Close(websocket.CloseNormalClosure, "")
//
//	for {
//	    msg, err := conn.Receive()
//	    if err != nil || msg == nil {
//	        return
//	    }
//	    data, err := msg.Bytes()
//	    if err != nil {
//	        return
//	    }
//	    if _, err := conn.Send(data); err != nil {
//	        return
//	    }
//	}
//
// Concurrency:
//
// A connection supports one concurrent receiver. Send, SendBinary, Stream,
// Ping and Close may be called from any goroutine; outbound frames are
// strictly serialized, so two messages never interleave on the wire. A
// message body must be drained before the next Receive call.
//
// Compression:
//
// Pass a Compressor (see NewFlateCompressor) in Options to enable
// permessage-deflate framing. Negotiating the extension during the opening
// handshake is the caller's concern; the core only consumes the negotiated
// context.
package websocket
