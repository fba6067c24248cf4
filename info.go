package websocket

import (
	"crypto/tls"
	"net"
	"sync"
	"time"
)

// Info is a point-in-time snapshot of a connection's identity, lifecycle
// and traffic counters. Values are copied under the connection's stats lock,
// so a snapshot is internally consistent.
type Info struct {
	ID         int64
	LocalAddr  net.Addr
	RemoteAddr net.Addr

	// TLS carries the transport's TLS state when the underlying connection
	// is a *tls.Conn, nil otherwise.
	TLS *tls.ConnectionState

	ConnectedAt time.Time
	ClosedAt    time.Time

	CloseCode          int
	CloseReason        string
	PeerInitiatedClose bool

	BytesRead  int64
	BytesSent  int64
	FramesRead int64
	FramesSent int64

	MessagesRead int64
	MessagesSent int64

	PingCount int64
	PongCount int64

	LastReadAt      time.Time
	LastDataReadAt  time.Time
	LastSentAt      time.Time
	LastDataSentAt  time.Time
	LastHeartbeatAt time.Time
}

// connStats owns the mutable counters behind Info. All writers go through
// the mutex; Info copies the whole struct out under it.
type connStats struct {
	mu sync.Mutex
	Info
}

func (s *connStats) snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Info
}

func (s *connStats) addRead(n int) {
	s.mu.Lock()
	s.BytesRead += int64(n)
	s.LastReadAt = time.Now()
	s.mu.Unlock()
}

func (s *connStats) frameRead(dataFrame bool) {
	s.mu.Lock()
	s.FramesRead++
	if dataFrame {
		s.LastDataReadAt = time.Now()
	}
	s.mu.Unlock()
}

func (s *connStats) messageRead() {
	s.mu.Lock()
	s.MessagesRead++
	s.mu.Unlock()
}

func (s *connStats) addSent(n int, dataFrame bool) {
	s.mu.Lock()
	s.BytesSent += int64(n)
	s.FramesSent++
	now := time.Now()
	s.LastSentAt = now
	if dataFrame {
		s.LastDataSentAt = now
	}
	s.mu.Unlock()
}

func (s *connStats) messageSent() {
	s.mu.Lock()
	s.MessagesSent++
	s.mu.Unlock()
}

// nextPing increments the ping counter and returns its new value, which is
// also the ping payload.
func (s *connStats) nextPing() int64 {
	s.mu.Lock()
	s.PingCount++
	n := s.PingCount
	s.LastHeartbeatAt = time.Now()
	s.mu.Unlock()
	return n
}

// recordPong stores the acknowledged ping number. The min guard keeps a
// peer from acknowledging pings that were never sent.
func (s *connStats) recordPong(n int64) {
	s.mu.Lock()
	if n > s.PingCount {
		n = s.PingCount
	}
	if n > s.PongCount {
		s.PongCount = n
	}
	s.mu.Unlock()
}

func (s *connStats) unansweredPings() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingCount - s.PongCount
}

func (s *connStats) markClosing(code int, reason string, peerInitiated bool) {
	s.mu.Lock()
	s.ClosedAt = time.Now()
	s.CloseCode = code
	s.CloseReason = reason
	s.PeerInitiatedClose = peerInitiated
	s.mu.Unlock()
}

func (s *connStats) closeState() (code int, reason string, peerInitiated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCode, s.CloseReason, s.PeerInitiatedClose
}
