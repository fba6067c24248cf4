package websocket

import (
	"container/list"
	"sync"
	"time"
)

// schedulerTick is the scheduler period. It is a variable so tests can
// compress time.
var schedulerTick = time.Second

type schedEntry struct {
	c      *Conn
	expiry time.Time
	el     *list.Element // position in the heartbeat index, nil when heartbeat is off
	waiter chan struct{} // non-nil while the connection's read loop is throttled
}

// scheduler is the process-wide heartbeat and rate-limit driver. A single
// goroutine ticks once per period while at least one connection is
// registered: each tick refreshes the shared clock, clears the per-second
// inbound budgets, wakes throttled read loops and pings idle connections in
// expiry order. The tick goroutine starts with the first registered
// connection and stops with the last deregistered one.
type scheduler struct {
	mu     sync.Mutex
	conns  map[*Conn]*schedEntry
	hb     *list.List // *schedEntry ordered oldest expiry first
	now    time.Time
	stopCh chan struct{}
}

var defaultScheduler = newScheduler()

func newScheduler() *scheduler {
	return &scheduler{
		conns: make(map[*Conn]*schedEntry),
		hb:    list.New(),
	}
}

// clock returns the shared wall-clock reading, refreshed on every tick, on
// registration and on inbound activity.
func (s *scheduler) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.now.IsZero() {
		s.now = time.Now()
	}
	return s.now
}

func (s *scheduler) register(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.now = time.Now()
	e := &schedEntry{c: c}
	s.conns[c] = e
	if c.opts.HeartbeatEnabled {
		e.expiry = s.now.Add(c.opts.HeartbeatPeriod)
		e.el = s.hb.PushBack(e)
	}

	if s.stopCh == nil {
		s.stopCh = make(chan struct{})
		go s.run(s.stopCh)
	}
}

func (s *scheduler) deregister(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.conns[c]
	if e == nil {
		return
	}
	delete(s.conns, c)
	if e.el != nil {
		s.hb.Remove(e.el)
		e.el = nil
	}
	if e.waiter != nil {
		close(e.waiter)
		e.waiter = nil
	}

	if len(s.conns) == 0 && s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
}

// touch refreshes a connection's heartbeat expiry after inbound activity.
// Removing and reinserting at the back keeps the index walkable in expiry
// order.
func (s *scheduler) touch(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.conns[c]
	if e == nil || e.el == nil {
		return
	}
	s.now = time.Now()
	e.expiry = s.now.Add(c.opts.HeartbeatPeriod)
	s.hb.MoveToBack(e.el)
}

// throttle registers c's read loop as waiting for the next tick and returns
// the wake channel, or nil when c is no longer registered.
func (s *scheduler) throttle(c *Conn) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.conns[c]
	if e == nil {
		return nil
	}
	if e.waiter == nil {
		e.waiter = make(chan struct{})
	}
	return e.waiter
}

func (s *scheduler) run(stop chan struct{}) {
	t := time.NewTicker(schedulerTick)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			s.tick(now)
		case <-stop:
			return
		}
	}
}

func (s *scheduler) tick(now time.Time) {
	s.mu.Lock()
	s.now = now

	// New second: release the inbound budgets and wake throttled readers.
	for c, e := range s.conns {
		c.secBytes.Store(0)
		c.secFrames.Store(0)
		if e.waiter != nil {
			close(e.waiter)
			e.waiter = nil
		}
	}

	// Walk the heartbeat index, oldest expiry first, up to the first entry
	// that has not expired yet.
	var pings, overdue []*Conn
	for el := s.hb.Front(); el != nil; {
		e := el.Value.(*schedEntry)
		if e.expiry.After(now) {
			break
		}
		next := el.Next()
		if e.c.stats.unansweredPings() > int64(e.c.opts.QueuedPingLimit) {
			s.hb.Remove(el)
			e.el = nil
			overdue = append(overdue, e.c)
		} else {
			e.expiry = now.Add(e.c.opts.HeartbeatPeriod)
			s.hb.MoveToBack(el)
			pings = append(pings, e.c)
		}
		el = next
	}
	s.mu.Unlock()

	// Frame writes happen outside the registry lock.
	for _, c := range pings {
		if _, err := c.Ping(); err != nil {
			c.logger.Debug().Err(err).Msg("heartbeat ping failed")
		}
	}
	for _, c := range overdue {
		go func(c *Conn) {
			_, _ = c.Close(ClosePolicyViolation, "Exceeded unanswered PING limit")
		}(c)
	}
}
