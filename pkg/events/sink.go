package events

import (
	"context"
	"sync"
)

// Sink is an unbounded FIFO of events for one session. Any number of
// goroutines may Emit; one consumer calls Next. Emit never blocks.
type Sink struct {
	sessionID string

	mu     sync.Mutex
	queue  []Event
	closed bool
	ready  chan struct{}
}

// NewSink creates a sink that stamps events with sessionID.
func NewSink(sessionID string) *Sink {
	return &Sink{
		sessionID: sessionID,
		ready:     make(chan struct{}, 1),
	}
}

// SessionID returns the session the sink belongs to.
func (s *Sink) SessionID() string {
	return s.sessionID
}

// Emit enqueues e. Events emitted after Close are dropped.
func (s *Sink) Emit(e Event) {
	if e.SessionID == "" {
		e.SessionID = s.sessionID
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	s.signal()
}

func (s *Sink) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the sink is closed and drained,
// or ctx is done. ok is false in the latter two cases.
func (s *Sink) Next(ctx context.Context) (e Event, ok bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			e = s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return e, true
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return Event{}, false
		}

		select {
		case <-s.ready:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

// Len returns the number of queued events.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close stops accepting events. Queued events can still be drained.
func (s *Sink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}
