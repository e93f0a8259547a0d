package feed

import "sync"

// Subscription delivers the latest state of one watched value. The channel
// holds at most one pending snapshot; a newer snapshot replaces an unread one.
type Subscription[T any] struct {
	mu      sync.Mutex
	ch      chan T
	closed  bool
	hasLast bool
	last    T
	stale   func(prev, next T) bool
	detach  func()
}

func newSubscription[T any](stale func(prev, next T) bool) *Subscription[T] {
	return &Subscription[T]{ch: make(chan T, 1), stale: stale}
}

// C is closed after Cancel.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Cancel stops delivery and closes C. Calling it again is a no-op.
func (s *Subscription[T]) Cancel() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	detach := s.detach
	s.mu.Unlock()

	if detach != nil {
		detach()
	}
}

func (s *Subscription[T]) offer(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.hasLast && s.stale != nil && s.stale(s.last, v) {
		return
	}
	select {
	case <-s.ch:
	default:
	}
	// Only offer sends, and it holds mu, so the buffer has room.
	s.ch <- v
	s.last, s.hasLast = v, true
}
