package flow

import "sync"

// State is a warm, multicast stream that caches its latest value. New
// subscribers receive the cached value immediately. It is safe for
// concurrent use: one producer publishes, any number of consumers
// subscribe.
//
// Published values are shared between subscribers and must be treated as
// immutable.
type State[T any] struct {
	mu      sync.Mutex
	value   T
	has     bool
	closed  bool
	subs    map[chan T]struct{}
	equal   func(a, b T) bool
	present func(v T) bool
}

// Option configures a State.
type Option[T any] func(*State[T])

// WithEqual suppresses a published value equal to the cached one.
func WithEqual[T any](equal func(a, b T) bool) Option[T] {
	return func(s *State[T]) { s.equal = equal }
}

// WithPresent drops published values for which present returns false.
func WithPresent[T any](present func(v T) bool) Option[T] {
	return func(s *State[T]) { s.present = present }
}

// NewState returns an empty, open State.
func NewState[T any](opts ...Option[T]) *State[T] {
	s := &State[T]{subs: make(map[chan T]struct{})}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Publish caches v and offers it to every subscriber. It reports whether v
// was accepted; absent values, values equal to the cached one and values
// published after Close are dropped.
func (s *State[T]) Publish(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if s.present != nil && !s.present(v) {
		return false
	}
	if s.has && s.equal != nil && s.equal(s.value, v) {
		return false
	}
	s.value, s.has = v, true
	for ch := range s.subs {
		offer(ch, v)
	}
	return true
}

// Value returns the cached value and whether one has been published.
func (s *State[T]) Value() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.has
}

// Subscribe returns a channel carrying the cached value, if any, followed by
// every later accepted value. The channel buffers only the newest value a
// slow reader has not taken yet. It is closed by the returned cancel
// function or by Close; subscribing to a closed State yields a closed
// channel.
func (s *State[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if s.has {
		ch <- s.value
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
			s.mu.Unlock()
		})
	}
}

// Close ends the stream: every subscriber channel is closed and nothing is
// published afterwards. Close is idempotent.
func (s *State[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}

// offer replaces any undelivered value in ch with v. Callers hold s.mu, so
// after the drain the single slot is free and the send cannot block.
func offer[T any](ch chan T, v T) {
	select {
	case <-ch:
	default:
	}
	ch <- v
}
