package rx

import "sync"

// Subject buffers every emission until its first subscriber attaches, drains
// the buffer in order, then switches to direct forwarding. If a terminal event
// arrives before the subscription, the first subscriber replays the buffered
// items followed by that terminal.
//
// The producer side (Next/Error/Complete) assumes a single producing
// goroutine, which is how the inbound demux pump drives it.
type Subject[T any] struct {
	mu        sync.Mutex
	obs       Observer[T]
	buf       []event[T]
	taken     bool
	cancelled chan struct{}
}

type event[T any] struct {
	kind byte // 'n', 'e', 'c'
	v    T
	err  error
}

// NewSubject returns an empty, unsubscribed Subject.
func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{cancelled: make(chan struct{})}
}

// Next emits v, or buffers it while no subscriber is attached.
func (s *Subject[T]) Next(v T) { s.emit(event[T]{kind: 'n', v: v}) }

// Error terminates the sequence with err, or buffers the terminal.
func (s *Subject[T]) Error(err error) { s.emit(event[T]{kind: 'e', err: err}) }

// Complete terminates the sequence normally, or buffers the terminal.
func (s *Subject[T]) Complete() { s.emit(event[T]{kind: 'c'}) }

func (s *Subject[T]) emit(ev event[T]) {
	s.mu.Lock()
	if s.obs == nil {
		s.buf = append(s.buf, ev)
		s.mu.Unlock()
		return
	}
	obs := s.obs
	s.mu.Unlock()
	deliver(obs, ev)
}

// Observable returns the consumer-facing sequence. Only the first subscription
// binds; a later subscriber receives ErrAlreadySubscribed.
func (s *Subject[T]) Observable() Observable[T] {
	return Observable[T]{op: func(sk sink) Subscription {
		s.mu.Lock()
		if s.taken {
			s.mu.Unlock()
			sk.onError(ErrAlreadySubscribed)
			return nopSubscription{}
		}
		s.taken = true
		obs := Observer[T](sinkObserver[T]{s: sk})
		s.mu.Unlock()

		// Drain without holding the lock so the observer may call back into
		// the subject. Events arriving mid-drain keep buffering until the
		// observer is installed, preserving producer order.
		for {
			s.mu.Lock()
			if len(s.buf) == 0 {
				s.obs = obs
				s.mu.Unlock()
				break
			}
			pending := s.buf
			s.buf = nil
			s.mu.Unlock()
			for _, ev := range pending {
				deliver(obs, ev)
			}
		}
		return &closer{stop: s.cancel}
	}}
}

// Cancelled is closed when the consumer disposes its subscription.
func (s *Subject[T]) Cancelled() <-chan struct{} { return s.cancelled }

func (s *Subject[T]) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.cancelled:
	default:
		close(s.cancelled)
	}
}

func deliver[T any](obs Observer[T], ev event[T]) {
	switch ev.kind {
	case 'n':
		obs.Next(ev.v)
	case 'e':
		obs.Error(ev.err)
	case 'c':
		obs.Complete()
	}
}
