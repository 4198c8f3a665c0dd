package rx

import "sync"

// Proxy is a one-shot observable: the first subscriber's observer is captured
// and exposed through ObserverReady, and disposing that subscription fires
// Cancelled. It lets a producer (the inbound demux pump) address a consumer
// (a controller method parameter) that has not subscribed yet.
//
// Events sent before the subscription are lost; use Subject when early
// emissions must be buffered.
type Proxy[T any] struct {
	mu        sync.Mutex
	obs       Observer[T]
	taken     bool
	ready     chan struct{}
	cancelled chan struct{}
}

// NewProxy returns an unsubscribed Proxy.
func NewProxy[T any]() *Proxy[T] {
	return &Proxy[T]{
		ready:     make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

// Observable returns the sequence handed to the consumer. Only the first
// subscription binds; a later subscriber receives ErrAlreadySubscribed and
// the original binding stays intact.
func (p *Proxy[T]) Observable() Observable[T] {
	return Observable[T]{op: func(s sink) Subscription {
		p.mu.Lock()
		if p.taken {
			p.mu.Unlock()
			s.onError(ErrAlreadySubscribed)
			return nopSubscription{}
		}
		p.taken = true
		p.obs = sinkObserver[T]{s: s}
		p.mu.Unlock()
		close(p.ready)
		return &closer{stop: p.cancel}
	}}
}

// ObserverReady is closed once the first subscriber has attached.
func (p *Proxy[T]) ObserverReady() <-chan struct{} { return p.ready }

// Observer returns the captured observer. Valid only after ObserverReady.
func (p *Proxy[T]) Observer() Observer[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.obs
}

// Cancelled is closed when the consumer disposes its subscription.
func (p *Proxy[T]) Cancelled() <-chan struct{} { return p.cancelled }

func (p *Proxy[T]) cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.cancelled:
	default:
		close(p.cancelled)
	}
}
