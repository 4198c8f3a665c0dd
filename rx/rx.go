package rx

import (
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
)

// ErrAlreadySubscribed is delivered to a second subscriber of a
// single-subscription sequence (Proxy, Subject).
var ErrAlreadySubscribed = errors.New("rx: sequence supports only one subscriber")

// Observer receives the events of a sequence: zero or more Next calls followed
// by at most one terminal Error or Complete.
type Observer[T any] interface {
	Next(v T)
	Error(err error)
	Complete()
}

// Subscription represents an active subscription. Unsubscribe is idempotent
// and stops further event delivery.
type Subscription interface {
	Unsubscribe()
}

// sink is the untyped observer the core operates on. Element values travel as
// their concrete types boxed in any.
type sink interface {
	onNext(v any)
	onError(err error)
	onComplete()
}

// Source is satisfied by every Observable regardless of its element type. The
// dispatch engine subscribes through it when the element type is only known at
// runtime; see SubscribeSource.
type Source interface {
	connect(s sink) Subscription
}

// Observable is a lazy sequence of T. The zero value is the empty sequence.
type Observable[T any] struct {
	op func(s sink) Subscription
}

var _ Source = Observable[int]{}

// connect subscribes an untyped sink. Every subscription is wrapped in a gate
// enforcing the event contract: at most one terminal event, and silence after
// Unsubscribe.
func (o Observable[T]) connect(s sink) Subscription {
	g := &gate{}
	gs := gatedSink{g: g, s: s}
	if o.op == nil {
		gs.onComplete()
		return nopSubscription{}
	}
	inner := o.op(gs)
	return &closer{stop: func() {
		g.done.Store(true)
		if inner != nil {
			inner.Unsubscribe()
		}
	}}
}

// Subscribe attaches obs to the sequence and starts event delivery.
func (o Observable[T]) Subscribe(obs Observer[T]) Subscription {
	return o.connect(observerSink[T]{obs: obs})
}

// ElemType reports the sequence's element type. The route binder calls it
// reflectively to describe stream parameters without knowing T.
func (o Observable[T]) ElemType() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// SubscribeSource subscribes untyped callbacks to any source. Items arrive as
// the sequence's concrete element values. Nil callbacks are ignored.
func SubscribeSource(src Source, next func(v any), fail func(err error), complete func()) Subscription {
	return src.connect(funcSink{next: next, fail: fail, complete: complete})
}

// NewObserver builds an Observer from callbacks. Nil callbacks are ignored.
func NewObserver[T any](next func(T), fail func(error), complete func()) Observer[T] {
	return funcObserver[T]{next: next, fail: fail, complete: complete}
}

type funcObserver[T any] struct {
	next     func(T)
	fail     func(error)
	complete func()
}

func (o funcObserver[T]) Next(v T) {
	if o.next != nil {
		o.next(v)
	}
}

func (o funcObserver[T]) Error(err error) {
	if o.fail != nil {
		o.fail(err)
	}
}

func (o funcObserver[T]) Complete() {
	if o.complete != nil {
		o.complete()
	}
}

type funcSink struct {
	next     func(any)
	fail     func(error)
	complete func()
}

func (s funcSink) onNext(v any) {
	if s.next != nil {
		s.next(v)
	}
}

func (s funcSink) onError(err error) {
	if s.fail != nil {
		s.fail(err)
	}
}

func (s funcSink) onComplete() {
	if s.complete != nil {
		s.complete()
	}
}

// observerSink adapts a typed Observer to the untyped sink.
type observerSink[T any] struct{ obs Observer[T] }

func (s observerSink[T]) onNext(v any)      { s.obs.Next(v.(T)) }
func (s observerSink[T]) onError(err error) { s.obs.Error(err) }
func (s observerSink[T]) onComplete()       { s.obs.Complete() }

// sinkObserver adapts an untyped sink to a typed Observer.
type sinkObserver[T any] struct{ s sink }

func (o sinkObserver[T]) Next(v T)        { o.s.onNext(v) }
func (o sinkObserver[T]) Error(err error) { o.s.onError(err) }
func (o sinkObserver[T]) Complete()       { o.s.onComplete() }

// gate tracks terminal state for one subscription.
type gate struct{ done atomic.Bool }

type gatedSink struct {
	g *gate
	s sink
}

func (gs gatedSink) onNext(v any) {
	if !gs.g.done.Load() {
		gs.s.onNext(v)
	}
}

func (gs gatedSink) onError(err error) {
	if gs.g.done.CompareAndSwap(false, true) {
		gs.s.onError(err)
	}
}

func (gs gatedSink) onComplete() {
	if gs.g.done.CompareAndSwap(false, true) {
		gs.s.onComplete()
	}
}

type closer struct {
	once sync.Once
	stop func()
}

func (c *closer) Unsubscribe() { c.once.Do(c.stop) }

type nopSubscription struct{}

func (nopSubscription) Unsubscribe() {}
