package rx

import (
	"encoding/json"
	"sync/atomic"
)

// Create builds an Observable from a producer. The producer runs synchronously
// at subscription time, may emit from any goroutine afterwards, and returns an
// optional cancel function invoked on Unsubscribe.
func Create[T any](producer func(o Observer[T]) (cancel func())) Observable[T] {
	return Observable[T]{op: func(s sink) Subscription {
		cancel := producer(sinkObserver[T]{s: s})
		return &closer{stop: func() {
			if cancel != nil {
				cancel()
			}
		}}
	}}
}

// Just emits the given values in order, then completes.
func Just[T any](vs ...T) Observable[T] {
	return Create(func(o Observer[T]) func() {
		for _, v := range vs {
			o.Next(v)
		}
		o.Complete()
		return nil
	})
}

// Empty completes immediately without emitting.
func Empty[T any]() Observable[T] {
	return Observable[T]{}
}

// Throw errors immediately with err on every subscription.
func Throw[T any](err error) Observable[T] {
	return Create(func(o Observer[T]) func() {
		o.Error(err)
		return nil
	})
}

// Map projects each item of src through f. A projection error terminates the
// sequence with that error.
func Map[T, U any](src Observable[T], f func(T) (U, error)) Observable[U] {
	return Create(func(o Observer[U]) func() {
		sub := src.Subscribe(NewObserver(
			func(v T) {
				u, err := f(v)
				if err != nil {
					o.Error(err)
					return
				}
				o.Next(u)
			},
			o.Error,
			o.Complete,
		))
		return sub.Unsubscribe
	})
}

// Single passes through at most one item. A second emission terminates the
// sequence with violation instead.
func Single[T any](src Observable[T], violation error) Observable[T] {
	return Create(func(o Observer[T]) func() {
		var seen atomic.Int32
		sub := src.Subscribe(NewObserver(
			func(v T) {
				if seen.Add(1) > 1 {
					o.Error(violation)
					return
				}
				o.Next(v)
			},
			o.Error,
			o.Complete,
		))
		return sub.Unsubscribe
	})
}

// EncodeJSON maps each item of src through encoding/json marshalling. This is
// the outbound projection stage: the method's typed sequence becomes the
// sequence of wire payloads.
func EncodeJSON(src Source) Observable[string] {
	return Observable[string]{op: func(s sink) Subscription {
		return SubscribeSource(src,
			func(v any) {
				b, err := json.Marshal(v)
				if err != nil {
					s.onError(err)
					return
				}
				s.onNext(string(b))
			},
			s.onError,
			s.onComplete,
		)
	}}
}

// DecodeFrom wires o to produce items by JSON-decoding each string emitted by
// src. The route binder calls it reflectively to adapt a named inbound stream
// to the method's declared element type. A decode failure terminates the
// sequence with that error.
func (o *Observable[T]) DecodeFrom(src Observable[string]) {
	o.op = func(s sink) Subscription {
		return src.connect(funcSink{
			next: func(v any) {
				var out T
				if err := json.Unmarshal([]byte(v.(string)), &out); err != nil {
					s.onError(err)
					return
				}
				s.onNext(out)
			},
			fail:     s.onError,
			complete: s.onComplete,
		})
	}
}
