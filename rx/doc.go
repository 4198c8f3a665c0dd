// Package rx provides the stream primitives the dispatch engine is built on:
// a minimal Observer/Observable pair, the single-subscription Proxy and the
// queued-until-subscribed Subject used to back inbound stream parameters, and
// the JSON bridge operators that map between typed sequences and their wire
// representation.
//
// Controller methods return Observable values built with the constructors in
// this package (Just, Create, Map, ...). Every Observable also satisfies the
// untyped Source interface, which is how the reflection-driven invoker
// subscribes without knowing the element type at compile time.
package rx
