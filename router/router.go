// Package router builds the route registry: it reflects controller methods
// into compiled invokers and exposes the per-route metadata the connection
// drivers dispatch on. The registry is built once and read-only afterwards.
package router

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/webstreams/webstreams-go/rx"
)

// BodyKey is the scalar-map key carrying the request body.
const BodyKey = "$body"

// ErrPlainHTTPViolation terminates the outbound sequence of a plain-HTTP
// method that emitted a second value.
var ErrPlainHTTPViolation = errors.New("router: plain HTTP method emitted more than one value")

// ErrStreamBody rejects a registration whose body parameter is a stream.
var ErrStreamBody = errors.New("router: body parameter cannot be a stream")

// InboundLookup resolves a named inbound stream for the connection being
// dispatched. Names without a live stream resolve to the empty sequence.
type InboundLookup func(name string) rx.Observable[string]

// Invoker is the compiled binding plan for one method. It is pure with
// respect to its arguments and safe for concurrent use across connections:
// the same arguments produce equivalent sequences.
type Invoker func(ctx context.Context, controller any, params map[string]string, inbound InboundLookup) rx.Observable[string]

// ParamKind classifies one declared method parameter.
type ParamKind string

const (
	ParamScalar ParamKind = "scalar"
	ParamStream ParamKind = "stream"
	ParamBody   ParamKind = "body"
)

// ParamInfo describes one declared parameter for introspection. For stream
// parameters Type is the stream's element type.
type ParamInfo struct {
	Name string
	Kind ParamKind
	Type reflect.Type
}

// Route is the immutable registration record for one path.
type Route struct {
	Path              string
	ControllerType    reflect.Type
	Factory           func() any
	Invoker           Invoker
	InboundParamNames map[string]struct{}
	HasBody           bool
	PlainHTTP         bool
	Params            []ParamInfo
}

// MethodRoute declares one routed method. Go carries no method attributes, so
// the route suffix, the positional parameter names, the body marker and the
// plain-HTTP marker are declared here and checked against the reflected
// signature at registration.
type MethodRoute struct {
	// Name is the exported Go method name.
	Name string
	// Suffix is the method's path suffix. Empty is permitted.
	Suffix string
	// Params names the method's parameters in positional order, excluding an
	// optional leading context.Context.
	Params []string
	// Body names the parameter bound from the request body, if any.
	Body string
	// PlainHTTP marks a method that must produce at most one value.
	PlainHTTP bool
}

// ControllerDef registers one controller type: an instance factory (invoked
// once per connection at dispatch time), the controller path prefix and the
// routed methods.
type ControllerDef struct {
	Factory func() any
	Prefix  string
	Methods []MethodRoute
}

// Registry maps exact request paths to routes.
type Registry struct {
	prefix string
	routes map[string]*Route
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithPrefix sets the path prefix shared by every registered route.
func WithPrefix(prefix string) Option {
	return func(r *Registry) { r.prefix = prefix }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{routes: make(map[string]*Route)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register reflects def's methods and adds one route per method. Registration
// errors are fatal for the build: a partially applied definition is not
// recorded.
func (r *Registry) Register(def ControllerDef) error {
	if def.Factory == nil {
		return errors.New("router: controller factory is required")
	}
	proto := def.Factory()
	if proto == nil {
		return errors.New("router: controller factory returned nil")
	}
	t := reflect.TypeOf(proto)

	staged := make(map[string]*Route, len(def.Methods))
	for _, mr := range def.Methods {
		route, err := buildRoute(r.prefix, def, t, mr)
		if err != nil {
			return fmt.Errorf("router: register %s.%s: %w", t, mr.Name, err)
		}
		if _, dup := r.routes[route.Path]; dup {
			return fmt.Errorf("router: duplicate route path %q", route.Path)
		}
		if _, dup := staged[route.Path]; dup {
			return fmt.Errorf("router: duplicate route path %q", route.Path)
		}
		staged[route.Path] = route
	}
	for path, route := range staged {
		r.routes[path] = route
	}
	return nil
}

// Lookup resolves path by exact match.
func (r *Registry) Lookup(path string) (*Route, bool) {
	route, ok := r.routes[path]
	return route, ok
}

// Routes returns every registered route sorted by path.
func (r *Registry) Routes() []*Route {
	out := make([]*Route, 0, len(r.routes))
	for _, route := range r.routes {
		out = append(out, route)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// joinPath composes "/" + the non-empty slash-trimmed parts. The all-empty
// composition is the root path.
func joinPath(parts ...string) string {
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			segs = append(segs, p)
		}
	}
	return "/" + strings.Join(segs, "/")
}
