package router

import (
	"context"
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/webstreams/webstreams-go/rx"
)

var (
	ctxType             = reflect.TypeOf((*context.Context)(nil)).Elem()
	sourceType          = reflect.TypeOf((*rx.Source)(nil)).Elem()
	stringType          = reflect.TypeOf("")
	uuidType            = reflect.TypeOf(uuid.UUID{})
	timeType            = reflect.TypeOf(time.Time{})
	textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
	stringStreamType    = reflect.TypeOf(rx.Observable[string]{})
)

type planKind int

const (
	planContext planKind = iota
	planBody
	planStream
	planScalar
)

// paramPlan is one instruction of the compiled binding plan.
type paramPlan struct {
	kind planKind
	name string
	typ  reflect.Type
	// bind converts a present raw scalar into the parameter value. Nil for
	// context and stream plans.
	bind func(raw string) (reflect.Value, error)
	// decodeIdx indexes the DecodeFrom method on *typ for stream plans.
	decodeIdx int
}

// buildRoute reflects one declared method into its Route.
func buildRoute(globalPrefix string, def ControllerDef, t reflect.Type, mr MethodRoute) (*Route, error) {
	if mr.Name == "" {
		return nil, errors.New("method name is required")
	}
	mt, ok := t.MethodByName(mr.Name)
	if !ok {
		return nil, fmt.Errorf("no exported method %q on %s", mr.Name, t)
	}
	if mt.Type.NumOut() != 1 || !mt.Type.Out(0).Implements(sourceType) {
		return nil, fmt.Errorf("method must return exactly one rx.Observable value, got %s", mt.Type)
	}

	// In(0) is the receiver. An optional context.Context may follow it.
	offset := 1
	hasCtx := mt.Type.NumIn() > 1 && mt.Type.In(1) == ctxType
	if hasCtx {
		offset = 2
	}
	declared := mt.Type.NumIn() - offset
	if declared != len(mr.Params) {
		return nil, fmt.Errorf("declared %d parameter names for %d method parameters", len(mr.Params), declared)
	}

	if mr.Body != "" {
		found := false
		for _, n := range mr.Params {
			if n == mr.Body {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("body parameter %q is not among declared parameters", mr.Body)
		}
	}

	plans := make([]paramPlan, 0, declared+1)
	if hasCtx {
		plans = append(plans, paramPlan{kind: planContext})
	}

	var (
		infos   = make([]ParamInfo, 0, declared)
		inbound = make(map[string]struct{})
		hasBody bool
	)
	seen := make(map[string]struct{}, declared)
	for i, name := range mr.Params {
		if name == "" {
			return nil, fmt.Errorf("parameter %d has an empty name", i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate parameter name %q", name)
		}
		seen[name] = struct{}{}

		pt := mt.Type.In(offset + i)
		stream := pt.Implements(sourceType)

		// Binding rules are evaluated in fixed order: the body marker wins,
		// then stream shape, then the scalar family.
		switch {
		case name == mr.Body && stream:
			return nil, ErrStreamBody
		case name == mr.Body:
			hasBody = true
			plans = append(plans, paramPlan{kind: planBody, name: name, typ: pt, bind: scalarBinder(pt)})
			infos = append(infos, ParamInfo{Name: name, Kind: ParamBody, Type: pt})
		case stream:
			decodeIdx, elem, err := streamShape(pt)
			if err != nil {
				return nil, fmt.Errorf("stream parameter %q: %w", name, err)
			}
			inbound[name] = struct{}{}
			plans = append(plans, paramPlan{kind: planStream, name: name, typ: pt, decodeIdx: decodeIdx})
			infos = append(infos, ParamInfo{Name: name, Kind: ParamStream, Type: elem})
		default:
			plans = append(plans, paramPlan{kind: planScalar, name: name, typ: pt, bind: scalarBinder(pt)})
			infos = append(infos, ParamInfo{Name: name, Kind: ParamScalar, Type: pt})
		}
	}

	return &Route{
		Path:              joinPath(globalPrefix, def.Prefix, mr.Suffix),
		ControllerType:    t,
		Factory:           def.Factory,
		Invoker:           compileInvoker(mt, plans, mr.PlainHTTP),
		InboundParamNames: inbound,
		HasBody:           hasBody,
		PlainHTTP:         mr.PlainHTTP,
		Params:            infos,
	}, nil
}

// streamShape validates that pt is rx.Observable[T] and resolves the
// DecodeFrom method index and the element type.
func streamShape(pt reflect.Type) (decodeIdx int, elem reflect.Type, err error) {
	dm, ok := reflect.PointerTo(pt).MethodByName("DecodeFrom")
	if !ok || dm.Type.NumIn() != 2 || dm.Type.In(1) != stringStreamType {
		return 0, nil, errors.New("must be an rx.Observable")
	}
	em, ok := pt.MethodByName("ElemType")
	if !ok {
		return 0, nil, errors.New("must be an rx.Observable")
	}
	elem = reflect.Zero(pt).Method(em.Index).Call(nil)[0].Interface().(reflect.Type)
	return dm.Index, elem, nil
}

// compileInvoker closes over the reflected method and the per-parameter plan.
// Method lookup and binder selection happen once at build; at call time
// reflection only builds the argument values (including a reflective
// DecodeFrom call per stream parameter) and invokes the method.
func compileInvoker(mt reflect.Method, plans []paramPlan, plain bool) Invoker {
	return func(ctx context.Context, controller any, params map[string]string, inbound InboundLookup) (out rx.Observable[string]) {
		defer func() {
			if p := recover(); p != nil {
				out = rx.Throw[string](fmt.Errorf("method panicked: %v", p))
			}
		}()
		if ctx == nil {
			ctx = context.Background()
		}
		if inbound == nil {
			inbound = func(string) rx.Observable[string] { return rx.Empty[string]() }
		}

		args := make([]reflect.Value, 0, len(plans)+1)
		args = append(args, reflect.ValueOf(controller))
		for _, p := range plans {
			switch p.kind {
			case planContext:
				args = append(args, reflect.ValueOf(ctx))
			case planStream:
				pv := reflect.New(p.typ)
				pv.Method(p.decodeIdx).Call([]reflect.Value{reflect.ValueOf(inbound(p.name))})
				args = append(args, pv.Elem())
			case planBody, planScalar:
				key := p.name
				if p.kind == planBody {
					key = BodyKey
				}
				raw, present := params[key]
				if !present {
					args = append(args, reflect.Zero(p.typ))
					continue
				}
				v, err := p.bind(raw)
				if err != nil {
					return rx.Throw[string](fmt.Errorf("parameter %q: %w", p.name, err))
				}
				args = append(args, v)
			}
		}

		rets := mt.Func.Call(args)
		out = rx.EncodeJSON(rets[0].Interface().(rx.Source))
		if plain {
			out = rx.Single(out, ErrPlainHTTPViolation)
		}
		return out
	}
}

// scalarBinder picks the conversion for one scalar parameter type. Parse
// failures for the parse-from-string family fall back to the zero value;
// JSON-decode failures are returned and surface as an error sequence.
func scalarBinder(t reflect.Type) func(raw string) (reflect.Value, error) {
	if t == stringType {
		return func(raw string) (reflect.Value, error) {
			return reflect.ValueOf(raw), nil
		}
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return func(raw string) (reflect.Value, error) {
			v := reflect.New(t).Elem()
			if n, err := strconv.ParseInt(raw, 10, t.Bits()); err == nil {
				v.SetInt(n)
			}
			return v, nil
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return func(raw string) (reflect.Value, error) {
			v := reflect.New(t).Elem()
			if n, err := strconv.ParseUint(raw, 10, t.Bits()); err == nil {
				v.SetUint(n)
			}
			return v, nil
		}
	case reflect.Float32, reflect.Float64:
		return func(raw string) (reflect.Value, error) {
			v := reflect.New(t).Elem()
			if f, err := strconv.ParseFloat(raw, t.Bits()); err == nil {
				v.SetFloat(f)
			}
			return v, nil
		}
	case reflect.Bool:
		return func(raw string) (reflect.Value, error) {
			v := reflect.New(t).Elem()
			if b, err := strconv.ParseBool(raw); err == nil {
				v.SetBool(b)
			}
			return v, nil
		}
	}
	if t == uuidType {
		return func(raw string) (reflect.Value, error) {
			u, err := uuid.Parse(raw)
			if err != nil {
				return reflect.Zero(t), nil
			}
			return reflect.ValueOf(u), nil
		}
	}
	if t == timeType || reflect.PointerTo(t).Implements(textUnmarshalerType) {
		// JSON-primitive family: the raw value is quoted and decoded as a
		// JSON string.
		return func(raw string) (reflect.Value, error) {
			v := reflect.New(t)
			if err := json.Unmarshal([]byte(strconv.Quote(raw)), v.Interface()); err != nil {
				return reflect.Value{}, err
			}
			return v.Elem(), nil
		}
	}
	return func(raw string) (reflect.Value, error) {
		v := reflect.New(t)
		if err := json.Unmarshal([]byte(raw), v.Interface()); err != nil {
			return reflect.Value{}, err
		}
		return v.Elem(), nil
	}
}
