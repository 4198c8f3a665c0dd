package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/webstreams/webstreams-go/connstate"
	"github.com/webstreams/webstreams-go/internal/logctx"
	"github.com/webstreams/webstreams-go/internal/socket"
	"github.com/webstreams/webstreams-go/internal/wire"
	"github.com/webstreams/webstreams-go/router"
	"github.com/webstreams/webstreams-go/rx"
)

// serveWebSocket upgrades the connection and drives it with the outbound pump
// and the inbound demux pump. Both pumps are awaited before the adapter is
// released.
func (h *Handler) serveWebSocket(w http.ResponseWriter, r *http.Request, route *router.Route, params map[string]string) {
	connID := uuid.NewString()
	ctx := logctx.WithConnData(r.Context(), &logctx.ConnData{
		ConnID:    connID,
		Route:     route.Path,
		Transport: "websocket",
	})

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WarnContext(ctx, "ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	if h.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(h.cfg.MaxMessageSize)
	}
	sock := socket.New(ws)
	h.log.InfoContext(ctx, "ws.open")

	if h.state != nil {
		rec := connstate.Connection{ID: connID, Route: route.Path, Transport: "websocket", OpenedAt: time.Now()}
		if err := h.state.ConnectionOpened(ctx, rec); err != nil {
			h.log.WarnContext(ctx, "connstate.open.fail", slog.String("err", err.Error()))
		}
		defer func() {
			if err := h.state.ConnectionClosed(context.WithoutCancel(ctx), rec); err != nil {
				h.log.WarnContext(ctx, "connstate.close.fail", slog.String("err", err.Error()))
			}
		}()
	}

	slots := make(map[string]inboundSlot, len(route.InboundParamNames))
	for name := range route.InboundParamNames {
		slots[name] = h.newSlot()
	}
	lookup := func(name string) rx.Observable[string] {
		if slot, ok := slots[name]; ok {
			return slot.stream()
		}
		return rx.Empty[string]()
	}

	out := route.Invoker(ctx, route.Factory(), params, lookup)

	pump := newOutboundPump(ctx, sock, h.log)
	sub := out.Subscribe(pump)

	inDone := make(chan struct{})
	go func() {
		defer close(inDone)
		h.runInboundPump(ctx, sock, slots)
	}()

	// Host cancellation unsubscribes the outbound pump and closes the socket
	// so the blocked receive observes EOF within one I/O step.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			_ = sock.Close(websocket.CloseGoingAway, "cancelled")
			pump.finish()
		case <-watchDone:
		}
	}()

	<-inDone
	if sock.IsClosed() {
		sub.Unsubscribe()
		pump.finish()
	}
	<-pump.done
	sub.Unsubscribe()
	_ = sock.Close(websocket.CloseNormalClosure, wire.CloseReason)
	h.log.InfoContext(ctx, "ws.close")
}

// runInboundPump receives frames while the socket is open and inbound slots
// survive, demultiplexing them onto the named slots. On exit every surviving
// slot that has not been cancelled receives completion.
func (h *Handler) runInboundPump(ctx context.Context, sock *socket.Conn, slots map[string]inboundSlot) {
	for len(slots) > 0 && !sock.IsClosed() {
		msg, err := sock.ReceiveString()
		if err != nil {
			break
		}
		frame, ok := wire.Parse(msg)
		if !ok {
			h.log.DebugContext(ctx, "ws.frame.malformed")
			continue
		}
		slot, ok := slots[frame.Name]
		if !ok {
			h.log.DebugContext(ctx, "ws.frame.unknown_name", slog.String("name", frame.Name))
			continue
		}
		select {
		case <-slot.cancelled():
			delete(slots, frame.Name)
			continue
		default:
		}
		switch frame.Kind {
		case wire.KindNext:
			slot.next(ctx, frame.Payload)
		case wire.KindError:
			slot.fail(ctx, frame.Payload)
			delete(slots, frame.Name)
		case wire.KindComplete:
			slot.complete(ctx)
			delete(slots, frame.Name)
		case wire.KindFinal:
			slot.next(ctx, frame.Payload)
			slot.complete(ctx)
			delete(slots, frame.Name)
		}
	}
	for _, slot := range slots {
		select {
		case <-slot.cancelled():
		default:
			slot.complete(ctx)
		}
	}
}

// outboundPump serializes the method's outbound sequence onto the socket. Its
// completion performs the close handshake; done is closed once the pump can
// make no further progress.
type outboundPump struct {
	ctx  context.Context
	sock *socket.Conn
	log  *slog.Logger
	done chan struct{}
	once sync.Once
}

func newOutboundPump(ctx context.Context, sock *socket.Conn, log *slog.Logger) *outboundPump {
	return &outboundPump{ctx: ctx, sock: sock, log: log, done: make(chan struct{})}
}

func (p *outboundPump) finish() {
	p.once.Do(func() { close(p.done) })
}

func (p *outboundPump) Next(v string) {
	if p.sock.IsClosed() {
		p.finish()
		return
	}
	if err := p.sock.Send(wire.Format(wire.KindNext, v)); err != nil {
		p.finish()
	}
}

func (p *outboundPump) Error(err error) {
	if !p.sock.IsClosed() {
		if msg, mErr := json.Marshal(err.Error()); mErr == nil {
			_ = p.sock.Send(wire.Format(wire.KindError, string(msg)))
		}
		_ = p.sock.Close(websocket.CloseNormalClosure, "")
	}
	p.log.InfoContext(p.ctx, "pump.outbound.error", slog.String("err", err.Error()))
	p.finish()
}

func (p *outboundPump) Complete() {
	if !p.sock.IsClosed() {
		_ = p.sock.Send(wire.Format(wire.KindComplete, ""))
		_ = p.sock.Close(websocket.CloseNormalClosure, wire.CloseReason)
	}
	p.log.InfoContext(p.ctx, "pump.outbound.complete")
	p.finish()
}

// inboundSlot is one named channel carrying peer values into a stream
// parameter of the method.
type inboundSlot interface {
	stream() rx.Observable[string]
	next(ctx context.Context, payload string)
	fail(ctx context.Context, payload string)
	complete(ctx context.Context)
	cancelled() <-chan struct{}
}

func (h *Handler) newSlot() inboundSlot {
	if h.backing == BackingProxy {
		return proxySlot{p: rx.NewProxy[string]()}
	}
	return queuedSlot{sub: rx.NewSubject[string]()}
}

// queuedSlot buffers frames that arrive before the method subscribes.
type queuedSlot struct{ sub *rx.Subject[string] }

func (s queuedSlot) stream() rx.Observable[string]      { return s.sub.Observable() }
func (s queuedSlot) next(_ context.Context, p string)   { s.sub.Next(p) }
func (s queuedSlot) fail(_ context.Context, p string)   { s.sub.Error(errors.New(p)) }
func (s queuedSlot) complete(_ context.Context)         { s.sub.Complete() }
func (s queuedSlot) cancelled() <-chan struct{}         { return s.sub.Cancelled() }

// proxySlot awaits the method's observer before dispatching each frame.
type proxySlot struct{ p *rx.Proxy[string] }

func (s proxySlot) stream() rx.Observable[string] { return s.p.Observable() }

func (s proxySlot) next(ctx context.Context, payload string) {
	select {
	case <-s.p.ObserverReady():
		s.p.Observer().Next(payload)
	case <-s.p.Cancelled():
	case <-ctx.Done():
	}
}

func (s proxySlot) fail(ctx context.Context, payload string) {
	select {
	case <-s.p.ObserverReady():
		s.p.Observer().Error(errors.New(payload))
	case <-s.p.Cancelled():
	case <-ctx.Done():
	}
}

func (s proxySlot) complete(ctx context.Context) {
	select {
	case <-s.p.ObserverReady():
		s.p.Observer().Complete()
	case <-s.p.Cancelled():
	case <-ctx.Done():
	}
}

func (s proxySlot) cancelled() <-chan struct{} { return s.p.Cancelled() }
