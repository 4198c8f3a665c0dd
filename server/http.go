package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/webstreams/webstreams-go/connstate"
	"github.com/webstreams/webstreams-go/internal/logctx"
	"github.com/webstreams/webstreams-go/internal/writeq"
	"github.com/webstreams/webstreams-go/router"
)

var (
	jsonMediaType  = contenttype.NewMediaType("application/json")
	jsonMediaTypes = []contenttype.MediaType{jsonMediaType}
)

// serveHTTPStream projects the method's outbound sequence onto a chunked
// response. All body writes flow through the write scheduler so chunks never
// interleave.
func (h *Handler) serveHTTPStream(w http.ResponseWriter, r *http.Request, route *router.Route, params map[string]string) {
	connID := uuid.NewString()
	ctx := logctx.WithConnData(r.Context(), &logctx.ConnData{
		ConnID:    connID,
		Route:     route.Path,
		Transport: "http",
	})

	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, jsonMediaTypes); err != nil {
			h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", acc))
			w.WriteHeader(http.StatusNotAcceptable)
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "flusher.missing")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if h.state != nil {
		rec := connstate.Connection{ID: connID, Route: route.Path, Transport: "http", OpenedAt: time.Now()}
		if err := h.state.ConnectionOpened(ctx, rec); err != nil {
			h.log.WarnContext(ctx, "connstate.open.fail", slog.String("err", err.Error()))
		}
		defer func() {
			if err := h.state.ConnectionClosed(context.WithoutCancel(ctx), rec); err != nil {
				h.log.WarnContext(ctx, "connstate.close.fail", slog.String("err", err.Error()))
			}
		}()
	}

	h.log.InfoContext(ctx, "http.stream.start")

	out := route.Invoker(ctx, route.Factory(), params, nil)

	q := writeq.New()
	st := &httpStream{w: w, f: flusher, q: q, ctx: ctx, log: h.log}
	sub := out.Subscribe(st)
	defer sub.Unsubscribe()

	// Run blocks until the sequence terminates or the request is cancelled.
	// On cancellation queued writes are abandoned.
	if err := q.Run(ctx); err != nil {
		h.log.InfoContext(ctx, "http.stream.cancelled")
		return
	}
	h.log.InfoContext(ctx, "http.stream.end")
}

// httpStream maps sequence events to response writes scheduled on the queue.
// The response state (headers pending, anything written) is touched only
// inside queued tasks, which the scheduler serializes.
type httpStream struct {
	w   http.ResponseWriter
	f   http.Flusher
	q   *writeq.Queue
	ctx context.Context
	log *slog.Logger

	wrote bool
}

func (s *httpStream) Next(v string) {
	s.q.Schedule(func() {
		if !s.wrote {
			s.wrote = true
			s.w.Header().Set("Content-Type", jsonMediaType.String())
			s.w.WriteHeader(http.StatusOK)
		}
		if _, err := io.WriteString(s.w, v); err != nil {
			s.log.WarnContext(s.ctx, "http.write.fail", slog.String("err", err.Error()))
			return
		}
		s.f.Flush()
	})
}

func (s *httpStream) Error(err error) {
	s.q.Schedule(func() {
		if !s.wrote {
			s.wrote = true
			s.w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			s.w.WriteHeader(http.StatusInternalServerError)
		}
		if _, wErr := io.WriteString(s.w, err.Error()); wErr != nil {
			s.log.WarnContext(s.ctx, "http.write.fail", slog.String("err", wErr.Error()))
			return
		}
		s.f.Flush()
	})
	s.q.Complete()
}

func (s *httpStream) Complete() {
	s.q.Schedule(func() {
		if !s.wrote {
			s.wrote = true
			s.w.WriteHeader(http.StatusNoContent)
		}
	})
	s.q.Complete()
}
