package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/webstreams/webstreams-go/auth"
	"github.com/webstreams/webstreams-go/connstate"
	"github.com/webstreams/webstreams-go/internal/logctx"
	"github.com/webstreams/webstreams-go/router"
)

var _ http.Handler = (*Handler)(nil)

// InboundBacking selects the primitive backing inbound stream parameters.
type InboundBacking int

const (
	// BackingQueued buffers peer frames that arrive before the method
	// subscribes. This is the default.
	BackingQueued InboundBacking = iota
	// BackingProxy holds each peer frame until the method subscribes: the
	// inbound pump waits for the method's observer before dispatching, and
	// reads no further frames while it waits.
	BackingProxy
)

// Option configures a Handler.
type Option func(*newConfig)

type newConfig struct {
	logger         *slog.Logger
	next           http.Handler
	authenticator  auth.Authenticator
	realm          string
	state          connstate.Host
	backing        InboundBacking
	introspectPath string
	cfg            Config
	cfgSet         bool
}

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithNext sets the handler that serves requests whose path matches no route.
// Defaults to a plain 404.
func WithNext(next http.Handler) Option {
	return func(c *newConfig) { c.next = next }
}

// WithAuthenticator enables bearer authentication on every matched route.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(c *newConfig) { c.authenticator = a }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges. If
// empty (default) the realm attribute is omitted.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = realm }
}

// WithConnState records connection open/close through the given host.
func WithConnState(h connstate.Host) Option {
	return func(c *newConfig) { c.state = h }
}

// WithInboundBacking selects the inbound-slot primitive.
func WithInboundBacking(b InboundBacking) Option {
	return func(c *newConfig) { c.backing = b }
}

// WithIntrospection serves the route-introspection document at path.
func WithIntrospection(path string) Option {
	return func(c *newConfig) { c.introspectPath = path }
}

// WithServerConfig sets transport tuning normally read from the environment.
func WithServerConfig(cfg Config) Option {
	return func(c *newConfig) { c.cfg = cfg; c.cfgSet = true }
}

// Handler is the middleware entry point: it matches the request path against
// the registry and dispatches matched requests to the WebSocket or HTTP
// connection driver. Unmatched paths are delegated to the next handler.
type Handler struct {
	log      *slog.Logger
	reg      *router.Registry
	next     http.Handler
	auth     auth.Authenticator
	realm    string
	state    connstate.Host
	backing  InboundBacking
	cfg      Config
	upgrader websocket.Upgrader

	introspectPath string
	introspectDoc  []byte
}

// New constructs the middleware over a built registry.
func New(reg *router.Registry, opts ...Option) (*Handler, error) {
	if reg == nil {
		return nil, errors.New("server: registry is required")
	}
	cfg := &newConfig{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(cfg)
	}
	if !cfg.cfgSet {
		cfg.cfg = DefaultConfig()
	}
	if cfg.next == nil {
		cfg.next = http.NotFoundHandler()
	}

	h := &Handler{
		log:            slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		reg:            reg,
		next:           cfg.next,
		auth:           cfg.authenticator,
		realm:          cfg.realm,
		state:          cfg.state,
		backing:        cfg.backing,
		cfg:            cfg.cfg,
		introspectPath: cfg.introspectPath,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   cfg.cfg.ReadBufferSize,
		WriteBufferSize:  cfg.cfg.WriteBufferSize,
		HandshakeTimeout: cfg.cfg.HandshakeTimeout,
	}
	if cfg.cfg.AllowAnyOrigin {
		h.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	if h.introspectPath != "" {
		doc, err := buildIntrospectionDoc(reg)
		if err != nil {
			return nil, fmt.Errorf("server: introspection doc: %w", err)
		}
		h.introspectDoc = doc
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	r = r.WithContext(ctx)

	if h.introspectPath != "" && r.URL.Path == h.introspectPath {
		h.serveIntrospection(w, r)
		return
	}

	route, ok := h.reg.Lookup(r.URL.Path)
	if !ok {
		h.next.ServeHTTP(w, r)
		return
	}

	if h.auth != nil {
		if userInfo := h.checkAuthentication(ctx, r, w); userInfo == nil {
			h.log.InfoContext(ctx, "auth.fail")
			return
		}
		h.log.InfoContext(ctx, "auth.ok")
	}

	params := scalarParams(r)
	if route.HasBody {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			h.log.WarnContext(ctx, "body.read.fail", slog.String("err", err.Error()))
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		params[router.BodyKey] = string(body)
	}

	if websocket.IsWebSocketUpgrade(r) {
		h.serveWebSocket(w, r, route, params)
		return
	}
	h.serveHTTPStream(w, r, route, params)
}

// scalarParams extracts the scalar map from the query string: each key at
// most once, first value, URL-decoded, names case-preserving.
func scalarParams(r *http.Request) map[string]string {
	params := make(map[string]string)
	for key, vals := range r.URL.Query() {
		if len(vals) > 0 {
			params[key] = vals[0]
		}
	}
	return params
}
