package server_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/webstreams/webstreams-go/auth"
	"github.com/webstreams/webstreams-go/connstate/memoryhost"
	"github.com/webstreams/webstreams-go/router"
	"github.com/webstreams/webstreams-go/rx"
	"github.com/webstreams/webstreams-go/server"
)

type thing struct {
	Name string `json:"name"`
}

type streamController struct{}

func (c *streamController) Echo(msg string) rx.Observable[string] {
	return rx.Just(msg)
}

// Sum pairs items from both inbound streams and emits the running total per
// pair, completing once both inputs complete.
func (c *streamController) Sum(left, right rx.Observable[int]) rx.Observable[int] {
	return rx.Create(func(o rx.Observer[int]) func() {
		var (
			mu      sync.Mutex
			lq, rq  []int
			total   int
			pending = 2
		)
		onValue := func(q *[]int, v int) {
			mu.Lock()
			defer mu.Unlock()
			*q = append(*q, v)
			for len(lq) > 0 && len(rq) > 0 {
				total += lq[0] + rq[0]
				lq, rq = lq[1:], rq[1:]
				o.Next(total)
			}
		}
		onDone := func() {
			mu.Lock()
			defer mu.Unlock()
			pending--
			if pending == 0 {
				o.Complete()
			}
		}
		lSub := left.Subscribe(rx.NewObserver(func(v int) { onValue(&lq, v) }, o.Error, onDone))
		rSub := right.Subscribe(rx.NewObserver(func(v int) { onValue(&rq, v) }, o.Error, onDone))
		return func() {
			lSub.Unsubscribe()
			rSub.Unsubscribe()
		}
	})
}

func (c *streamController) Boom() rx.Observable[string] {
	return rx.Throw[string](errors.New("nope"))
}

func (c *streamController) Empty() rx.Observable[string] {
	return rx.Empty[string]()
}

func (c *streamController) Create(item thing) rx.Observable[string] {
	return rx.Just("id-" + item.Name)
}

// Relay echoes the named inbound stream back to the peer.
func (c *streamController) Relay(payloadX rx.Observable[string]) rx.Observable[string] {
	return payloadX
}

func mustRegistry(t *testing.T) *router.Registry {
	t.Helper()
	reg := router.NewRegistry()
	err := reg.Register(router.ControllerDef{
		Factory: func() any { return &streamController{} },
		Prefix:  "test",
		Methods: []router.MethodRoute{
			{Name: "Echo", Suffix: "echo", Params: []string{"msg"}},
			{Name: "Sum", Suffix: "sum", Params: []string{"left", "right"}},
			{Name: "Boom", Suffix: "boom"},
			{Name: "Empty", Suffix: "empty"},
			{Name: "Create", Suffix: "create", Params: []string{"item"}, Body: "item"},
			{Name: "Relay", Suffix: "relay", Params: []string{"payloadX"}},
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg
}

func mustServer(t *testing.T, opts ...server.Option) *httptest.Server {
	t.Helper()
	h, err := server.New(mustRegistry(t), opts...)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, pathAndQuery string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + pathAndQuery
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return string(data)
}

// readClose asserts the next read yields the close handshake.
func readClose(t *testing.T, conn *websocket.Conn, wantReason string) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("expected close error, got %v", err)
	}
	if ce.Code != websocket.CloseNormalClosure {
		t.Fatalf("want normal closure, got %d", ce.Code)
	}
	if wantReason != "" && ce.Text != wantReason {
		t.Fatalf("want close reason %q, got %q", wantReason, ce.Text)
	}
}

func TestWebSocketScalarEcho(t *testing.T) {
	srv := mustServer(t)
	conn := dialWS(t, srv, "/test/echo?msg=hello")

	if got := readFrame(t, conn); got != `n"hello"` {
		t.Fatalf("want n\"hello\" got %q", got)
	}
	if got := readFrame(t, conn); got != "c" {
		t.Fatalf("want c got %q", got)
	}
	readClose(t, conn, "onCompleted")
}

func TestWebSocketBidirectionalSum(t *testing.T) {
	for name, backing := range map[string]server.InboundBacking{
		"queued subject":      server.BackingQueued,
		"single-subscription": server.BackingProxy,
	} {
		t.Run(name, func(t *testing.T) {
			srv := mustServer(t, server.WithInboundBacking(backing))
			conn := dialWS(t, srv, "/test/sum")

			for _, frame := range []string{"nleft.3", "nright.4", "nleft.1", "nright.1", "cleft", "cright"} {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
					t.Fatalf("write %q: %v", frame, err)
				}
			}

			if got := readFrame(t, conn); got != "n7" {
				t.Fatalf("want n7 got %q", got)
			}
			if got := readFrame(t, conn); got != "n9" {
				t.Fatalf("want n9 got %q", got)
			}
			if got := readFrame(t, conn); got != "c" {
				t.Fatalf("want c got %q", got)
			}
			readClose(t, conn, "onCompleted")
		})
	}
}

func TestWebSocketErrorPropagation(t *testing.T) {
	srv := mustServer(t)
	conn := dialWS(t, srv, "/test/boom")

	if got := readFrame(t, conn); got != `e"nope"` {
		t.Fatalf("want e\"nope\" got %q", got)
	}
	readClose(t, conn, "")
}

func TestWebSocketFinalFrame(t *testing.T) {
	srv := mustServer(t)
	conn := dialWS(t, srv, "/test/relay")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`fpayloadX."v1"`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	// A value after the terminal frame is silently dropped.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`npayloadX."v2"`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	if got := readFrame(t, conn); got != `n"v1"` {
		t.Fatalf("want n\"v1\" got %q", got)
	}
	if got := readFrame(t, conn); got != "c" {
		t.Fatalf("want c got %q", got)
	}
	readClose(t, conn, "onCompleted")
}

func TestWebSocketMalformedFramesAreDropped(t *testing.T) {
	srv := mustServer(t)
	conn := dialWS(t, srv, "/test/sum")

	for _, frame := range []string{"", "zleft.1", "nmissing.5"} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write %q: %v", frame, err)
		}
	}
	// The connection is still alive and dispatching.
	for _, frame := range []string{"nleft.2", "nright.2", "cleft", "cright"} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write %q: %v", frame, err)
		}
	}
	if got := readFrame(t, conn); got != "n4" {
		t.Fatalf("want n4 got %q", got)
	}
}

func TestHTTPSingleChunk(t *testing.T) {
	srv := mustServer(t)
	res, err := http.Post(srv.URL+"/test/create", "application/json", strings.NewReader(`{"name":"widget"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("want 200 got %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("want application/json got %q", ct)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != `"id-widget"` {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestHTTPErrorBeforeOutput(t *testing.T) {
	srv := mustServer(t)
	res, err := http.Get(srv.URL + "/test/boom")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("want 500 got %d", res.StatusCode)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "nope" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestHTTPEmptyCompletion(t *testing.T) {
	srv := mustServer(t)
	res, err := http.Get(srv.URL + "/test/empty")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("want 204 got %d", res.StatusCode)
	}
	body, _ := io.ReadAll(res.Body)
	if len(body) != 0 {
		t.Fatalf("expected empty body, got %q", body)
	}
}

func TestHTTPQueryScalarChunk(t *testing.T) {
	srv := mustServer(t)
	res, err := http.Get(srv.URL + "/test/echo?msg=hi")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("want 200 got %d", res.StatusCode)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != `"hi"` {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestHTTPNotAcceptable(t *testing.T) {
	srv := mustServer(t)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/test/echo?msg=hi", nil)
	req.Header.Set("Accept", "text/html")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotAcceptable {
		t.Fatalf("want 406 got %d", res.StatusCode)
	}
}

func TestUnknownPathDelegatesToNext(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h, err := server.New(mustRegistry(t), server.WithNext(next))
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	srv := httptest.NewServer(h)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/elsewhere")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusTeapot {
		t.Fatalf("want 418 got %d", res.StatusCode)
	}

	// Matching is exact, not by prefix.
	res2, err := http.Get(srv.URL + "/test/echo/extra")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusTeapot {
		t.Fatalf("prefix match leaked: got %d", res2.StatusCode)
	}
}

func TestConnStateRecordsLifecycle(t *testing.T) {
	host := memoryhost.New()
	srv := mustServer(t, server.WithConnState(host))

	res, err := http.Get(srv.URL + "/test/echo?msg=x")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_, _ = io.ReadAll(res.Body)
	res.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := host.ActiveCount(context.Background())
		if err != nil {
			t.Fatalf("active count: %v", err)
		}
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("connection still recorded live: %d", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestIntrospectionDocument(t *testing.T) {
	srv := mustServer(t, server.WithIntrospection("/routes"))
	res, err := http.Get(srv.URL + "/routes")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("want 200 got %d", res.StatusCode)
	}
	body, _ := io.ReadAll(res.Body)
	for _, want := range []string{`"/test/echo"`, `"/test/sum"`, `"stream"`, `"hasBody":true`} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("introspection doc missing %s: %s", want, body)
		}
	}
}

// fakeAuthenticator accepts the single token "good".
type fakeAuthenticator struct{}

type fakeUser struct{}

func (fakeUser) UserID() string        { return "u1" }
func (fakeUser) Claims(ref any) error  { return nil }

func (fakeAuthenticator) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	if tok == "good" {
		return fakeUser{}, nil
	}
	return nil, auth.ErrUnauthorized
}

func TestBearerAuthentication(t *testing.T) {
	srv := mustServer(t, server.WithAuthenticator(fakeAuthenticator{}), server.WithRealm("streams"))

	t.Run("missing credentials challenge", func(t *testing.T) {
		res, err := http.Get(srv.URL + "/test/echo?msg=x")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusUnauthorized {
			t.Fatalf("want 401 got %d", res.StatusCode)
		}
		if ch := res.Header.Get("WWW-Authenticate"); !strings.HasPrefix(ch, "Bearer") || !strings.Contains(ch, `realm="streams"`) {
			t.Fatalf("unexpected challenge %q", ch)
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/test/echo?msg=x", nil)
		req.Header.Set("Authorization", "Bearer bad")
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusUnauthorized {
			t.Fatalf("want 401 got %d", res.StatusCode)
		}
		if ch := res.Header.Get("WWW-Authenticate"); !strings.Contains(ch, "invalid_token") {
			t.Fatalf("unexpected challenge %q", ch)
		}
	})

	t.Run("valid token dispatches", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/test/echo?msg=x", nil)
		req.Header.Set("Authorization", "Bearer good")
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("want 200 got %d", res.StatusCode)
		}
	})
}
