package socket_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/webstreams/webstreams-go/internal/socket"
)

// pair upgrades one connection and hands the server side to the test.
func pair(t *testing.T) (*socket.Conn, *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverSide := make(chan *socket.Conn, 1)
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverSide <- socket.New(ws)
		<-done
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(done) })

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case conn := <-serverSide:
		return conn, client
	case <-time.After(2 * time.Second):
		t.Fatal("no server side connection")
		return nil, nil
	}
}

func TestSendAndReceive(t *testing.T) {
	conn, client := pair(t)

	if err := conn.Send("nhello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if mt != websocket.TextMessage || string(data) != "nhello" {
		t.Fatalf("unexpected message %d %q", mt, data)
	}

	if err := client.WriteMessage(websocket.TextMessage, []byte("nleft.1")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	msg, err := conn.ReceiveString()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg != "nleft.1" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	conn, _ := pair(t)

	if conn.IsClosed() {
		t.Fatal("closed before close")
	}
	if err := conn.Close(websocket.CloseNormalClosure, "onCompleted"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !conn.IsClosed() {
		t.Fatal("not closed after close")
	}
	if err := conn.Close(websocket.CloseNormalClosure, "onCompleted"); err != nil {
		t.Fatalf("second close must be a no-op, got %v", err)
	}
}

func TestSendAfterCloseReportsClosed(t *testing.T) {
	conn, _ := pair(t)
	_ = conn.Close(websocket.CloseNormalClosure, "")

	if err := conn.Send("n1"); err != socket.ErrClosed {
		t.Fatalf("want ErrClosed got %v", err)
	}
	if _, err := conn.ReceiveString(); err != socket.ErrClosed {
		t.Fatalf("want ErrClosed got %v", err)
	}
}

func TestPeerCloseSurfacesAsClosed(t *testing.T) {
	conn, client := pair(t)
	_ = client.Close()

	if _, err := conn.ReceiveString(); err != socket.ErrClosed {
		t.Fatalf("want ErrClosed got %v", err)
	}
	if !conn.IsClosed() {
		t.Fatal("adapter should report closed after peer close")
	}
}
