// Package socket wraps a gorilla/websocket connection behind the small
// send/receive/close surface the connection drivers need. The adapter owns no
// goroutines; cancellation is delivered by closing the connection, after which
// a blocked receive reports ErrClosed.
package socket

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is reported once the connection is closed, locally or by the
// peer. Callers treat it as end of stream.
var ErrClosed = errors.New("socket: closed")

// closeWriteTimeout bounds the close-handshake control write.
const closeWriteTimeout = 5 * time.Second

// Conn adapts one WebSocket connection. Send and Close are safe for
// concurrent use; ReceiveString must be driven by a single reader.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
	once    sync.Once
}

// New wraps an upgraded connection.
func New(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Send transmits text as one UTF-8 text frame with the final-fragment bit set.
func (c *Conn) Send(text string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		c.closed.Store(true)
		return ErrClosed
	}
	return nil
}

// ReceiveString returns the next logical text message; continuation frames are
// reassembled by the underlying connection. Non-text messages are skipped.
// Once the connection closes for any reason the result is ErrClosed.
func (c *Conn) ReceiveString() (string, error) {
	for {
		if c.closed.Load() {
			return "", ErrClosed
		}
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			c.closed.Store(true)
			return "", ErrClosed
		}
		if mt == websocket.TextMessage {
			return string(data), nil
		}
	}
}

// Close initiates the close handshake with the given status code and reason,
// then releases the underlying connection. A second call is a no-op.
func (c *Conn) Close(code int, reason string) error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		msg := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(closeWriteTimeout)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		err = c.ws.Close()
	})
	return err
}

// IsClosed reports whether the connection has been closed locally or the
// transport has failed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}
