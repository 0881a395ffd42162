// Package wsrelay adapts a WebSocket connection to net.Conn, and provides
// the listener filter that recognizes an inbound HTTP Upgrade request and
// performs that adaptation in place, so a filter chain behind it (a mux
// bridge, say) sees an ordinary framed stream regardless of whether it
// arrived as raw TCP or as WebSocket.
package wsrelay

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// threadSafeBuffer is a bytes.Buffer guarded by a mutex: Conn.Read drains it
// from whatever goroutine the caller happens to be on, while Conn.Write runs
// independently on the opposite direction's goroutine.
type threadSafeBuffer struct {
	mu sync.Mutex
	b  []byte
}

func (t *threadSafeBuffer) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := copy(p, t.b)
	t.b = t.b[n:]
	return n, nil
}

func (t *threadSafeBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.b = append(t.b, p...)
	return len(p), nil
}

func (t *threadSafeBuffer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.b)
}

// upgrader is shared by every upgrade: it holds no per-connection state.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn adapts a *websocket.Conn to net.Conn: every Write sends one binary
// message, every Read drains a buffered message before pulling the next one
// off the wire.
type Conn struct {
	*websocket.Conn
	readBuffer threadSafeBuffer
}

// NewConn wraps an already-established *websocket.Conn (server- or
// client-side) as a net.Conn.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{Conn: ws}
}

func (c *Conn) Read(b []byte) (int, error) {
	if c.readBuffer.Len() == 0 {
		msgType, msg, err := c.Conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			return 0, fmt.Errorf("wsrelay: received non-binary message")
		}
		if _, err := c.readBuffer.Write(msg); err != nil {
			return 0, err
		}
	}
	return c.readBuffer.Read(b)
}

func (c *Conn) Write(b []byte) (int, error) {
	if err := c.Conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *Conn) Close() error { return c.Conn.Close() }

func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.Conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.Conn.SetWriteDeadline(t)
}

var _ net.Conn = (*Conn)(nil)
