package subscriber

import (
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the non-owning handle the Registry and Subscriber records use
// to deliver frames (spec.md §3: "transport: handle to the framed
// connection; has an observable open/closed state"). The Session Controller
// owns the underlying connection; the kernel only ever sees this interface,
// so no registry operation can block on network I/O (spec.md §5).
type Transport interface {
	// Send writes one frame to the wire. It may block briefly on the
	// network but must never be called from inside a registry critical
	// section — only from a subscriber's dedicated writer goroutine.
	Send(v any) error
	// Close tears down the connection with a transport-level close code
	// and reason (spec.md §6: 1001 shutdown, 1008 slow consumer).
	Close(code int, reason string) error
	// IsOpen reports the last observed open/closed state.
	IsOpen() bool
	// Ping issues a transport-level liveness probe (spec.md §4.4 heartbeat).
	Ping() error
	// ReadMessage blocks for the next inbound frame's raw bytes. Only the
	// Session Controller's single read loop may call this.
	ReadMessage() ([]byte, error)
}

// WSTransport adapts a gorilla/websocket connection to the Transport
// interface. It is the only piece of the kernel aware of gorilla/websocket;
// everything upstream of it deals in the Transport interface only.
type WSTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	closed       atomic.Bool
}

// NewWSTransport wraps an already-upgraded WebSocket connection.
func NewWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *WSTransport {
	return &WSTransport{conn: conn, writeTimeout: writeTimeout}
}

// SetLivenessHook wires fn to fire whenever a pong control frame arrives,
// used by the Session Controller to reset a subscriber's heartbeat flag
// (spec.md §4.4).
func (t *WSTransport) SetLivenessHook(fn func()) {
	t.conn.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

// Ping issues a WebSocket-level ping control frame.
func (t *WSTransport) Ping() error {
	if t.closed.Load() {
		return websocket.ErrCloseSent
	}
	deadline := time.Now().Add(time.Second)
	return t.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// ReadMessage blocks for the next inbound frame's raw payload bytes.
func (t *WSTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		t.closed.Store(true)
		return nil, err
	}
	return data, nil
}

// Send writes v as a JSON text frame, applying the configured write
// deadline.
func (t *WSTransport) Send(v any) error {
	if t.closed.Load() {
		return websocket.ErrCloseSent
	}
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			t.closed.Store(true)
			return err
		}
	}
	if err := t.conn.WriteJSON(v); err != nil {
		t.closed.Store(true)
		return err
	}
	return nil
}

// Close sends a close control frame with the given code/reason and releases
// the underlying connection. Safe to call more than once.
func (t *WSTransport) Close(code int, reason string) error {
	if t.closed.Swap(true) {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	return t.conn.Close()
}

// IsOpen reports whether Close has not yet been observed or invoked.
func (t *WSTransport) IsOpen() bool {
	return !t.closed.Load()
}

// Underlying exposes the wrapped connection, which the Transport interface
// deliberately does not expose to the kernel. The Session Controller does
// not use it: it reads through ReadMessage and hooks pongs through
// SetLivenessHook.
func (t *WSTransport) Underlying() *websocket.Conn {
	return t.conn
}
