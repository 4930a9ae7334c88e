package transport

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/solviumdream/conn.go/debug"

	"github.com/gorilla/websocket"
)

type WebSocketTransport struct {
	mu           sync.Mutex
	url          string
	dialer       *websocket.Dialer
	headers      http.Header
	conn         *websocket.Conn
	handler      Handler
	bound        bool
	closed       bool
	writeTimeout time.Duration
}

type WebSocketOption func(*WebSocketTransport)

func WithHeaders(headers http.Header) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.headers = headers
	}
}

func WithWriteTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.writeTimeout = timeout
	}
}

func WithHandshakeTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.dialer.HandshakeTimeout = timeout
	}
}

// NewWebSocket returns a transport that dials url once Bind is called.
func NewWebSocket(rawurl string, opts ...WebSocketOption) *WebSocketTransport {
	d := *websocket.DefaultDialer
	t := &WebSocketTransport{
		url:          rawurl,
		dialer:       &d,
		headers:      make(http.Header),
		writeTimeout: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// NewWebSocketFromConn wraps an already-established connection, such as
// one accepted by a server upgrader. No open event is emitted; the
// read pump starts on Bind.
func NewWebSocketFromConn(conn *websocket.Conn, opts ...WebSocketOption) *WebSocketTransport {
	t := &WebSocketTransport{
		conn:         conn,
		writeTimeout: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *WebSocketTransport) Bind(h Handler) {
	t.mu.Lock()
	t.handler = h
	if t.bound || t.closed {
		t.mu.Unlock()
		return
	}
	t.bound = true
	t.mu.Unlock()

	go t.run()
}

func (t *WebSocketTransport) run() {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		debug.Printf("WebSocketTransport: Connecting to %s", t.url)

		c, _, err := t.dialer.Dial(t.url, t.headers)
		if err != nil {
			debug.Printf("WebSocketTransport: Connection failed: %v", err)
			t.emitError(err)
			return
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			c.Close()
			return
		}
		t.conn = c
		conn = c
		t.mu.Unlock()

		debug.Printf("WebSocketTransport: Connected to %s", t.url)
		t.emitOpen()
	}

	t.readPump(conn)
}

func (t *WebSocketTransport) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err == nil {
			debug.Printf("WebSocketTransport: Received data: %s", string(data))
			t.emitMessage(data)
			continue
		}

		if t.isClosed() {
			return
		}

		if ce, ok := err.(*websocket.CloseError); ok {
			debug.Printf("WebSocketTransport: Peer closed: code=%d reason=%q", ce.Code, ce.Text)
			t.emitClose(ce.Code, ce.Text)
		} else {
			debug.Printf("WebSocketTransport: Read error: %v", err)
			t.emitError(err)
		}
		return
	}
}

func (t *WebSocketTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.conn == nil {
		return ErrNotConnected
	}

	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}

	debug.Printf("WebSocketTransport: Sending data: %s", string(data))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	debug.Printf("WebSocketTransport: Closing connection")

	err := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	if err != nil {
		debug.Printf("WebSocketTransport: Error sending close message: %v", err)
	}

	return conn.Close()
}

func (t *WebSocketTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.closed
}

func (t *WebSocketTransport) snapshot() (Handler, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.handler, !t.closed
}

func (t *WebSocketTransport) emitOpen() {
	if h, ok := t.snapshot(); ok && h.OnOpen != nil {
		h.OnOpen()
	}
}

func (t *WebSocketTransport) emitMessage(data []byte) {
	if h, ok := t.snapshot(); ok && h.OnMessage != nil {
		h.OnMessage(data)
	}
}

func (t *WebSocketTransport) emitError(err error) {
	if h, ok := t.snapshot(); ok && h.OnError != nil {
		h.OnError(err)
	}
}

func (t *WebSocketTransport) emitClose(code int, reason string) {
	if h, ok := t.snapshot(); ok && h.OnClose != nil {
		h.OnClose(code, reason)
	}
}

// WebSocketDialer creates websocket transports for ws:// and wss://
// endpoints.
type WebSocketDialer struct {
	Headers          http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func (d *WebSocketDialer) Dial(rawurl string) (Transport, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, ErrBadAddress
	}

	var opts []WebSocketOption
	if d.Headers != nil {
		opts = append(opts, WithHeaders(d.Headers))
	}
	if d.HandshakeTimeout > 0 {
		opts = append(opts, WithHandshakeTimeout(d.HandshakeTimeout))
	}
	if d.WriteTimeout > 0 {
		opts = append(opts, WithWriteTimeout(d.WriteTimeout))
	}

	return NewWebSocket(rawurl, opts...), nil
}
