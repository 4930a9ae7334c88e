package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/solviumdream/conn.go/debug"

	"github.com/quic-go/quic-go"
)

// ALPN protocol identifier negotiated by QUICTransport endpoints.
const QUICProtocol = "conn.go"

// QUICTransport carries newline-delimited messages over a single
// bidirectional QUIC stream.
type QUICTransport struct {
	mu      sync.Mutex
	addr    string
	tlsConf *tls.Config
	qconf   *quic.Config
	sess    quic.Connection
	stream  quic.Stream
	handler Handler
	bound   bool
	closed  bool
}

type QUICOption func(*QUICTransport)

func WithQUICConfig(conf *quic.Config) QUICOption {
	return func(t *QUICTransport) {
		t.qconf = conf
	}
}

// NewQUIC returns a transport that dials addr (host:port) once Bind is
// called.
func NewQUIC(addr string, tlsConf *tls.Config, opts ...QUICOption) *QUICTransport {
	t := &QUICTransport{
		addr:    addr,
		tlsConf: tlsConf,
		qconf: &quic.Config{
			HandshakeIdleTimeout: 10 * time.Second,
			KeepAlivePeriod:      15 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.tlsConf == nil {
		t.tlsConf = &tls.Config{}
	}
	if len(t.tlsConf.NextProtos) == 0 {
		t.tlsConf = t.tlsConf.Clone()
		t.tlsConf.NextProtos = []string{QUICProtocol}
	}

	return t
}

// NewQUICFromStream wraps an already-accepted session and stream, such
// as one taken from a listener. No open event is emitted.
func NewQUICFromStream(sess quic.Connection, stream quic.Stream) *QUICTransport {
	return &QUICTransport{
		sess:   sess,
		stream: stream,
	}
}

func (t *QUICTransport) Bind(h Handler) {
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

func (t *QUICTransport) run() {
	t.mu.Lock()
	stream := t.stream
	t.mu.Unlock()

	if stream == nil {
		debug.Printf("QUICTransport: Connecting to %s", t.addr)

		dialTimeout := t.qconf.HandshakeIdleTimeout
		if dialTimeout <= 0 {
			dialTimeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		sess, err := quic.DialAddr(ctx, t.addr, t.tlsConf, t.qconf)
		if err != nil {
			cancel()
			debug.Printf("QUICTransport: Connection failed: %v", err)
			t.emitError(err)
			return
		}

		s, err := sess.OpenStreamSync(ctx)
		cancel()
		if err != nil {
			sess.CloseWithError(0, "open stream")
			t.emitError(err)
			return
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			sess.CloseWithError(0, "")
			return
		}
		t.sess = sess
		t.stream = s
		stream = s
		t.mu.Unlock()

		debug.Printf("QUICTransport: Connected to %s", t.addr)
		t.emitOpen()
	}

	t.readPump(stream)
}

func (t *QUICTransport) readPump(stream quic.Stream) {
	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		line := scanner.Bytes()
		data := make([]byte, len(line))
		copy(data, line)

		debug.Printf("QUICTransport: Received data: %s", string(data))
		t.emitMessage(data)
	}

	if t.isClosed() {
		return
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}

	var ae *quic.ApplicationError
	if errors.As(err, &ae) {
		debug.Printf("QUICTransport: Peer closed: code=%d reason=%q", ae.ErrorCode, ae.ErrorMessage)
		t.emitClose(int(ae.ErrorCode), ae.ErrorMessage)
		return
	}
	if err == io.EOF {
		debug.Printf("QUICTransport: Stream closed by peer")
		t.emitClose(0, "")
		return
	}

	debug.Printf("QUICTransport: Read error: %v", err)
	t.emitError(err)
}

func (t *QUICTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.stream == nil {
		return ErrNotConnected
	}

	debug.Printf("QUICTransport: Sending data: %s", string(data))

	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err := t.stream.Write(buf)
	return err
}

func (t *QUICTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sess := t.sess
	stream := t.stream
	t.sess = nil
	t.stream = nil
	t.mu.Unlock()

	debug.Printf("QUICTransport: Closing connection")

	if stream != nil {
		stream.Close()
	}
	if sess != nil {
		return sess.CloseWithError(0, "")
	}
	return nil
}

func (t *QUICTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.closed
}

func (t *QUICTransport) snapshot() (Handler, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.handler, !t.closed
}

func (t *QUICTransport) emitOpen() {
	if h, ok := t.snapshot(); ok && h.OnOpen != nil {
		h.OnOpen()
	}
}

func (t *QUICTransport) emitMessage(data []byte) {
	if h, ok := t.snapshot(); ok && h.OnMessage != nil {
		h.OnMessage(data)
	}
}

func (t *QUICTransport) emitError(err error) {
	if h, ok := t.snapshot(); ok && h.OnError != nil {
		h.OnError(err)
	}
}

func (t *QUICTransport) emitClose(code int, reason string) {
	if h, ok := t.snapshot(); ok && h.OnClose != nil {
		h.OnClose(code, reason)
	}
}

// QUICDialer creates QUIC transports for quic:// endpoints.
type QUICDialer struct {
	TLS    *tls.Config
	Config *quic.Config
}

func (d *QUICDialer) Dial(rawurl string) (Transport, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "quic" || u.Host == "" {
		return nil, ErrBadAddress
	}

	var opts []QUICOption
	if d.Config != nil {
		opts = append(opts, WithQUICConfig(d.Config))
	}

	return NewQUIC(u.Host, d.TLS, opts...), nil
}
