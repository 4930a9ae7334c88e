package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/solviumdream/conn.go/conn/transport"
)

const (
	DefaultConnectTimeout = 10 * time.Second

	// WebSocket close frames cap the reason at 123 bytes; error-derived
	// close reasons are truncated to fit.
	maxCloseReason = 123
)

var (
	ErrAlreadyConnected = errors.New("connect called on an already connected instance")
	ErrConnectionClosed = errors.New("connection closed")
)

// MessageHandler receives each decoded inbound message. A returned
// error or a panic is reported through the error handler and does not
// close the connection.
type MessageHandler[In any] func(msg In) error

type CloseHandler func(code int, reason string)

type ErrorHandler func(err error)

// Conn wraps a bidirectional message transport with typed
// encode/decode, lifecycle callbacks and error normalization. Out is
// the outbound message type, In the inbound one.
//
// A Conn is terminal: once closed it never reopens, and all handlers
// are cleared at the moment of closing.
type Conn[Out, In any] struct {
	mu sync.Mutex

	id     string
	url    string
	dialer transport.Dialer
	codec  Codec[Out, In]

	transport transport.Transport
	closed    bool

	connectTimeout time.Duration
	errorOnClose   bool

	onMessage MessageHandler[In]
	onClose   CloseHandler
	onError   ErrorHandler
	logger    *Logger
}

type Option func(*settings)

type settings struct {
	connectTimeout time.Duration
	errorOnClose   bool
	logger         *Logger
	dialer         transport.Dialer
}

// WithConnectTimeout bounds how long Connect waits for the transport
// open signal.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.connectTimeout = d
	}
}

// WithErrorOnClose reports every close event, clean or not, through the
// error handler in addition to the close handler.
func WithErrorOnClose(on bool) Option {
	return func(s *settings) {
		s.errorOnClose = on
	}
}

// WithLogger sets the instance logger, which takes precedence over the
// process-wide default.
func WithLogger(l *Logger) Option {
	return func(s *settings) {
		s.logger = l
	}
}

// WithDialer replaces the dialer used by URL-form connections. The
// default dials ws:// and wss:// endpoints.
func WithDialer(d transport.Dialer) Option {
	return func(s *settings) {
		s.dialer = d
	}
}

func newConn[Out, In any](opts []Option) *Conn[Out, In] {
	s := settings{
		connectTimeout: DefaultConnectTimeout,
		dialer:         &transport.WebSocketDialer{},
	}
	for _, opt := range opts {
		opt(&s)
	}

	return &Conn[Out, In]{
		id:             generateID(),
		dialer:         s.dialer,
		codec:          JSONCodec[Out, In]{},
		connectTimeout: s.connectTimeout,
		errorOnClose:   s.errorOnClose,
		logger:         s.logger,
	}
}

// New returns an unconnected Conn for rawurl. The transport is
// established by Connect.
func New[Out, In any](rawurl string, opts ...Option) *Conn[Out, In] {
	c := newConn[Out, In](opts)
	c.url = rawurl
	return c
}

// NewFromTransport wraps an already-established transport. The Conn is
// connected from this moment; Connect must not be called on it.
func NewFromTransport[Out, In any](t transport.Transport, opts ...Option) *Conn[Out, In] {
	c := newConn[Out, In](opts)
	c.transport = t
	c.bind(t, nil)
	return c
}

// SetCodec replaces the default JSON codec. Call it before any message
// traffic.
func (c *Conn[Out, In]) SetCodec(codec Codec[Out, In]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.codec = codec
}

func (c *Conn[Out, In]) OnMessage(handler MessageHandler[In]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.onMessage = handler
}

func (c *Conn[Out, In]) OnClose(handler CloseHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.onClose = handler
}

func (c *Conn[Out, In]) OnError(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.onError = handler
}

func (c *Conn[Out, In]) SetLogger(l *Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.logger = l
}

// Closed reports whether the connection has closed. Once true it never
// reverts.
func (c *Conn[Out, In]) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// Connect establishes the transport for a URL-form Conn and waits for
// its open signal, the configured timeout, or ctx cancellation,
// whichever comes first. An open signal arriving after the timeout has
// fired is ignored. Connect fails immediately, without any state
// change, on a live-handle Conn or one that already connected.
func (c *Conn[Out, In]) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.transport != nil || c.url == "" {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	rawurl := c.url
	dialer := c.dialer
	timeout := c.connectTimeout
	c.mu.Unlock()

	t, err := dialer.Dial(rawurl)
	if err != nil {
		return err
	}

	attempt := newConnectAttempt()
	c.bind(t, attempt)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-attempt.open:
		return nil
	case err := <-attempt.failed:
		t.Close()
		return err
	case <-timer.C:
		if attempt.expire() {
			t.Close()
			return fmt.Errorf("connect to %s timed out after %dms", rawurl, timeout.Milliseconds())
		}
	case <-ctx.Done():
		if attempt.expire() {
			t.Close()
			return ctx.Err()
		}
	}

	// The open or error signal won the race just as the timer or ctx
	// fired; wait for whichever it was.
	select {
	case <-attempt.open:
		return nil
	case err := <-attempt.failed:
		t.Close()
		return err
	}
}

// Send encodes v and forwards it to the transport. Failures, including
// sending while not connected, are reported through the error handler
// rather than returned; none of them closes the connection.
func (c *Conn[Out, In]) Send(v Out) {
	c.mu.Lock()
	t := c.transport
	codec := c.codec
	c.mu.Unlock()

	if t == nil {
		c.report("Send called but not connected", nil, nil, false)
		return
	}

	data, err := codec.Encode(v)
	if err != nil {
		c.report("Failed to send message", err, logrus.Fields{"message": v}, false)
		return
	}

	c.trace("Sending message", data)

	if err := t.Send(data); err != nil {
		c.report("Failed to send message", err, logrus.Fields{"message": v}, false)
	}
}

// Close closes the connection. The close handler, if any, sees code and
// reason exactly once; all handlers are cleared before the transport is
// torn down, so no stray transport event can re-enter them. Closing an
// already closed Conn is a no-op.
func (c *Conn[Out, In]) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	closeHandler := c.onClose
	c.onMessage = nil
	c.onClose = nil
	c.onError = nil
	t := c.transport
	c.transport = nil
	c.mu.Unlock()

	if closeHandler != nil {
		closeHandler(code, reason)
	}

	if t != nil {
		return t.Close()
	}
	return nil
}

// bind wires transport events into the lifecycle. attempt, when
// non-nil, is the pending Connect race the open signal resolves;
// events from a transport whose attempt never won are discarded.
func (c *Conn[Out, In]) bind(t transport.Transport, attempt *connectAttempt) {
	t.Bind(transport.Handler{
		OnOpen: func() {
			if attempt == nil || !attempt.win() {
				return
			}

			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				t.Close()
				attempt.signalOpen()
				return
			}
			c.transport = t
			c.url = ""
			c.mu.Unlock()

			attempt.signalOpen()
		},
		OnMessage: func(data []byte) {
			if attempt != nil && !attempt.won() {
				return
			}
			c.handleMessage(data)
		},
		OnError: func(err error) {
			if attempt != nil && !attempt.won() {
				attempt.fail(err)
				return
			}
			c.report("Connection error", err, nil, true)
		},
		OnClose: func(code int, reason string) {
			if attempt != nil && !attempt.won() {
				return
			}
			c.handleTransportClose(code, reason)
		},
	})
}

func (c *Conn[Out, In]) handleMessage(data []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	handler := c.onMessage
	codec := c.codec
	c.mu.Unlock()

	msg, err := codec.Decode(data)
	if err != nil {
		c.trace("Received unparseable message", data)
		c.report("Failed to parse message", err, logrus.Fields{"data": string(data)}, false)
		return
	}

	c.trace("Received message", data)

	if handler == nil {
		return
	}
	if err := invoke(handler, msg); err != nil {
		c.report("Message handler failed", err, nil, false)
	}
}

// invoke runs the message handler, converting a panic into the error it
// would otherwise have returned. Handler failures stay isolated to the
// message that caused them.
func invoke[In any](handler MessageHandler[In], msg In) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(msg)
}

func (c *Conn[Out, In]) handleTransportClose(code int, reason string) {
	c.mu.Lock()
	errorOnClose := c.errorOnClose && !c.closed
	c.mu.Unlock()

	if errorOnClose {
		c.report(fmt.Sprintf("Connection closed with code %d and reason %q", code, reason), nil, nil, false)
	}

	c.Close(code, reason)
}

// report is the single error path. It composes the final error, hands
// it to the error handler if one is registered, and closes the
// connection when closeConn is set. Without a registered handler the
// failure is swallowed, but the close still happens.
func (c *Conn[Out, In]) report(msg string, cause error, fields logrus.Fields, closeConn bool) {
	if fields != nil {
		if b, err := json.Marshal(fields); err == nil {
			msg = msg + " " + string(b)
		}
	}

	var final error
	lg := c.activeLogger()
	switch {
	case cause != nil && lg != nil && lg.WrapError != nil:
		final = lg.WrapError(cause, msg)
	case cause != nil:
		final = fmt.Errorf("%s: %w", msg, cause)
	default:
		final = errors.New(msg)
	}

	c.mu.Lock()
	handler := c.onError
	c.mu.Unlock()

	if handler != nil {
		handler(final)
	}

	if closeConn {
		c.Close(0, truncateReason("Error: "+final.Error()))
	}
}

func (c *Conn[Out, In]) activeLogger() *Logger {
	c.mu.Lock()
	lg := c.logger
	c.mu.Unlock()

	if lg != nil {
		return lg
	}
	return DefaultLoggers.Default()
}

func (c *Conn[Out, In]) trace(msg string, payload []byte) {
	lg := c.activeLogger()
	if lg == nil || lg.Debug == nil {
		return
	}

	line := fmt.Sprintf("conn %s: %s", c.id, msg)
	if payload != nil {
		line += " " + string(payload)
	}
	lg.Debug(line)
}

func truncateReason(reason string) string {
	if len(reason) > maxCloseReason {
		return reason[:maxCloseReason]
	}
	return reason
}

// connectAttempt is the decided-once race between the transport open
// signal, a dial failure, and the connect timeout. The loser's effect
// is suppressed.
type connectAttempt struct {
	mu      sync.Mutex
	decided bool
	opened  bool

	open   chan struct{}
	failed chan error
}

func newConnectAttempt() *connectAttempt {
	return &connectAttempt{
		open:   make(chan struct{}),
		failed: make(chan error, 1),
	}
}

// win claims the race for the open signal. It returns false if the
// attempt was already decided, in which case the late open is ignored.
func (a *connectAttempt) win() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.decided {
		return false
	}
	a.decided = true
	a.opened = true
	return true
}

// won reports whether the open signal claimed the race.
func (a *connectAttempt) won() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.decided && a.opened
}

// signalOpen wakes the pending Connect after the transport has been
// adopted.
func (a *connectAttempt) signalOpen() {
	close(a.open)
}

func (a *connectAttempt) fail(err error) {
	a.mu.Lock()
	if a.decided {
		a.mu.Unlock()
		return
	}
	a.decided = true
	a.mu.Unlock()

	a.failed <- err
}

// expire claims the race for the timeout. It returns false if the open
// or failure signal already won.
func (a *connectAttempt) expire() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.decided {
		return false
	}
	a.decided = true
	return true
}
