package transport

import (
	"errors"
)

// Handler carries the callbacks a transport drives. All callbacks are
// invoked sequentially from a single goroutine owned by the transport;
// a nil callback disables that event.
type Handler struct {
	// OnOpen fires once, after the connection is established. Transports
	// constructed around an already-open connection never fire it.
	OnOpen func()

	// OnMessage fires for every inbound message payload.
	OnMessage func(data []byte)

	// OnError fires on a connection fault.
	OnError func(err error)

	// OnClose fires when the peer closes the connection, with the close
	// code and reason it supplied.
	OnClose func(code int, reason string)
}

// Transport is a bidirectional message connection. Bind attaches the
// event callbacks and starts delivery; for dialing transports it also
// starts the dial. No message or error event is delivered after Close
// completes.
type Transport interface {
	Bind(h Handler)

	Send(data []byte) error

	Close() error
}

// Dialer creates an unstarted Transport for an endpoint address. The
// returned transport dials when Bind is called and signals the result
// through OnOpen or OnError.
type Dialer interface {
	Dial(rawurl string) (Transport, error)
}

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrClosed       = errors.New("transport closed")
	ErrBadAddress   = errors.New("invalid transport address")
)
