package transports

import (
	"context"
	"errors"
)

// ErrConnClosed is returned by Conn operations after Close or a remote drop.
var ErrConnClosed = errors.New("connection closed")

// Conn is one established duplex channel carrying whole text messages.
// ReadMessage may be called by one goroutine and WriteMessage by another.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens duplex channels. Dial must honour ctx for its deadline.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }

// OutboundDialer places telephony calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}

// DialOptions carries optional outbound dial settings.
type DialOptions struct {
	SendDigits string
	Record     bool
}

// ReadyReporter exposes readiness metadata such as webhook URLs.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
