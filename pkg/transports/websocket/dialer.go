// Package websocket implements transports.Dialer over gorilla/websocket.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callguide/pkg/errorsx"
	"github.com/harunnryd/callguide/pkg/transports"
)

// Config tunes the client dialer.
type Config struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	ReadLimit        int64         `mapstructure:"read_limit"`
	Header           http.Header   `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	return c
}

// Dialer opens websocket connections to the guidance hub.
type Dialer struct {
	cfg    Config
	dialer *websocket.Dialer
}

func NewDialer(cfg Config) *Dialer {
	cfg = cfg.withDefaults()
	return &Dialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
	}
}

func (d *Dialer) Dial(ctx context.Context, url string) (transports.Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, d.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTransportConnect)
	}
	conn.SetReadLimit(d.cfg.ReadLimit)
	return &Conn{conn: conn, writeTimeout: d.cfg.WriteTimeout}, nil
}

// Conn wraps a gorilla connection as a transports.Conn.
type Conn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
}

// Wrap adapts an already upgraded or dialed connection.
func Wrap(conn *websocket.Conn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Conn{conn: conn, writeTimeout: writeTimeout}
}

func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, transports.ErrConnClosed
			}
			return nil, errorsx.Wrap(err, errorsx.ReasonTransportRead)
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *Conn) WriteMessage(ctx context.Context, data []byte) error {
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return transports.ErrConnClosed
		}
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	return nil
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		// WriteControl is safe alongside a concurrent WriteMessage.
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

var _ transports.Dialer = (*Dialer)(nil)
var _ transports.Conn = (*Conn)(nil)
