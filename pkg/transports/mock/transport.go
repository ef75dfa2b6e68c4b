// Package mock provides an in-memory duplex channel for tests and local runs.
package mock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/callguide/pkg/errorsx"
	"github.com/harunnryd/callguide/pkg/transports"
)

// ErrDialRefused is returned for scripted dial failures.
var ErrDialRefused = errors.New("mock dial refused")

// Dialer hands out in-memory connections. Each successful dial publishes the
// far end as a Peer so tests can play the hub.
type Dialer struct {
	mu       sync.Mutex
	failNext int
	failAll  bool
	dials    atomic.Int64
	peers    chan *Peer
}

func NewDialer() *Dialer {
	return &Dialer{peers: make(chan *Peer, 16)}
}

// FailNext makes the next n dials fail.
func (d *Dialer) FailNext(n int) {
	d.mu.Lock()
	d.failNext = n
	d.mu.Unlock()
}

// FailAll makes every dial fail until toggled off.
func (d *Dialer) FailAll(v bool) {
	d.mu.Lock()
	d.failAll = v
	d.mu.Unlock()
}

// Dials returns the number of dial attempts so far.
func (d *Dialer) Dials() int64 { return d.dials.Load() }

// Peers yields the hub side of each established connection.
func (d *Dialer) Peers() <-chan *Peer { return d.peers }

func (d *Dialer) Dial(ctx context.Context, url string) (transports.Conn, error) {
	d.dials.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTransportConnect)
	}
	d.mu.Lock()
	fail := d.failAll
	if !fail && d.failNext > 0 {
		d.failNext--
		fail = true
	}
	d.mu.Unlock()
	if fail {
		return nil, errorsx.Wrap(ErrDialRefused, errorsx.ReasonTransportConnect)
	}
	p := newPeer(url)
	select {
	case d.peers <- p:
	default:
	}
	return p.client, nil
}

// Peer is the hub end of an in-memory connection.
type Peer struct {
	URL    string
	client *conn
}

func newPeer(url string) *Peer {
	return &Peer{
		URL: url,
		client: &conn{
			in:     make(chan []byte, 256),
			out:    make(chan []byte, 256),
			closed: make(chan struct{}),
		},
	}
}

// Push delivers a message to the client side.
func (p *Peer) Push(data []byte) bool {
	select {
	case <-p.client.closed:
		return false
	default:
	}
	select {
	case <-p.client.closed:
		return false
	case p.client.in <- data:
		return true
	}
}

// Sent exposes messages written by the client.
func (p *Peer) Sent() <-chan []byte { return p.client.out }

// Drop simulates the network vanishing under the client.
func (p *Peer) Drop() { _ = p.client.Close() }

// Closed is closed once either side closes the connection.
func (p *Peer) Closed() <-chan struct{} { return p.client.closed }

type conn struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *conn) ReadMessage() ([]byte, error) {
	select {
	case <-c.closed:
		return nil, transports.ErrConnClosed
	case msg := <-c.in:
		return msg, nil
	}
}

func (c *conn) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errorsx.Wrap(transports.ErrConnClosed, errorsx.ReasonTransportSend)
	default:
	}
	buf := append([]byte(nil), data...)
	select {
	case <-c.closed:
		return errorsx.Wrap(transports.ErrConnClosed, errorsx.ReasonTransportSend)
	case <-ctx.Done():
		return errorsx.Wrap(ctx.Err(), errorsx.ReasonTransportSend)
	case c.out <- buf:
		return nil
	}
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

var _ transports.Dialer = (*Dialer)(nil)
