package session

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/callguide/pkg/errorsx"
	"github.com/harunnryd/callguide/pkg/wire"
)

// Router demultiplexes inbound envelopes by type into named streams.
// Each stream has one channel per subscriber; a full subscriber loses the
// envelope rather than stalling the read loop.
type Router struct {
	mu      sync.RWMutex
	subs    map[wire.Type][]chan wire.Envelope
	closed  bool
	dropped atomic.Int64
}

func NewRouter() *Router {
	return &Router{subs: make(map[wire.Type][]chan wire.Envelope)}
}

// Subscribe returns a stream of envelopes tagged t.
func (r *Router) Subscribe(t wire.Type, buffer int) <-chan wire.Envelope {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan wire.Envelope, buffer)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		close(ch)
		return ch
	}
	r.subs[t] = append(r.subs[t], ch)
	return ch
}

// Dispatch routes env. Unknown types return a malformed-class error.
func (r *Router) Dispatch(env wire.Envelope) error {
	if !wire.IsKnownInbound(env.Type) {
		return errorsx.Wrap(fmt.Errorf("%w: %q", wire.ErrUnknownType, env.Type), errorsx.ReasonEnvelopeUnknownType)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil
	}
	for _, ch := range r.subs[env.Type] {
		select {
		case ch <- env:
		default:
			r.dropped.Add(1)
		}
	}
	return nil
}

// Dropped counts envelopes lost to full subscribers.
func (r *Router) Dropped() int64 { return r.dropped.Load() }

// Close ends every stream.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, list := range r.subs {
		for _, ch := range list {
			close(ch)
		}
	}
	r.subs = nil
}
