package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/callguide/pkg/audio"
	"github.com/harunnryd/callguide/pkg/logging"
	"github.com/harunnryd/callguide/pkg/summary"
)

var (
	ErrDraining   = errors.New("registry is draining")
	ErrCallExists = errors.New("call already running")
)

// CallFactory builds the coordinator for one call. A nil source selects
// hub audio.
type CallFactory func(ctx context.Context, callID string, source audio.Source) (*Coordinator, error)

// Call is a running coordinator tracked by the registry.
type Call struct {
	ID      string
	Created time.Time

	coord   *Coordinator
	cancel  context.CancelFunc
	done    chan struct{}
	summary summary.CallSummary
	err     error
}

func (c *Call) Coordinator() *Coordinator { return c.coord }

// Done is closed when the call has been torn down.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call ends and returns its summary.
func (c *Call) Wait(ctx context.Context) (summary.CallSummary, error) {
	select {
	case <-c.done:
		return c.summary, c.err
	case <-ctx.Done():
		return summary.CallSummary{}, ctx.Err()
	}
}

// Cancel ends the call without waiting.
func (c *Call) Cancel() { c.cancel() }

// CallRegistry runs at most one coordinator per call id.
type CallRegistry struct {
	calls    sync.Map
	count    atomic.Int64
	factory  CallFactory
	draining atomic.Bool
	logger   *slog.Logger
}

func NewCallRegistry(factory CallFactory, logger *slog.Logger) *CallRegistry {
	return &CallRegistry{factory: factory, logger: logging.NewComponentLogger(logger, "call_registry")}
}

// Start builds and runs a coordinator for callID in the background. The
// call lives until it ends on its own, parent is cancelled, or Cancel.
func (r *CallRegistry) Start(parent context.Context, callID string, source audio.Source) (*Call, error) {
	if r.Draining() {
		return nil, ErrDraining
	}
	if _, ok := r.calls.Load(callID); ok {
		return nil, ErrCallExists
	}
	ctx, cancel := context.WithCancel(parent)
	coord, err := r.factory(ctx, callID, source)
	if err != nil {
		cancel()
		return nil, err
	}
	call := &Call{ID: callID, Created: time.Now(), coord: coord, cancel: cancel, done: make(chan struct{})}
	if _, loaded := r.calls.LoadOrStore(callID, call); loaded {
		cancel()
		return nil, ErrCallExists
	}
	r.count.Add(1)
	go func() {
		defer func() {
			r.calls.Delete(callID)
			r.count.Add(-1)
			cancel()
			close(call.done)
		}()
		call.summary, call.err = coord.Run(ctx)
		if call.err != nil {
			r.logger.Error("call_failed", "call_id", callID, "error", call.err)
		}
	}()
	return call, nil
}

func (r *CallRegistry) Get(callID string) (*Call, bool) {
	if v, ok := r.calls.Load(callID); ok {
		return v.(*Call), true
	}
	return nil, false
}

// Cancel ends one call and reports whether it was running.
func (r *CallRegistry) Cancel(callID string) bool {
	call, ok := r.Get(callID)
	if ok {
		call.Cancel()
	}
	return ok
}

func (r *CallRegistry) CancelAll() {
	r.calls.Range(func(_, value any) bool {
		value.(*Call).Cancel()
		return true
	})
}

func (r *CallRegistry) Count() int64 {
	return r.count.Load()
}

func (r *CallRegistry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *CallRegistry) Draining() bool {
	return r.draining.Load()
}

func (r *CallRegistry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Drain refuses new calls and waits for running ones; when ctx expires the
// rest are cancelled.
func (r *CallRegistry) Drain(ctx context.Context) error {
	r.SetDraining(true)
	if r.WaitForEmpty(ctx, 50*time.Millisecond) {
		return nil
	}
	r.CancelAll()
	return ctx.Err()
}
