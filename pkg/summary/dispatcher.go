package summary

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/callguide/pkg/errorsx"
	"github.com/harunnryd/callguide/pkg/logging"
)

// Dispatcher publishes summaries on a background worker so that callers
// never wait on a sink.
type Dispatcher struct {
	sink    Sink
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan CallSummary
	done    chan struct{}
	dropped atomic.Int64
	failed  atomic.Int64
}

func NewDispatcher(sink Sink, buffer int, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 64
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := &Dispatcher{
		sink:    sink,
		timeout: timeout,
		logger:  logging.NewComponentLogger(logger, "summary"),
		queue:   make(chan CallSummary, buffer),
		done:    make(chan struct{}),
	}
	go d.loop()
	return d
}

// Submit enqueues s and reports whether it was accepted.
func (d *Dispatcher) Submit(s CallSummary) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- s:
		return true
	default:
		d.dropped.Add(1)
		d.logger.Warn("summary_dropped", "call_id", s.CallID)
		return false
	}
}

func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }
func (d *Dispatcher) Failed() int64  { return d.failed.Load() }

// Close stops intake and waits for queued summaries or ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for s := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.sink.Publish(ctx, s)
		cancel()
		if err != nil {
			err = errorsx.Wrap(err, errorsx.ReasonSummaryPublish)
			d.failed.Add(1)
			d.logger.Error("summary_publish_failed", "call_id", s.CallID, "reason", errorsx.Reason(err), "error", err)
		}
	}
}
