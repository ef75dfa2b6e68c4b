package runner

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var ErrDrainTimeout = errors.New("drain timeout")

// LifecycleRunner prints the banner, runs hooks, and drains on shutdown.
type LifecycleRunner struct {
	state    atomic.Int32
	mu       sync.Mutex
	cancel   context.CancelFunc
	onceStop sync.Once
	hooks    Hooks
	drainer  Drainer
	stopErr  error
	timeout  time.Duration
	banner   io.Writer
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LifecycleRunner{hooks: hooks, drainer: drainer, timeout: timeout}
}

// WithBanner sets where the banner goes; io.Discard silences it.
func (r *LifecycleRunner) WithBanner(w io.Writer) *LifecycleRunner {
	r.banner = w
	return r
}

// Run blocks until ctx is cancelled or Stop is called, then drains.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return errors.New("invalid state transition")
	}
	PrintBanner(r.banner)
	r.mu.Lock()
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.state.Store(int32(StateRunning))
	<-ctx.Done()
	return r.stop()
}

func (r *LifecycleRunner) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.state.Store(int32(StateDraining))
		if r.drainer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			err := r.drainer.Drain(ctx)
			cancel()
			if errors.Is(err, context.DeadlineExceeded) {
				err = ErrDrainTimeout
			}
			r.stopErr = err
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.state.Store(int32(StateStopped))
	})
	return r.stopErr
}
