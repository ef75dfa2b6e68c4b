package transcription

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/harunnryd/callguide/pkg/errorsx"
	"github.com/harunnryd/callguide/pkg/resilience"
	"github.com/harunnryd/callguide/pkg/segmenter"
)

var ErrCircuitOpen = errors.New("transcriber circuit open")

// Guard wraps a Transcriber with a circuit breaker. While open, segments are
// skipped. Opened fires once per open episode.
type Guard struct {
	inner   Transcriber
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger

	errs   chan error
	opened chan error
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func NewGuard(inner Transcriber, breaker *resilience.CircuitBreaker, logger *slog.Logger) *Guard {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		inner:   inner,
		breaker: breaker,
		logger:  logger,
		errs:    make(chan error, 16),
		opened:  make(chan error, 4),
		done:    make(chan struct{}),
	}
}

func (g *Guard) Name() string { return g.inner.Name() }

func (g *Guard) Start(ctx context.Context) error {
	if err := g.inner.Start(ctx); err != nil {
		g.record(err)
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	g.wg.Add(1)
	go g.watch()
	return nil
}

func (g *Guard) watch() {
	defer g.wg.Done()
	src := g.inner.Errors()
	for {
		select {
		case <-g.done:
			return
		case err, ok := <-src:
			if !ok {
				return
			}
			g.record(err)
		}
	}
}

func (g *Guard) record(err error) {
	g.logger.Warn("transcriber_error", "provider", g.inner.Name(), "error", err)
	select {
	case g.errs <- err:
	default:
	}
	if g.breaker.OnError(err) {
		opened := errorsx.Wrap(err, errorsx.ReasonSTTCircuitOpen)
		select {
		case g.opened <- opened:
		default:
		}
	}
}

func (g *Guard) Submit(seg *segmenter.VoiceSegment) error {
	if !g.breaker.Allow() {
		return errorsx.Wrap(ErrCircuitOpen, errorsx.ReasonSTTCircuitOpen)
	}
	if err := g.inner.Submit(seg); err != nil {
		g.record(err)
		return errorsx.Wrap(err, errorsx.ReasonSTTSend)
	}
	return nil
}

func (g *Guard) Results() <-chan Event { return g.inner.Results() }

// Errors mirrors every recorded failure.
func (g *Guard) Errors() <-chan error { return g.errs }

// Opened yields one error each time the breaker trips.
func (g *Guard) Opened() <-chan error { return g.opened }

// Succeeded resets the breaker after a delivered transcript.
func (g *Guard) Succeeded() { g.breaker.OnSuccess() }

func (g *Guard) Close() error {
	g.once.Do(func() { close(g.done) })
	err := g.inner.Close()
	g.wg.Wait()
	return err
}

var _ Transcriber = (*Guard)(nil)
