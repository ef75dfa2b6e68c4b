// Package callguide wires configuration, providers, the guidance hub session
// and the telephony ingress into a running call-guidance engine.
package callguide

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/harunnryd/callguide/pkg/alm"
	"github.com/harunnryd/callguide/pkg/audio"
	"github.com/harunnryd/callguide/pkg/catalogue"
	"github.com/harunnryd/callguide/pkg/logging"
	"github.com/harunnryd/callguide/pkg/metrics"
	"github.com/harunnryd/callguide/pkg/observers"
	"github.com/harunnryd/callguide/pkg/pipeline"
	"github.com/harunnryd/callguide/pkg/redact"
	"github.com/harunnryd/callguide/pkg/resilience"
	"github.com/harunnryd/callguide/pkg/runner"
	"github.com/harunnryd/callguide/pkg/session"
	"github.com/harunnryd/callguide/pkg/suggest"
	"github.com/harunnryd/callguide/pkg/summary"
	"github.com/harunnryd/callguide/pkg/transports"
	"github.com/harunnryd/callguide/pkg/transports/twilio"
	"github.com/harunnryd/callguide/pkg/transports/websocket"
)

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Dialer reaches the guidance hub; defaults to a websocket dialer.
	Dialer     transports.Dialer
	Catalogue  catalogue.Catalogue
	Classifier alm.Classifier
	// Sinks receive call summaries in addition to the configured ones.
	Sinks []summary.Sink
	// Registerer and Gatherer default to a fresh registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	// Redis overrides the client built from summary.redis.
	Redis     redis.UniversalClient
	Logger    *slog.Logger
	BannerOut io.Writer
	// Ingress enables the twilio media-stream ingress.
	Ingress bool
}

type Engine struct {
	cfg       Config
	logger    *slog.Logger
	providers *ProviderRegistry
	dialer    transports.Dialer
	suggest   *suggest.Engine
	classify  alm.Classifier
	redactor  *redact.Redactor

	registry   *pipeline.CallRegistry
	dispatcher *summary.Dispatcher
	kafka      *summary.KafkaPublisher
	redis      redis.UniversalClient
	ownsRedis  bool
	store      *summary.RedisStore

	observer  metrics.Observer
	telemetry metrics.Observer
	async     *metrics.AsyncObserver
	timeline  *observers.TimelineObserver
	server    *metrics.Server
	ingress   *twilio.Ingress
	ready     []transports.ReadyReporter
	runner    *runner.LifecycleRunner

	base      context.Context
	cancel    context.CancelFunc
	drainOnce sync.Once
	drainErr  error
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logging.SetDefaultLogger(cfg.LogLevel, cfg.LogFormat)
	}
	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviderRegistry()
	}
	if !providers.Has(cfg.Transcriber.Provider) {
		return nil, fmt.Errorf("transcriber provider not registered: %s (known: %s)",
			cfg.Transcriber.Provider, strings.Join(providers.Names(), ", "))
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logging.NewComponentLogger(logger, "engine"),
		providers: providers,
		dialer:    opts.Dialer,
		redactor:  redact.New(cfg.Privacy.RedactPII),
	}
	if e.dialer == nil {
		wsCfg := cfg.Hub.Websocket
		if cfg.Hub.Token != "" {
			wsCfg.Header = http.Header{"Authorization": []string{"Bearer " + cfg.Hub.Token}}
		}
		e.dialer = websocket.NewDialer(wsCfg)
	}

	cat := opts.Catalogue
	if cat == nil {
		if path := strings.TrimSpace(cfg.Catalogue.Path); path != "" {
			loaded, err := catalogue.Load(path)
			if err != nil {
				return nil, err
			}
			cat = loaded
		} else {
			cat = catalogue.Default()
		}
	}
	e.classify = opts.Classifier
	if e.classify == nil {
		tables := alm.DefaultTables()
		if path := strings.TrimSpace(cfg.Classifier.TablesPath); path != "" {
			loaded, err := alm.LoadTables(path)
			if err != nil {
				return nil, err
			}
			tables = loaded
		}
		kc, err := alm.CompileKeywordClassifier(tables)
		if err != nil {
			return nil, err
		}
		e.classify = kc
	}

	e.buildObservers(opts, logger)
	e.suggest = suggest.NewEngine(cat, suggest.Config{
		LookupTimeout: cfg.Catalogue.LookupTimeout,
		Rapport:       cfg.Catalogue.Rapport,
	}, suggest.WithLogger(logger), suggest.WithObserver(e.observer))

	if err := e.buildSummaries(opts, logger); err != nil {
		return nil, err
	}

	e.registry = pipeline.NewCallRegistry(e.newCoordinator, logger)
	if opts.Ingress {
		e.ingress = twilio.New(cfg.Twilio, twilio.WithLogger(logging.NewComponentLogger(logger, "twilio_ingress")))
		e.ready = append(e.ready, e.ingress)
	}

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{
				"environment", cfg.Environment,
				"transcriber", cfg.Transcriber.Provider,
				"hub_url", cfg.Hub.Session.URL,
			}
			for _, r := range e.ready {
				for k, v := range r.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			if e.server != nil {
				e.server.SetReady(true)
			}
			e.logger.Info("engine_ready", fields...)
		},
		OnStop: func() {
			e.logger.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_calls", e.registry.Count())
		},
	}
	e.runner = runner.NewLifecycleRunner(runner.DrainerFunc(e.Drain), hooks, 30*time.Second)
	if opts.BannerOut != nil {
		e.runner.WithBanner(opts.BannerOut)
	}
	e.base, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

func (e *Engine) buildObservers(opts EngineOptions, logger *slog.Logger) {
	cfg := e.cfg
	var list metrics.Multi
	var latencySink metrics.Observer = metrics.NoopObserver{}
	if cfg.Metrics.Enabled {
		reg := opts.Registerer
		gatherer := opts.Gatherer
		if reg == nil {
			r := prometheus.NewRegistry()
			reg, gatherer = r, r
		}
		prom := metrics.NewPromObserver(cfg.Metrics.Namespace, reg)
		list = append(list, prom)
		latencySink = prom
		if gatherer != nil && cfg.Metrics.Addr != "" {
			e.server = metrics.NewServer(cfg.Metrics.Addr, gatherer, logger)
		}
	}
	list = append(list, observers.NewLatencyObserver(logging.NewComponentLogger(logger, "latency"), latencySink, cfg.Observability.LatencyLimit))
	if cfg.Observability.LogEvents {
		list = append(list, observers.NewLoggerObserver(logging.NewComponentLogger(logger, "events"), slog.LevelDebug))
	}
	if dir := strings.TrimSpace(cfg.Observability.TimelineDir); dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			maxAge := time.Duration(cfg.Observability.RetentionDays) * 24 * time.Hour
			if n, err := observers.PurgeArtifacts(dir, maxAge, time.Now()); err != nil {
				e.logger.Warn("timeline_purge_failed", "dir", dir, "error", err)
			} else if n > 0 {
				e.logger.Info("timeline_purged", "dir", dir, "files", n)
			}
		}
		e.timeline = observers.NewTimelineObserver(dir, e.redactor)
		list = append(list, e.timeline)
	}
	e.async = metrics.NewAsyncObserver(list, cfg.Metrics.EventBuffer)
	e.observer = e.async
	e.telemetry = metrics.NewSamplingObserver(e.async, cfg.Metrics.SignalSampleRate)
}

func (e *Engine) buildSummaries(opts EngineOptions, logger *slog.Logger) error {
	cfg := e.cfg.Summary
	var sinks summary.Multi
	if cfg.Log {
		sinks = append(sinks, summary.LogSink{Logger: logging.NewComponentLogger(logger, "call_summary")})
	}
	if cfg.Kafka.Enabled {
		e.kafka = summary.NewKafkaPublisher(cfg.Kafka, logger)
		sinks = append(sinks, e.kafka)
	}
	if cfg.Redis.Enabled || opts.Redis != nil {
		e.redis = opts.Redis
		if e.redis == nil {
			e.redis = summary.DialRedis(cfg.Redis.Store)
			e.ownsRedis = true
		}
		e.store = summary.NewRedisStore(e.redis, cfg.Redis.Store)
		sinks = append(sinks, e.store)
	}
	sinks = append(sinks, opts.Sinks...)
	e.dispatcher = summary.NewDispatcher(sinks, cfg.Buffer, cfg.Timeout, logger)
	return nil
}

// newCoordinator is the registry factory: one hub session, transcriber and
// breaker per call.
func (e *Engine) newCoordinator(ctx context.Context, callID string, source audio.Source) (*pipeline.Coordinator, error) {
	tr, err := e.providers.BuildTranscriber(e.cfg.Transcriber.Provider, copySettings(e.cfg.Transcriber.Settings), callID)
	if err != nil {
		return nil, err
	}
	sessCfg := e.cfg.Hub.Session
	sessCfg.URL = e.cfg.Hub.HubURL(callID)
	sess := session.New(callID, sessCfg, e.dialer,
		session.WithLogger(e.logger),
		session.WithObserver(e.observer),
		session.WithStateListener(session.StateListenerFunc(func(ev session.StateChange) {
			e.logger.Debug("hub_state", "call_id", callID, "from", ev.FromState, "to", ev.ToState, "reason", ev.Reason)
		})),
	)
	return pipeline.NewCoordinator(callID, e.cfg.Pipeline, pipeline.Deps{
		Session:     sess,
		Source:      source,
		Transcriber: tr,
		Breaker:     resilience.NewCircuitBreaker(e.cfg.Transcriber.BreakerThreshold, e.cfg.Transcriber.BreakerCooldown),
		Classifier:  e.classify,
		Engine:      e.suggest,
		Summaries:   e.dispatcher,
		Observer:    e.observer,
		Telemetry:   e.telemetry,
		Redactor:    e.redactor,
		Logger:      e.logger,
	})
}

// StartCall runs one guided call in the background. A nil source means the
// call's audio arrives from the hub as audio-chunk envelopes.
func (e *Engine) StartCall(ctx context.Context, callID string, source audio.Source) (*pipeline.Call, error) {
	call, err := e.registry.Start(ctx, callID, source)
	if err != nil {
		return nil, err
	}
	e.logger.Info("call_started", "call_id", callID, "hub_audio", source == nil)
	return call, nil
}

// Start brings up the metrics server and, when enabled, the twilio ingress.
// Calls started from the ingress are not tied to ctx; Drain ends them.
func (e *Engine) Start(ctx context.Context) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if e.server != nil {
		if err := e.server.Start(); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
	}
	if e.ingress != nil {
		if err := e.ingress.Start(e.base); err != nil {
			return fmt.Errorf("twilio ingress: %w", err)
		}
		go e.routeIngress()
	}
	return nil
}

// Run starts the engine and blocks until ctx is cancelled, then drains.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	return e.runner.Run(ctx)
}

func (e *Engine) routeIngress() {
	for {
		select {
		case <-e.base.Done():
			return
		case call := <-e.ingress.Calls():
			if _, err := e.StartCall(e.base, call.ID(), call.Source); err != nil {
				e.logger.Warn("ingress_call_rejected", "call_id", call.ID(), "error", err)
				call.Source.End()
			}
		}
	}
}

// Drain refuses new calls, lets live calls finish until ctx expires, then
// flushes summaries and releases shared resources.
func (e *Engine) Drain(ctx context.Context) error {
	e.drainOnce.Do(func() { e.drainErr = e.drain(ctx) })
	return e.drainErr
}

func (e *Engine) drain(ctx context.Context) error {
	if e.ingress != nil {
		e.ingress.SetDraining(true)
	}
	err := e.registry.Drain(ctx)
	if err != nil {
		// stragglers were cancelled; give their teardown a bounded window
		wctx, cancel := context.WithTimeout(context.Background(), e.cfg.Pipeline.CloseTimeout+e.cfg.Pipeline.TranscriptGrace)
		e.registry.WaitForEmpty(wctx, 20*time.Millisecond)
		cancel()
	}
	if e.ingress != nil {
		_ = e.ingress.Stop()
	}
	e.cancel()

	flushCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Summary.Timeout+time.Second)
	defer cancel()
	var errs []error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	if derr := e.dispatcher.Close(flushCtx); derr != nil {
		errs = append(errs, fmt.Errorf("summary dispatcher: %w", derr))
	}
	if e.kafka != nil {
		if kerr := e.kafka.Close(); kerr != nil {
			errs = append(errs, fmt.Errorf("kafka: %w", kerr))
		}
	}
	if e.ownsRedis && e.redis != nil {
		_ = e.redis.Close()
	}
	e.async.Close()
	if e.timeline != nil {
		_ = e.timeline.Close()
	}
	if e.server != nil {
		_ = e.server.Shutdown(flushCtx)
	}
	return errors.Join(errs...)
}

// Stop cancels Run, which drains.
func (e *Engine) Stop() error {
	return e.runner.Stop()
}

func (e *Engine) Config() Config                      { return e.cfg }
func (e *Engine) Registry() *pipeline.CallRegistry    { return e.registry }
func (e *Engine) Ingress() *twilio.Ingress            { return e.ingress }
func (e *Engine) SummaryStore() *summary.RedisStore   { return e.store }
func (e *Engine) ProviderRegistry() *ProviderRegistry { return e.providers }

// OutboundDialer returns a twilio dialer built from the engine config.
func (e *Engine) OutboundDialer() *twilio.Dialer {
	return twilio.NewDialer(e.cfg.Twilio)
}

func copySettings(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
