// Package session keeps a resilient duplex envelope channel to the guidance
// hub: bounded outbound queueing, heartbeat liveness, capped exponential
// reconnection and typed inbound streams.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/callguide/pkg/errorsx"
	"github.com/harunnryd/callguide/pkg/logging"
	"github.com/harunnryd/callguide/pkg/metrics"
	"github.com/harunnryd/callguide/pkg/resilience"
	"github.com/harunnryd/callguide/pkg/transports"
	"github.com/harunnryd/callguide/pkg/wire"
)

var (
	ErrClosed           = errors.New("session closed")
	ErrFailed           = errors.New("session failed")
	ErrHeartbeatTimeout = errors.New("heartbeat not acknowledged")
)

type Config struct {
	URL               string        `mapstructure:"url"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatGrace    time.Duration `mapstructure:"heartbeat_grace"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	QueueSize         int           `mapstructure:"queue_size"`
	NoticeBuffer      int           `mapstructure:"notice_buffer"`
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.HeartbeatGrace <= 0 {
		c.HeartbeatGrace = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.NoticeBuffer <= 0 {
		c.NoticeBuffer = 16
	}
	return c
}

// NoticeKind labels connection lifecycle notices raised to the pipeline.
type NoticeKind string

const (
	NoticeInterrupted NoticeKind = "interrupted"
	NoticeRestored    NoticeKind = "restored"
	NoticeFailed      NoticeKind = "failed"
)

type Notice struct {
	Kind    NoticeKind
	Attempt int
	Err     error
	At      time.Time
}

type Stats struct {
	Sent              int64
	Queued            int
	Dropped           int64
	Reconnects        int64
	HeartbeatTimeouts int64
	InboundDropped    int64
}

type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithObserver(o metrics.Observer) Option {
	return func(s *Session) {
		if o != nil {
			s.observer = o
		}
	}
}

func WithStateListener(l StateListener) Option {
	return func(s *Session) {
		if l != nil {
			s.fsm.AddListener(l)
		}
	}
}

// Session owns one logical connection to the hub. Send never blocks; the
// write side is a single goroutine per physical connection.
type Session struct {
	id       string
	cfg      Config
	dialer   transports.Dialer
	backoff  resilience.Backoff
	logger   *slog.Logger
	observer metrics.Observer

	fsm    *stateMachine
	queue  *Queue
	router *Router

	wake    chan struct{}
	notices chan Notice
	failed  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	link    *link
	closing bool
	wg      sync.WaitGroup

	started      atomic.Bool
	reconnecting atomic.Bool
	interrupted  atomic.Bool
	attempts     atomic.Int64
	failOnce     sync.Once

	sent       atomic.Int64
	reconnects atomic.Int64
	hbTimeouts atomic.Int64
	hbSeq      atomic.Int64
}

func New(id string, cfg Config, dialer transports.Dialer, opts ...Option) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       id,
		cfg:      cfg,
		dialer:   dialer,
		backoff:  resilience.NewBackoff(cfg.BackoffBase, cfg.BackoffMax, cfg.MaxAttempts),
		logger:   slog.Default(),
		observer: metrics.NoopObserver{},
		fsm:      newStateMachine(),
		queue:    NewQueue(cfg.QueueSize),
		router:   NewRouter(),
		wake:     make(chan struct{}, 1),
		notices:  make(chan Notice, cfg.NoticeBuffer),
		failed:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.NewComponentLogger(s.logger, "session").With("session_id", id)
	s.fsm.AddListener(StateListenerFunc(s.recordState))
	return s
}

func (s *Session) ID() string   { return s.id }
func (s *Session) State() State { return s.fsm.State() }

// Notices streams lifecycle notices. It is never closed.
func (s *Session) Notices() <-chan Notice { return s.notices }

// Failed is closed once the retry budget is exhausted.
func (s *Session) Failed() <-chan struct{} { return s.failed }

// Subscribe returns the inbound stream for one envelope type.
func (s *Session) Subscribe(t wire.Type, buffer int) <-chan wire.Envelope {
	return s.router.Subscribe(t, buffer)
}

func (s *Session) Stats() Stats {
	return Stats{
		Sent:              s.sent.Load(),
		Queued:            s.queue.Len(),
		Dropped:           s.queue.Dropped(),
		Reconnects:        s.reconnects.Load(),
		HeartbeatTimeouts: s.hbTimeouts.Load(),
		InboundDropped:    s.router.Dropped(),
	}
}

// Connect dials the hub. A failed first dial is returned and recovery
// continues in the background.
func (s *Session) Connect(ctx context.Context) error {
	switch s.State() {
	case StateClosed:
		return errorsx.Wrap(ErrClosed, errorsx.ReasonTransportClosed)
	case StateFailed:
		return errorsx.Wrap(ErrFailed, errorsx.ReasonTransportExhausted)
	}
	if err := s.fsm.Transition(StateConnecting, "connect"); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonInvalidState)
	}
	s.started.Store(true)
	if err := s.dial(ctx); err != nil {
		s.logger.Warn("session_connect_failed", "error", err)
		if terr := s.fsm.Transition(StateReconnecting, "connect failed"); terr == nil {
			s.scheduleReconnect()
		}
		return err
	}
	return nil
}

// Send queues env for delivery. It never blocks; while disconnected the
// envelope waits in the bounded queue.
func (s *Session) Send(env wire.Envelope) error {
	switch st := s.State(); st {
	case StateClosed:
		return errorsx.Wrap(ErrClosed, errorsx.ReasonTransportClosed)
	case StateFailed:
		return errorsx.Wrap(ErrFailed, errorsx.ReasonTransportExhausted)
	case StateReconnecting:
		if s.started.Load() && !s.reconnecting.Load() {
			s.scheduleReconnect()
		}
	}
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	if s.queue.Push(data) {
		s.logger.Warn("session_queue_overflow", "dropped_total", s.queue.Dropped())
		s.observer.RecordEvent(metrics.MetricsEvent{
			Name:  metrics.EventQueueDropped,
			Time:  time.Now(),
			Value: 1,
			Tags:  map[string]string{"call_id": s.id},
		})
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close drains what it can within ctx, then releases the connection.
func (s *Session) Close(ctx context.Context) error {
	st := s.State()
	if st == StateClosed {
		return nil
	}
	if st == StateConnected {
		s.drain(ctx)
	}
	if !st.Terminal() {
		_ = s.fsm.Transition(StateClosed, "close")
	}
	s.mu.Lock()
	s.closing = true
	l := s.link
	s.link = nil
	s.mu.Unlock()
	s.cancel()
	if l != nil {
		l.close(ErrClosed)
	}
	s.wg.Wait()
	s.router.Close()
	return nil
}

func (s *Session) drain(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for s.queue.Len() > 0 && s.State() == StateConnected {
		select {
		case s.wake <- struct{}{}:
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Session) dial(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	conn, err := s.dialer.Dial(dctx, s.cfg.URL)
	if err != nil {
		if errorsx.Reason(err) == errorsx.ReasonUnknown {
			err = errorsx.Wrap(err, errorsx.ReasonTransportConnect)
		}
		return err
	}
	if s.ctx.Err() != nil {
		_ = conn.Close()
		return errorsx.Wrap(ErrClosed, errorsx.ReasonTransportClosed)
	}
	l := newLink(conn)
	if err := s.fsm.Transition(StateConnected, "dial succeeded"); err != nil {
		l.close(err)
		return errorsx.Wrap(err, errorsx.ReasonInvalidState)
	}
	s.mu.Lock()
	s.link = l
	s.mu.Unlock()
	prev := s.attempts.Swap(0)
	if s.interrupted.CompareAndSwap(true, false) {
		s.notify(Notice{Kind: NoticeRestored, Attempt: int(prev), At: time.Now()})
	}
	s.logger.Info("session_connected", "attempts", prev)
	if !s.spawn(func() { s.writeLoop(l) }) || !s.spawn(func() { s.readLoop(l) }) {
		l.close(ErrClosed)
	}
	return nil
}

func (s *Session) spawn(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

func (s *Session) scheduleReconnect() {
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	if !s.spawn(s.reconnectLoop) {
		s.reconnecting.Store(false)
	}
}

func (s *Session) reconnectLoop() {
	s.runReconnect()
	s.reconnecting.Store(false)
	// A link that died between attach and the flag reset still needs a loop.
	if s.State() == StateReconnecting {
		s.scheduleReconnect()
	}
}

func (s *Session) runReconnect() {
	var lastErr error
	for {
		attempt := int(s.attempts.Add(1))
		if s.backoff.Exhausted(attempt) {
			s.fail(attempt-1, lastErr)
			return
		}
		delay := s.backoff.Delay(attempt)
		s.logger.Info("session_reconnect_scheduled", "attempt", attempt, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := s.fsm.Transition(StateConnecting, fmt.Sprintf("reconnect attempt %d", attempt)); err != nil {
			return
		}
		s.reconnects.Add(1)
		s.observer.RecordEvent(metrics.MetricsEvent{
			Name:  metrics.EventReconnectAttempt,
			Time:  time.Now(),
			Value: float64(attempt),
			Tags:  map[string]string{"call_id": s.id},
		})
		if err := s.dial(s.ctx); err != nil {
			lastErr = err
			s.logger.Warn("session_reconnect_failed", "attempt", attempt, "error", err)
			if terr := s.fsm.Transition(StateReconnecting, "dial failed"); terr != nil {
				return
			}
			continue
		}
		return
	}
}

func (s *Session) fail(attempts int, cause error) {
	s.failOnce.Do(func() {
		if err := s.fsm.Transition(StateFailed, "retry budget exhausted"); err != nil {
			return
		}
		err := errorsx.Wrap(ErrFailed, errorsx.ReasonTransportExhausted)
		if cause != nil {
			err = errorsx.Wrap(fmt.Errorf("%w: %v", ErrFailed, cause), errorsx.ReasonTransportExhausted)
		}
		s.logger.Error("session_failed", "attempts", attempts, "error", err)
		close(s.failed)
		select {
		case s.notices <- Notice{Kind: NoticeFailed, Attempt: attempts, Err: err, At: time.Now()}:
		case <-s.ctx.Done():
		}
	})
}

func (s *Session) notify(n Notice) {
	select {
	case s.notices <- n:
	default:
		s.logger.Warn("session_notice_dropped", "kind", n.Kind)
	}
}

func (s *Session) linkLost(l *link, cause error) {
	if !l.close(cause) {
		return
	}
	s.mu.Lock()
	current := s.link == l
	if current {
		s.link = nil
	}
	s.mu.Unlock()
	if !current || s.ctx.Err() != nil {
		return
	}
	s.logger.Warn("session_link_lost", "error", cause)
	if err := s.fsm.Transition(StateReconnecting, "link lost"); err != nil {
		return
	}
	if s.interrupted.CompareAndSwap(false, true) {
		s.notify(Notice{Kind: NoticeInterrupted, Err: cause, At: time.Now()})
	}
	s.scheduleReconnect()
}

func (s *Session) readLoop(l *link) {
	for {
		data, err := l.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, transports.ErrConnClosed) {
				err = errorsx.Wrap(err, errorsx.ReasonTransportRead)
			}
			s.linkLost(l, err)
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			s.dropInbound(err)
			continue
		}
		if env.Type == wire.TypeHeartbeat {
			var hb wire.Heartbeat
			_ = env.DecodePayload(&hb)
			select {
			case l.acks <- hb.ID:
			default:
			}
			continue
		}
		if err := s.router.Dispatch(env); err != nil {
			s.dropInbound(err)
		}
	}
}

func (s *Session) dropInbound(err error) {
	s.logger.Warn("session_inbound_dropped", "reason", errorsx.Reason(err), "error", err)
	s.observer.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventEnvelopeDropped,
		Time:  time.Now(),
		Value: 1,
		Tags:  map[string]string{"call_id": s.id, "reason": string(errorsx.Reason(err))},
	})
}

func (s *Session) writeLoop(l *link) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	var (
		graceTimer *time.Timer
		grace      <-chan time.Time
		pending    string
	)
	stopGrace := func() {
		if graceTimer != nil {
			graceTimer.Stop()
		}
		graceTimer, grace, pending = nil, nil, ""
	}
	defer stopGrace()

	for {
		// Queued envelopes always go out before any heartbeat.
		if err := s.flush(l); err != nil {
			s.linkLost(l, err)
			return
		}
		select {
		case <-l.done:
			return
		case <-s.wake:
		case id := <-l.acks:
			if grace != nil && (id == "" || id == pending) {
				stopGrace()
			}
		case <-ticker.C:
			if grace != nil {
				continue
			}
			id := fmt.Sprintf("%s-hb-%d", s.id, s.hbSeq.Add(1))
			if err := s.writeHeartbeat(l, id); err != nil {
				s.linkLost(l, err)
				return
			}
			pending = id
			graceTimer = time.NewTimer(s.cfg.HeartbeatGrace)
			grace = graceTimer.C
		case <-grace:
			s.hbTimeouts.Add(1)
			s.observer.RecordEvent(metrics.MetricsEvent{
				Name:  metrics.EventHeartbeatTimeout,
				Time:  time.Now(),
				Value: 1,
				Tags:  map[string]string{"call_id": s.id},
			})
			s.linkLost(l, errorsx.Wrap(ErrHeartbeatTimeout, errorsx.ReasonTransportHeartbeat))
			return
		}
	}
}

func (s *Session) flush(l *link) error {
	for {
		select {
		case <-l.done:
			return nil
		default:
		}
		msg, ok := s.queue.Pop()
		if !ok {
			return nil
		}
		if err := l.conn.WriteMessage(s.ctx, msg); err != nil {
			s.queue.PushFront(msg)
			return errorsx.Wrap(err, errorsx.ReasonTransportSend)
		}
		s.sent.Add(1)
	}
}

func (s *Session) writeHeartbeat(l *link, id string) error {
	env, err := wire.New(wire.TypeHeartbeat, wire.Heartbeat{ID: id})
	if err != nil {
		return err
	}
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	if err := l.conn.WriteMessage(s.ctx, data); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	return nil
}

func (s *Session) recordState(ev StateChange) {
	s.logger.Debug("session_state", "from", ev.FromState.String(), "to", ev.ToState.String(), "reason", ev.Reason)
	s.observer.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventSessionState,
		Time: ev.Timestamp,
		Tags: map[string]string{"call_id": s.id, "from": ev.FromState.String(), "to": ev.ToState.String()},
	})
}

// link is one physical connection and the goroutines bound to it.
type link struct {
	conn transports.Conn
	done chan struct{}
	acks chan string
	once sync.Once
	err  error
}

func newLink(conn transports.Conn) *link {
	return &link{conn: conn, done: make(chan struct{}), acks: make(chan string, 4)}
}

// close reports whether this call performed the close.
func (l *link) close(err error) bool {
	closed := false
	l.once.Do(func() {
		l.err = err
		close(l.done)
		_ = l.conn.Close()
		closed = true
	})
	return closed
}
