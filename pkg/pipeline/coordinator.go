// Package pipeline runs one guided call: audio in, segments to the
// transcriber, transcripts through the tracker and suggestion engine, and
// everything outbound over the transport session.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callguide/pkg/alm"
	"github.com/harunnryd/callguide/pkg/audio"
	"github.com/harunnryd/callguide/pkg/catalogue"
	"github.com/harunnryd/callguide/pkg/errorsx"
	"github.com/harunnryd/callguide/pkg/logging"
	"github.com/harunnryd/callguide/pkg/metrics"
	"github.com/harunnryd/callguide/pkg/redact"
	"github.com/harunnryd/callguide/pkg/resilience"
	"github.com/harunnryd/callguide/pkg/segmenter"
	"github.com/harunnryd/callguide/pkg/session"
	"github.com/harunnryd/callguide/pkg/suggest"
	"github.com/harunnryd/callguide/pkg/summary"
	"github.com/harunnryd/callguide/pkg/transcription"
	"github.com/harunnryd/callguide/pkg/wire"
)

// EndReason records why a call stopped.
type EndReason string

const (
	EndCallEnded       EndReason = "end_call"
	EndSourceEOF       EndReason = "source_eof"
	EndSourceError     EndReason = "source_error"
	EndCancelled       EndReason = "cancelled"
	EndTransportFailed EndReason = "transport_failed"
)

type Config struct {
	Segmenter segmenter.Config `mapstructure:"segmenter"`
	// TranscriptGrace bounds the wait for in-flight transcripts at call end.
	TranscriptGrace time.Duration `mapstructure:"transcript_grace"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
	CloseTimeout    time.Duration `mapstructure:"close_timeout"`
	FrameBuffer     int           `mapstructure:"frame_buffer"`
	InboundBuffer   int           `mapstructure:"inbound_buffer"`
	// HubSampleRate is used for audio-chunk envelopes that omit a rate.
	HubSampleRate int              `mapstructure:"hub_sample_rate"`
	Defaults      catalogue.Values `mapstructure:"defaults"`
}

func (c Config) withDefaults() Config {
	if c.TranscriptGrace <= 0 {
		c.TranscriptGrace = 2 * time.Second
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 5 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 3 * time.Second
	}
	if c.FrameBuffer <= 0 {
		c.FrameBuffer = 64
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = 512
	}
	if c.HubSampleRate <= 0 {
		c.HubSampleRate = 8000
	}
	return c
}

// SummarySubmitter takes the end-of-call summary without blocking.
type SummarySubmitter interface {
	Submit(s summary.CallSummary) bool
}

// Deps are the per-call collaborators. Session and Transcriber are
// required; a nil Source means audio arrives as audio-chunk envelopes.
type Deps struct {
	Session     *session.Session
	Source      audio.Source
	Transcriber transcription.Transcriber
	Breaker     *resilience.CircuitBreaker
	Classifier  alm.Classifier
	Engine      *suggest.Engine
	Summaries   SummarySubmitter
	Observer    metrics.Observer
	// Telemetry receives per-frame signal strength; defaults to Observer.
	Telemetry metrics.Observer
	Redactor  *redact.Redactor
	Logger    *slog.Logger
}

// Coordinator owns one call. Run may be called once.
type Coordinator struct {
	callID    string
	cfg       Config
	sess      *session.Session
	source    audio.Source
	hub       *audio.StreamSource
	guard     *transcription.Guard
	tracker   *alm.Tracker
	engine    *suggest.Engine
	summaries SummarySubmitter
	observer  metrics.Observer
	telemetry metrics.Observer
	redactor  *redact.Redactor
	logger    *slog.Logger
	renderer  *catalogue.Renderer

	started     time.Time
	transcripts int
	objections  int
	outstanding map[string]struct{}

	statsMu  sync.Mutex
	segStats segmenter.Stats
	readErr  error
}

func NewCoordinator(callID string, cfg Config, deps Deps) (*Coordinator, error) {
	if strings.TrimSpace(callID) == "" {
		return nil, errors.New("pipeline: call id is required")
	}
	if deps.Session == nil || deps.Transcriber == nil {
		return nil, errors.New("pipeline: session and transcriber are required")
	}
	cfg = cfg.withDefaults()
	logger := logging.NewComponentLogger(deps.Logger, "pipeline").With("call_id", callID)
	c := &Coordinator{
		callID:      callID,
		cfg:         cfg,
		sess:        deps.Session,
		source:      deps.Source,
		tracker:     alm.NewTracker(deps.Classifier),
		engine:      deps.Engine,
		summaries:   deps.Summaries,
		observer:    deps.Observer,
		telemetry:   deps.Telemetry,
		redactor:    deps.Redactor,
		logger:      logger,
		renderer:    catalogue.NewRenderer(cfg.Defaults),
		outstanding: make(map[string]struct{}),
	}
	if c.observer == nil {
		c.observer = metrics.NoopObserver{}
	}
	if c.telemetry == nil {
		c.telemetry = c.observer
	}
	if c.engine == nil {
		c.engine = suggest.NewEngine(nil, suggest.DefaultConfig(), suggest.WithLogger(deps.Logger), suggest.WithObserver(c.observer))
	}
	if c.source == nil {
		c.hub = audio.NewStreamSource(cfg.HubSampleRate, cfg.InboundBuffer)
		c.source = c.hub
	}
	c.guard = transcription.NewGuard(deps.Transcriber, deps.Breaker, logger)
	return c, nil
}

func (c *Coordinator) CallID() string { return c.callID }

// Snapshot returns the current conversation state.
func (c *Coordinator) Snapshot() alm.State { return c.tracker.Snapshot() }

type inbound struct {
	start <-chan wire.Envelope
	end   <-chan wire.Envelope
	audio <-chan wire.Envelope
}

// Run guides the call until it ends and returns its summary. The summary
// is also handed to the SummarySubmitter.
func (c *Coordinator) Run(ctx context.Context) (summary.CallSummary, error) {
	c.started = time.Now()
	c.observer.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventCallStarted,
		Time: c.started,
		Tags: map[string]string{"call_id": c.callID, "provider": c.guard.Name()},
	})
	c.logger.Info("call_started", "provider", c.guard.Name(), "hub_audio", c.hub != nil)

	in := inbound{
		start: c.sess.Subscribe(wire.TypeStartCall, 4),
		end:   c.sess.Subscribe(wire.TypeEndCall, 4),
	}
	if c.hub != nil {
		in.audio = c.sess.Subscribe(wire.TypeAudioChunk, c.cfg.InboundBuffer)
	}
	if err := c.sess.Connect(ctx); err != nil {
		c.logger.Warn("session_connect_failed", "error", err, "reason", errorsx.Reason(err))
	}
	if err := c.guard.Start(ctx); err != nil {
		c.logger.Error("transcriber_start_failed", "error", err)
		c.sendError(err)
	}

	audioCtx, stopAudio := context.WithCancel(ctx)
	defer stopAudio()
	segments := make(chan *segmenter.VoiceSegment, 16)
	var wg sync.WaitGroup
	if err := c.source.Open(ctx); err != nil {
		c.logger.Error("source_open_failed", "error", err)
		c.setReadErr(err)
		close(segments)
	} else {
		frames := make(chan audio.Frame, c.cfg.FrameBuffer)
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.readFrames(audioCtx, frames)
		}()
		go func() {
			defer wg.Done()
			c.segment(frames, segments)
		}()
	}

	reason := c.loop(ctx, in, segments)
	if reason == EndSourceEOF && c.sourceFailed() {
		reason = EndSourceError
	}
	c.logger.Info("call_ending", "reason", reason)

	_ = c.source.Close()
	c.drainSegments(segments, stopAudio)
	if reason != EndCancelled {
		c.awaitTranscripts(c.cfg.TranscriptGrace)
	}
	if err := c.guard.Close(); err != nil {
		c.logger.Warn("transcriber_close_failed", "error", err)
	}
	stopAudio()
	wg.Wait()

	c.sendMetrics()
	ended := time.Now()
	sstats := c.sess.Stats()
	c.statsMu.Lock()
	segs := c.segStats.Segments
	c.statsMu.Unlock()
	sum := summary.FromState(c.callID, c.started, ended, string(reason), c.tracker.Snapshot(), summary.Counters{
		Transcripts:  c.transcripts,
		Segments:     int(segs),
		Reconnects:   sstats.Reconnects,
		QueueDropped: sstats.Dropped,
	}, c.redactor)
	if c.summaries != nil && !c.summaries.Submit(sum) {
		c.logger.Warn("summary_not_accepted")
	}
	c.observer.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventCallEnded,
		Time:  ended,
		Value: ended.Sub(c.started).Seconds(),
		Tags:  map[string]string{"call_id": c.callID, "reason": string(reason)},
	})

	closeCtx, cancel := context.WithTimeout(context.Background(), c.cfg.CloseTimeout)
	defer cancel()
	if err := c.sess.Close(closeCtx); err != nil {
		c.logger.Warn("session_close_failed", "error", err)
	}
	c.logger.Info("call_ended", "reason", reason, "transcripts", c.transcripts, "segments", segs)
	return sum, nil
}

func (c *Coordinator) loop(ctx context.Context, in inbound, segments <-chan *segmenter.VoiceSegment) EndReason {
	ticker := time.NewTicker(c.cfg.MetricsInterval)
	defer ticker.Stop()
	results := c.guard.Results()
	failed := c.sess.Failed()
	for {
		select {
		case <-ctx.Done():
			return EndCancelled
		case <-failed:
			return EndTransportFailed
		case n := <-c.sess.Notices():
			c.onNotice(n)
			if n.Kind == session.NoticeFailed {
				return EndTransportFailed
			}
		case env, ok := <-in.start:
			if !ok {
				in.start = nil
				continue
			}
			c.onStart(env)
		case env, ok := <-in.end:
			if !ok {
				in.end = nil
				continue
			}
			var end wire.EndCall
			_ = env.DecodePayload(&end)
			c.logger.Info("end_call_received", "reason", end.Reason)
			c.drainPending(in)
			return EndCallEnded
		case env, ok := <-in.audio:
			if !ok {
				in.audio = nil
				continue
			}
			c.onAudio(env)
		case seg, ok := <-segments:
			if !ok {
				return EndSourceEOF
			}
			c.submit(seg)
		case ev, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			c.onTranscript(ctx, ev)
		case err := <-c.guard.Opened():
			c.onCircuitOpen(err)
		case err := <-c.guard.Errors():
			c.observer.RecordEvent(metrics.MetricsEvent{
				Name: metrics.EventTranscriberFailure,
				Time: time.Now(),
				Tags: map[string]string{"call_id": c.callID, "provider": c.guard.Name(), "reason": string(errorsx.Reason(err))},
			})
		case <-ticker.C:
			c.sendMetrics()
		}
	}
}

func (c *Coordinator) readFrames(ctx context.Context, out chan<- audio.Frame) {
	defer close(out)
	for {
		frame, err := c.source.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				c.logger.Warn("source_read_failed", "error", err)
				c.setReadErr(err)
			}
			return
		}
		select {
		case out <- frame:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) setReadErr(err error) {
	c.statsMu.Lock()
	c.readErr = err
	c.statsMu.Unlock()
}

func (c *Coordinator) sourceFailed() bool {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.readErr != nil
}

// segment is the only goroutine touching the segmenter.
func (c *Coordinator) segment(frames <-chan audio.Frame, out chan<- *segmenter.VoiceSegment) {
	defer close(out)
	seg := segmenter.New(c.callID, c.cfg.Segmenter,
		segmenter.WithLogger(c.logger),
		segmenter.WithTelemetry(func(f audio.Frame, level, strength float64) {
			c.telemetry.RecordEvent(metrics.MetricsEvent{
				Name:   metrics.EventSignalStrength,
				Time:   f.Captured,
				Value:  strength,
				Tags:   map[string]string{"call_id": c.callID},
				Fields: map[string]any{"level_db": level},
			})
		}),
	)
	emit := func(vs *segmenter.VoiceSegment, err error) {
		if err != nil {
			c.logger.Error("segment_failed", "error", err, "reason", errorsx.Reason(err))
			return
		}
		if vs != nil {
			out <- vs
		}
	}
	for f := range frames {
		emit(seg.Push(f))
		c.statsMu.Lock()
		c.segStats = seg.Stats()
		c.statsMu.Unlock()
	}
	emit(seg.Flush())
	c.statsMu.Lock()
	c.segStats = seg.Stats()
	c.statsMu.Unlock()
}

// drainSegments submits what the segmenter still emits once capture has
// ended, giving up after CloseTimeout.
func (c *Coordinator) drainSegments(segments <-chan *segmenter.VoiceSegment, stopAudio context.CancelFunc) {
	timer := time.NewTimer(c.cfg.CloseTimeout)
	defer timer.Stop()
	for {
		select {
		case seg, ok := <-segments:
			if !ok {
				return
			}
			c.submit(seg)
		case <-timer.C:
			c.logger.Warn("segment_drain_timeout")
			stopAudio()
			for seg := range segments {
				c.submit(seg)
			}
			return
		}
	}
}

func (c *Coordinator) awaitTranscripts(grace time.Duration) {
	if len(c.outstanding) == 0 {
		return
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	results := c.guard.Results()
	for len(c.outstanding) > 0 {
		select {
		case ev, ok := <-results:
			if !ok {
				return
			}
			c.onTranscript(context.Background(), ev)
		case <-timer.C:
			c.logger.Warn("transcripts_abandoned", "outstanding", len(c.outstanding))
			return
		}
	}
}

func (c *Coordinator) submit(seg *segmenter.VoiceSegment) {
	c.observer.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventSegmentClosed,
		Time:  time.Now(),
		Value: float64(seg.Duration().Milliseconds()),
		Tags:  map[string]string{"call_id": c.callID, "segment_id": seg.ID},
		Fields: map[string]any{
			"frames":  len(seg.Frames),
			"peak_db": seg.PeakDB,
			"flushed": seg.Flushed,
		},
	})
	if err := c.guard.Submit(seg); err != nil {
		if errorsx.HasReason(err, errorsx.ReasonSTTCircuitOpen) {
			c.logger.Debug("segment_skipped", "segment_id", seg.ID)
			return
		}
		c.logger.Warn("segment_submit_failed", "segment_id", seg.ID, "error", err)
		return
	}
	c.outstanding[seg.ID] = struct{}{}
}

func (c *Coordinator) onTranscript(ctx context.Context, ev transcription.Event) {
	delete(c.outstanding, ev.SegmentID)
	c.guard.Succeeded()
	if strings.TrimSpace(ev.Text) == "" {
		return
	}
	if ev.CallID == "" {
		ev.CallID = c.callID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Speaker == "" {
		ev.Speaker = transcription.GuessSpeaker(ev.Text)
	}
	c.transcripts++
	c.observer.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventTranscript,
		Time:   time.Now(),
		Value:  ev.Confidence,
		Tags:   map[string]string{"call_id": c.callID, "segment_id": ev.SegmentID, "speaker": string(ev.Speaker)},
		Fields: map[string]any{"text": ev.Text},
	})

	state := c.tracker.Apply(ev)
	for _, o := range state.Objections[c.objections:] {
		c.observer.RecordEvent(metrics.MetricsEvent{
			Name: metrics.EventObjection,
			Time: ev.Timestamp,
			Tags: map[string]string{"call_id": c.callID, "segment_id": ev.SegmentID, "type": string(o.Type)},
		})
	}
	c.objections = len(state.Objections)

	c.send(wire.TypeTranscription, wire.Transcription{
		SegmentID:  ev.SegmentID,
		Speaker:    string(ev.Speaker),
		Text:       ev.Text,
		Confidence: ev.Confidence,
		Timestamp:  ev.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	c.send(wire.TypeALMUpdate, almUpdate(state))
	bundle := c.engine.Suggest(ctx, state, ev)
	c.send(wire.TypeSuggestions, bundle.Payload(c.renderer))
}

func almUpdate(state alm.State) wire.ALMUpdate {
	out := wire.ALMUpdate{
		Phase:        string(state.CurrentPhase()),
		Progress:     make(map[string]int, len(state.Progress)),
		KeyInfo:      make(map[string]bool, len(state.KeyInfo)),
		Objections:   make([]wire.Objection, 0, len(state.Objections)),
		RapportScore: state.Rapport,
		RapportLabel: state.RapportLabel(),
		Warnings:     state.Warnings,
	}
	for p, v := range state.Progress {
		out.Progress[string(p)] = v
	}
	for k, v := range state.KeyInfo {
		out.KeyInfo[string(k)] = v
	}
	for _, o := range state.Objections {
		out.Objections = append(out.Objections, wire.Objection{Type: string(o.Type), Text: o.Text})
	}
	return out
}

func (c *Coordinator) onStart(env wire.Envelope) {
	var start wire.StartCall
	if err := env.DecodePayload(&start); err != nil {
		c.logger.Warn("start_call_invalid", "error", err)
		return
	}
	if start.CallID != "" && start.CallID != c.callID {
		c.logger.Warn("start_call_mismatch", "got", start.CallID)
	}
	values := catalogue.Values{
		AgentName: start.Agent.Name,
		Brokerage: start.Agent.Brokerage,
		Phone:     start.Agent.Phone,
		Property:  start.Property.Address,
		Price:     start.Property.Price,
		Bedrooms:  start.Property.Bedrooms,
		Bathrooms: start.Property.Bathrooms,
		Sqft:      start.Property.Sqft,
		YearBuilt: start.Property.YearBuilt,
	}
	c.renderer = catalogue.NewRenderer(values.Merge(c.cfg.Defaults))
	c.logger.Info("start_call_received", "agent", start.Agent.Name, "property", start.Property.Address)
}

func (c *Coordinator) onAudio(env wire.Envelope) {
	var chunk wire.AudioChunk
	err := env.DecodePayload(&chunk)
	if err == nil {
		err = c.hub.PushChunk(chunk, env.Time())
	}
	if err != nil {
		c.logger.Debug("audio_chunk_dropped", "error", err)
		c.observer.RecordEvent(metrics.MetricsEvent{
			Name: metrics.EventEnvelopeDropped,
			Time: time.Now(),
			Tags: map[string]string{"call_id": c.callID, "reason": string(errorsx.Reason(err))},
		})
	}
}

// drainPending handles start-call and audio envelopes the hub sent ahead
// of end-call.
func (c *Coordinator) drainPending(in inbound) {
	for {
		select {
		case env, ok := <-in.start:
			if !ok {
				in.start = nil
				continue
			}
			c.onStart(env)
			continue
		default:
		}
		select {
		case env, ok := <-in.audio:
			if !ok {
				in.audio = nil
				continue
			}
			c.onAudio(env)
		default:
			return
		}
	}
}

func (c *Coordinator) onNotice(n session.Notice) {
	status := wire.ConnectionStatus{State: string(n.Kind), Attempt: n.Attempt}
	if n.Err != nil {
		status.Reason = string(errorsx.Reason(n.Err))
	}
	c.logger.Info("connection_notice", "kind", n.Kind, "attempt", n.Attempt)
	if n.Kind == session.NoticeFailed {
		return
	}
	c.send(wire.TypeConnectionStatus, status)
}

func (c *Coordinator) onCircuitOpen(err error) {
	c.logger.Warn("transcriber_unavailable", "provider", c.guard.Name(), "error", err)
	c.sendError(err)
}

func (c *Coordinator) sendError(err error) {
	c.send(wire.TypeError, wire.Error{
		Class:   string(errorsx.ClassOf(err)),
		Code:    string(errorsx.Reason(err)),
		Message: fmt.Sprintf("%s: %v", c.guard.Name(), err),
	})
}

func (c *Coordinator) sendMetrics() {
	c.statsMu.Lock()
	st := c.segStats
	c.statsMu.Unlock()
	ss := c.sess.Stats()
	c.send(wire.TypeCallMetrics, wire.CallMetrics{
		DurationMS:        time.Since(c.started).Milliseconds(),
		Frames:            int64(st.Frames),
		Segments:          int64(st.Segments),
		Transcripts:       int64(c.transcripts),
		AvgSignalStrength: st.AvgStrength(),
		QueueDropped:      ss.Dropped,
		Reconnects:        ss.Reconnects,
	})
}

func (c *Coordinator) send(t wire.Type, payload any) {
	env, err := wire.New(t, payload)
	if err != nil {
		c.logger.Error("envelope_encode_failed", "type", t, "error", err)
		return
	}
	if err := c.sess.Send(env); err != nil {
		c.logger.Debug("envelope_not_sent", "type", t, "error", err)
	}
}
