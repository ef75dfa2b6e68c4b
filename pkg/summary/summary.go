// Package summary publishes an end-of-call summary to log, Kafka and Redis
// sinks without holding up call teardown.
package summary

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/harunnryd/callguide/pkg/alm"
	"github.com/harunnryd/callguide/pkg/redact"
)

type Objection struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallSummary is the record left behind by a finished call.
type CallSummary struct {
	CallID          string         `json:"call_id"`
	Started         time.Time      `json:"started"`
	Ended           time.Time      `json:"ended"`
	DurationMS      int64          `json:"duration_ms"`
	EndReason       string         `json:"end_reason"`
	Phase           string         `json:"phase"`
	Progress        map[string]int `json:"progress"`
	KeyInfo         []string       `json:"key_info"`
	Objections      []Objection    `json:"objections"`
	RapportScore    int            `json:"rapport_score"`
	RapportLabel    string         `json:"rapport_label"`
	TranscriptCount int            `json:"transcript_count"`
	SegmentCount    int            `json:"segment_count"`
	Reconnects      int64          `json:"reconnects"`
	QueueDropped    int64          `json:"queue_dropped"`
}

// Counters are the pipeline totals copied into a summary.
type Counters struct {
	Transcripts  int
	Segments     int
	Reconnects   int64
	QueueDropped int64
}

// FromState builds a summary from the final tracker state. Objection text
// passes through r.
func FromState(callID string, started, ended time.Time, reason string, state alm.State, c Counters, r *redact.Redactor) CallSummary {
	s := CallSummary{
		CallID:          callID,
		Started:         started.UTC(),
		Ended:           ended.UTC(),
		DurationMS:      ended.Sub(started).Milliseconds(),
		EndReason:       reason,
		Phase:           string(state.CurrentPhase()),
		Progress:        make(map[string]int, len(state.Progress)),
		KeyInfo:         []string{},
		Objections:      make([]Objection, 0, len(state.Objections)),
		RapportScore:    state.Rapport,
		RapportLabel:    state.RapportLabel(),
		TranscriptCount: c.Transcripts,
		SegmentCount:    c.Segments,
		Reconnects:      c.Reconnects,
		QueueDropped:    c.QueueDropped,
	}
	for p, v := range state.Progress {
		s.Progress[string(p)] = v
	}
	for _, k := range state.CapturedKeyInfo() {
		s.KeyInfo = append(s.KeyInfo, string(k))
	}
	for _, o := range state.Objections {
		s.Objections = append(s.Objections, Objection{Type: string(o.Type), Text: r.Text(o.Text)})
	}
	return s
}

// Sink receives finished call summaries.
type Sink interface {
	Publish(ctx context.Context, s CallSummary) error
}

// LogSink writes summaries as structured log records.
type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) Publish(ctx context.Context, s CallSummary) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "call_summary",
		"call_id", s.CallID,
		"end_reason", s.EndReason,
		"duration_ms", s.DurationMS,
		"phase", s.Phase,
		"key_info", s.KeyInfo,
		"objections", len(s.Objections),
		"rapport", s.RapportLabel,
		"transcripts", s.TranscriptCount,
		"segments", s.SegmentCount,
	)
	return nil
}

// Multi publishes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, s CallSummary) error {
	var errs error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		errs = errors.Join(errs, sink.Publish(ctx, s))
	}
	return errs
}
