package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/callguide/pkg/metrics"
)

// LatencyObserver times each segment from close to transcript to
// suggestions, logs the breakdown and forwards a guidance_latency_ms event
// to sink.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
	sink   metrics.Observer
	limit  int
}

type trace struct {
	callID     string
	closed     time.Time
	transcript time.Time
}

// NewLatencyObserver keeps at most limit open traces; the oldest are
// evicted first.
func NewLatencyObserver(log *slog.Logger, sink metrics.Observer, limit int) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	if sink == nil {
		sink = metrics.NoopObserver{}
	}
	if limit <= 0 {
		limit = 1024
	}
	return &LatencyObserver{traces: make(map[string]*trace), log: log, sink: sink, limit: limit}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	segID := ev.Tags["segment_id"]
	if segID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	switch ev.Name {
	case metrics.EventSegmentClosed:
		if len(o.traces) >= o.limit {
			o.evictOldestLocked()
		}
		o.traces[segID] = &trace{callID: ev.Tags["call_id"], closed: ev.Time}
	case metrics.EventTranscript:
		if t := o.traces[segID]; t != nil && t.transcript.IsZero() {
			t.transcript = ev.Time
		}
	case metrics.EventSuggestions:
		t := o.traces[segID]
		if t == nil {
			return
		}
		delete(o.traces, segID)
		total := durationMs(t.closed, ev.Time)
		o.log.Info("guidance_latency",
			"call_id", t.callID,
			"segment_id", segID,
			"transcribe_ms", durationMs(t.closed, t.transcript),
			"suggest_ms", durationMs(t.transcript, ev.Time),
			"total_ms", total,
		)
		if total >= 0 {
			o.sink.RecordEvent(metrics.MetricsEvent{
				Name:  metrics.EventGuidanceLatency,
				Time:  ev.Time,
				Value: float64(total),
				Tags:  map[string]string{"call_id": t.callID, "segment_id": segID},
			})
		}
	}
}

// Pending returns the number of open traces.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

func (o *LatencyObserver) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, t := range o.traces {
		if oldestID == "" || t.closed.Before(oldest) {
			oldestID, oldest = id, t.closed
		}
	}
	delete(o.traces, oldestID)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
