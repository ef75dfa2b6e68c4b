// Package metrics carries pipeline events to observers: in-memory,
// sampled, asynchronous and Prometheus.
package metrics

import "time"

// Event names recorded by the pipeline.
const (
	EventCallStarted        = "call_started"
	EventCallEnded          = "call_ended"
	EventSegmentClosed      = "segment_closed"
	EventTranscript         = "transcript_received"
	EventSuggestions        = "suggestions_emitted"
	EventObjection          = "objection_detected"
	EventSignalStrength     = "signal_strength"
	EventGuidanceLatency    = "guidance_latency_ms"
	EventQueueDropped       = "session_queue_dropped"
	EventReconnectAttempt   = "session_reconnect_attempt"
	EventHeartbeatTimeout   = "session_heartbeat_timeout"
	EventEnvelopeDropped    = "envelope_dropped"
	EventSessionState       = "session_state"
	EventCatalogueFailed    = "catalogue_lookup_failed"
	EventTranscriberFailure = "transcriber_failure"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Multi fans an event out to every non-nil observer.
type Multi []Observer

func (m Multi) RecordEvent(ev MetricsEvent) {
	for _, o := range m {
		if o != nil {
			o.RecordEvent(ev)
		}
	}
}
