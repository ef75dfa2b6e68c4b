package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PromObserver maps pipeline events onto Prometheus collectors.
type PromObserver struct {
	calls        *prometheus.CounterVec
	activeCalls  prometheus.Gauge
	segments     prometheus.Counter
	transcripts  *prometheus.CounterVec
	suggestions  *prometheus.CounterVec
	objections   *prometheus.CounterVec
	reconnects   prometheus.Counter
	queueDrops   prometheus.Counter
	heartbeats   prometheus.Counter
	inboundDrops *prometheus.CounterVec
	lookupFails  prometheus.Counter
	sttFailures  *prometheus.CounterVec
	strength     prometheus.Histogram
	latency      prometheus.Histogram
	callDuration prometheus.Histogram
}

// NewPromObserver registers collectors on reg. A nil reg uses the default
// registerer.
func NewPromObserver(namespace string, reg prometheus.Registerer) *PromObserver {
	if namespace == "" {
		namespace = "callguide"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PromObserver{
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "calls_total", Help: "Calls ended, by end reason.",
		}, []string{"reason"}),
		activeCalls: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "calls_active", Help: "Calls currently being guided.",
		}),
		segments: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "voice_segments_total", Help: "Voice segments closed by the segmenter.",
		}),
		transcripts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "transcripts_total", Help: "Transcript events received.",
		}, []string{"speaker"}),
		suggestions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "suggestion_bundles_total", Help: "Suggestion bundles produced, by phase.",
		}, []string{"phase"}),
		objections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "objections_total", Help: "Objections detected, by type.",
		}, []string{"type"}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_reconnect_attempts_total", Help: "Transport reconnect attempts.",
		}),
		queueDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_queue_dropped_total", Help: "Outbound messages dropped from a full queue.",
		}),
		heartbeats: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_heartbeat_timeouts_total", Help: "Heartbeat acknowledgements that never arrived.",
		}),
		inboundDrops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "envelopes_dropped_total", Help: "Inbound envelopes dropped.",
		}, []string{"reason"}),
		lookupFails: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "catalogue_lookup_failures_total", Help: "Catalogue lookups that failed.",
		}),
		sttFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "transcriber_failures_total", Help: "Transcriber failures, by provider.",
		}, []string{"provider"}),
		strength: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "signal_strength", Help: "Per-frame signal strength (0-1).",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		latency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "guidance_latency_seconds", Help: "Segment close to suggestions sent.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		callDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "call_duration_seconds", Help: "Guided call duration.",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800},
		}),
	}
}

func (p *PromObserver) RecordEvent(ev MetricsEvent) {
	tag := func(k, fallback string) string {
		if v := ev.Tags[k]; v != "" {
			return v
		}
		return fallback
	}
	switch ev.Name {
	case EventCallStarted:
		p.activeCalls.Inc()
	case EventCallEnded:
		p.activeCalls.Dec()
		p.calls.WithLabelValues(tag("reason", "unknown")).Inc()
		p.callDuration.Observe(ev.Value)
	case EventSegmentClosed:
		p.segments.Inc()
	case EventTranscript:
		p.transcripts.WithLabelValues(tag("speaker", "unknown")).Inc()
	case EventSuggestions:
		p.suggestions.WithLabelValues(tag("phase", "unknown")).Inc()
	case EventObjection:
		p.objections.WithLabelValues(tag("type", "unknown")).Inc()
	case EventReconnectAttempt:
		p.reconnects.Inc()
	case EventQueueDropped:
		p.queueDrops.Inc()
	case EventHeartbeatTimeout:
		p.heartbeats.Inc()
	case EventEnvelopeDropped:
		p.inboundDrops.WithLabelValues(tag("reason", "unknown")).Inc()
	case EventCatalogueFailed:
		p.lookupFails.Inc()
	case EventTranscriberFailure:
		p.sttFailures.WithLabelValues(tag("provider", "unknown")).Inc()
	case EventSignalStrength:
		p.strength.Observe(ev.Value)
	case EventGuidanceLatency:
		p.latency.Observe(ev.Value / 1000)
	}
}
