package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver forwards roughly rate of the events it sees. Events whose
// name is listed in always bypass sampling.
type SamplingObserver struct {
	inner       Observer
	sampleEvery uint64
	counter     atomic.Uint64
	always      map[string]struct{}
}

func NewSamplingObserver(inner Observer, rate float64, always ...string) *SamplingObserver {
	rate = math.Max(0, math.Min(1, rate))
	var every uint64
	if rate > 0 {
		every = uint64(math.Round(1.0 / rate))
		if every == 0 {
			every = 1
		}
	}
	s := &SamplingObserver{inner: inner, sampleEvery: every, always: make(map[string]struct{}, len(always))}
	for _, name := range always {
		s.always[name] = struct{}{}
	}
	return s
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if _, ok := s.always[ev.Name]; ok {
		s.inner.RecordEvent(ev)
		return
	}
	switch {
	case s.sampleEvery == 0:
		return
	case s.sampleEvery == 1:
		s.inner.RecordEvent(ev)
	case s.counter.Add(1)%s.sampleEvery == 0:
		s.inner.RecordEvent(ev)
	}
}
