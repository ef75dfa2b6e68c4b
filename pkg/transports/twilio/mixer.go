package twilio

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/callguide/pkg/audio"
)

const (
	mediaFrame = 20 * time.Millisecond
	// mixLag is how many frame slots a track may trail the other before
	// its partner is emitted alone.
	mixLag = 3
)

// mediaMixer turns Media Streams payloads into capture-timed frames. Frame
// times come from the media timestamp (ms since stream start) anchored at
// the start event, so delivery jitter never reads as silence. With more
// than one track, frames sharing a 20ms slot are summed into one frame.
// A mixer belongs to the websocket read loop of one stream.
type mediaMixer struct {
	anchor time.Time
	tracks int
	push   func(samples []int16, at time.Time)

	slots   map[int64]*mixSlot
	next    int64
	latest  int64
	started bool
}

type mixSlot struct {
	samples []int16
	tracks  map[string]bool
}

func newMediaMixer(anchor time.Time, tracks int, push func([]int16, time.Time)) *mediaMixer {
	if tracks < 1 {
		tracks = 1
	}
	return &mediaMixer{anchor: anchor, tracks: tracks, push: push, slots: make(map[int64]*mixSlot)}
}

// offset parses the media timestamp, falling back to arrival time.
func (m *mediaMixer) offset(timestamp string, now time.Time) time.Duration {
	if ms, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64); err == nil && ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return now.Sub(m.anchor)
}

// Add takes one decoded payload for track at the given stream offset.
func (m *mediaMixer) Add(track string, offset time.Duration, samples []int16) {
	if m.tracks == 1 {
		m.push(samples, m.anchor.Add(offset))
		return
	}
	slot := int64((offset + mediaFrame/2) / mediaFrame)
	if !m.started {
		m.started = true
		m.next = slot
		m.latest = slot
	}
	if slot < m.next {
		return
	}
	s := m.slots[slot]
	switch {
	case s == nil:
		m.slots[slot] = &mixSlot{samples: samples, tracks: map[string]bool{track: true}}
	case s.tracks[track]:
		// duplicate delivery for this track
		return
	default:
		s.tracks[track] = true
		s.samples = mixSamples(s.samples, samples)
	}
	if slot > m.latest {
		m.latest = slot
	}
	m.drain(false)
}

// Flush emits every pending slot.
func (m *mediaMixer) Flush() {
	m.drain(true)
}

func (m *mediaMixer) drain(all bool) {
	for m.started && m.next <= m.latest {
		stale := all || m.next <= m.latest-mixLag
		s := m.slots[m.next]
		if s == nil {
			if !stale {
				return
			}
			m.next++
			continue
		}
		if len(s.tracks) < m.tracks && !stale {
			return
		}
		m.push(s.samples, m.anchor.Add(time.Duration(m.next)*mediaFrame))
		delete(m.slots, m.next)
		m.next++
	}
}

// mixSamples sums b into a sample by sample with int16 saturation.
func mixSamples(a, b []int16) []int16 {
	if len(b) > len(a) {
		a, b = b, a
	}
	out := make([]int16, len(a))
	for i := range a {
		v := int32(a[i])
		if i < len(b) {
			v += int32(b[i])
		}
		switch {
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		out[i] = int16(v)
	}
	return out
}

func sourcePusher(src *audio.StreamSource) func([]int16, time.Time) {
	return func(samples []int16, at time.Time) {
		src.PushSamples(-1, samples, 8000, at)
	}
}
