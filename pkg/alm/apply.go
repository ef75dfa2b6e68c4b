package alm

import (
	"sync"

	"github.com/harunnryd/callguide/pkg/transcription"
)

// Match is what a Classifier found in one transcript text.
type Match struct {
	Phases     []Phase
	KeyInfo    []KeyInfo
	Objections []ObjectionType
	Positive   int
	Negative   int
	Warnings   []string
}

// Classifier maps transcript text to ALM signals.
type Classifier interface {
	Classify(text string) Match
}

// Apply returns the state that follows ev. The input state is not modified.
func Apply(state State, ev transcription.Event, c Classifier) State {
	next := state.Clone()
	if next.Progress == nil || next.KeyInfo == nil {
		fresh := NewState()
		for k, v := range next.Progress {
			fresh.Progress[k] = v
		}
		for k, v := range next.KeyInfo {
			fresh.KeyInfo[k] = v
		}
		next.Progress, next.KeyInfo = fresh.Progress, fresh.KeyInfo
	}
	m := c.Classify(ev.Text)

	seen := make(map[Phase]bool, len(m.Phases))
	for _, p := range m.Phases {
		if seen[p] || p == PhaseClosing {
			continue
		}
		seen[p] = true
		v := next.Progress[p] + ProgressStep
		if v > MaxProgress {
			v = MaxProgress
		}
		next.Progress[p] = v
	}
	for _, k := range m.KeyInfo {
		next.KeyInfo[k] = true
	}
	for _, o := range m.Objections {
		next.Objections = append(next.Objections, Objection{
			Type:      o,
			Text:      ev.Text,
			SegmentID: ev.SegmentID,
			At:        ev.Timestamp,
		})
	}
	next.Rapport += m.Positive - m.Negative
	next.Warnings = append([]string(nil), m.Warnings...)
	next.Events++
	if ev.Speaker != "" {
		next.LastSpeaker = ev.Speaker
	}
	if !ev.Timestamp.IsZero() {
		next.UpdatedAt = ev.Timestamp
	}
	return next
}

// Tracker is the single owner of a call's State.
type Tracker struct {
	mu         sync.RWMutex
	state      State
	classifier Classifier
}

func NewTracker(c Classifier) *Tracker {
	if c == nil {
		c = NewKeywordClassifier(DefaultTables())
	}
	return &Tracker{state: NewState(), classifier: c}
}

// Apply folds ev into the tracked state and returns a snapshot.
func (t *Tracker) Apply(ev transcription.Event) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = Apply(t.state, ev, t.classifier)
	return t.state.Clone()
}

func (t *Tracker) Snapshot() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.Clone()
}
