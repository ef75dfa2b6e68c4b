// Package alm tracks where a call stands in the Appointment, Location,
// Motivation model: per-phase progress, captured key information, raised
// objections and rapport.
package alm

import (
	"time"

	"github.com/harunnryd/callguide/pkg/transcription"
)

type Phase string

const (
	PhaseAppointment Phase = "appointment"
	PhaseLocation    Phase = "location"
	PhaseMotivation  Phase = "motivation"
	PhaseClosing     Phase = "closing"
)

// TrackedPhases is the priority order used to pick the current phase.
var TrackedPhases = [...]Phase{PhaseAppointment, PhaseLocation, PhaseMotivation}

type KeyInfo string

const (
	KeyContact  KeyInfo = "contact"
	KeyBudget   KeyInfo = "budget"
	KeyTimeline KeyInfo = "timeline"
)

var KeyInfoCategories = [...]KeyInfo{KeyContact, KeyBudget, KeyTimeline}

type ObjectionType string

const (
	ObjectionAlreadyHasAgent ObjectionType = "already_has_agent"
	ObjectionListingAgent    ObjectionType = "listing_agent"
	ObjectionQuickQuestion   ObjectionType = "quick_question"
	ObjectionPendingProperty ObjectionType = "pending_property"
	ObjectionOutOfTown       ObjectionType = "out_of_town"
	ObjectionNotReady        ObjectionType = "not_ready"
)

const (
	ProgressStep = 20
	MaxProgress  = 100
)

type Objection struct {
	Type      ObjectionType `json:"type"`
	Text      string        `json:"text"`
	SegmentID string        `json:"segment_id,omitempty"`
	At        time.Time     `json:"at"`
}

// State is the conversation state of one call. Values returned by the
// Tracker are independent copies.
type State struct {
	Progress    map[Phase]int         `json:"progress"`
	KeyInfo     map[KeyInfo]bool      `json:"key_info"`
	Objections  []Objection           `json:"objections"`
	Rapport     int                   `json:"rapport"`
	Warnings    []string              `json:"warnings,omitempty"`
	Events      int                   `json:"events"`
	LastSpeaker transcription.Speaker `json:"last_speaker,omitempty"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

func NewState() State {
	s := State{
		Progress: make(map[Phase]int, len(TrackedPhases)),
		KeyInfo:  make(map[KeyInfo]bool, len(KeyInfoCategories)),
	}
	for _, p := range TrackedPhases {
		s.Progress[p] = 0
	}
	for _, k := range KeyInfoCategories {
		s.KeyInfo[k] = false
	}
	return s
}

// CurrentPhase is the first tracked phase below MaxProgress, or Closing.
func (s State) CurrentPhase() Phase {
	for _, p := range TrackedPhases {
		if s.Progress[p] < MaxProgress {
			return p
		}
	}
	return PhaseClosing
}

// RapportLabel buckets the rapport score.
func (s State) RapportLabel() string {
	return RapportLabel(s.Rapport)
}

func RapportLabel(score int) string {
	switch {
	case score >= 3:
		return "Excellent"
	case score >= 1:
		return "Good"
	case score >= -1:
		return "Neutral"
	default:
		return "Needs Improvement"
	}
}

// LatestObjection returns the most recently appended objection.
func (s State) LatestObjection() (Objection, bool) {
	if len(s.Objections) == 0 {
		return Objection{}, false
	}
	return s.Objections[len(s.Objections)-1], true
}

// CapturedKeyInfo lists set flags in category order.
func (s State) CapturedKeyInfo() []KeyInfo {
	var out []KeyInfo
	for _, k := range KeyInfoCategories {
		if s.KeyInfo[k] {
			out = append(out, k)
		}
	}
	return out
}

func (s State) Clone() State {
	out := s
	out.Progress = make(map[Phase]int, len(s.Progress))
	for k, v := range s.Progress {
		out.Progress[k] = v
	}
	out.KeyInfo = make(map[KeyInfo]bool, len(s.KeyInfo))
	for k, v := range s.KeyInfo {
		out.KeyInfo[k] = v
	}
	out.Objections = append([]Objection(nil), s.Objections...)
	out.Warnings = append([]string(nil), s.Warnings...)
	return out
}
