package alm

import (
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/callguide/pkg/transcription"
)

func event(text string) transcription.Event {
	return transcription.Event{Text: text, Speaker: transcription.SpeakerClient, Timestamp: time.Now()}
}

func TestScenarioAppointmentOutranksLocation(t *testing.T) {
	tr := NewTracker(nil)

	s := tr.Apply(event("when would you like to see it"))
	if s.Progress[PhaseAppointment] != 20 || s.CurrentPhase() != PhaseAppointment {
		t.Fatalf("expected appointment 20, got %v current=%s", s.Progress, s.CurrentPhase())
	}
	if s.Progress[PhaseLocation] != 0 {
		t.Fatalf("expected no location progress yet, got %d", s.Progress[PhaseLocation])
	}

	s = tr.Apply(event("what area are you in"))
	if s.Progress[PhaseLocation] != 20 {
		t.Fatalf("expected location 20, got %d", s.Progress[PhaseLocation])
	}
	if s.Progress[PhaseAppointment] != 20 || s.CurrentPhase() != PhaseAppointment {
		t.Fatalf("expected appointment to remain current, got %s", s.CurrentPhase())
	}
}

func TestScenarioAlreadyHasAgent(t *testing.T) {
	tr := NewTracker(nil)
	s := tr.Apply(event("I already have an agent"))
	if len(s.Objections) != 1 || s.Objections[0].Type != ObjectionAlreadyHasAgent {
		t.Fatalf("expected one already_has_agent objection, got %+v", s.Objections)
	}
	if s.Objections[0].Text != "I already have an agent" {
		t.Fatalf("expected originating text, got %q", s.Objections[0].Text)
	}
}

func TestCurrentPhasePriority(t *testing.T) {
	s := NewState()
	s.Progress[PhaseMotivation] = 100
	s.Progress[PhaseLocation] = 100
	if s.CurrentPhase() != PhaseAppointment {
		t.Fatalf("expected appointment, got %s", s.CurrentPhase())
	}
	s.Progress[PhaseAppointment] = 100
	if s.CurrentPhase() != PhaseClosing {
		t.Fatalf("expected closing, got %s", s.CurrentPhase())
	}
	s.Progress[PhaseLocation] = 80
	if s.CurrentPhase() != PhaseLocation {
		t.Fatalf("expected location, got %s", s.CurrentPhase())
	}
}

func TestProgressClampsAtMax(t *testing.T) {
	tr := NewTracker(nil)
	var s State
	for i := 0; i < 8; i++ {
		s = tr.Apply(event("can we schedule a tour tomorrow"))
	}
	if s.Progress[PhaseAppointment] != MaxProgress {
		t.Fatalf("expected clamp at 100, got %d", s.Progress[PhaseAppointment])
	}
	if s.CurrentPhase() != PhaseLocation {
		t.Fatalf("expected location after appointment completes, got %s", s.CurrentPhase())
	}
}

func TestObjectionsRecordedInTableOrder(t *testing.T) {
	tr := NewTracker(nil)
	s := tr.Apply(event("I'm not ready yet, just wondering about the listing agent"))
	want := []ObjectionType{ObjectionListingAgent, ObjectionQuickQuestion, ObjectionNotReady}
	if len(s.Objections) != len(want) {
		t.Fatalf("expected %d objections, got %+v", len(want), s.Objections)
	}
	for i, w := range want {
		if s.Objections[i].Type != w {
			t.Fatalf("objection %d: expected %s, got %s", i, w, s.Objections[i].Type)
		}
	}
	latest, ok := s.LatestObjection()
	if !ok || latest.Type != ObjectionNotReady {
		t.Fatalf("expected latest not_ready, got %+v", latest)
	}
}

func TestRapportLabels(t *testing.T) {
	cases := []struct {
		score int
		want  string
	}{
		{5, "Excellent"},
		{3, "Excellent"},
		{2, "Good"},
		{1, "Good"},
		{0, "Neutral"},
		{-1, "Neutral"},
		{-2, "Needs Improvement"},
	}
	for _, tc := range cases {
		if got := RapportLabel(tc.score); got != tc.want {
			t.Fatalf("score %d: expected %s, got %s", tc.score, tc.want, got)
		}
	}
}

func TestRapportCountsBothDirections(t *testing.T) {
	tr := NewTracker(nil)
	s := tr.Apply(event("Absolutely, that sounds good, but I'm busy right now"))
	if s.Rapport != 1 {
		t.Fatalf("expected +2-1 = 1, got %d", s.Rapport)
	}
	s = tr.Apply(event("I'm not interested, stop calling, this is a waste of time"))
	if s.Rapport != -2 || s.RapportLabel() != "Needs Improvement" {
		t.Fatalf("expected -2 Needs Improvement, got %d %s", s.Rapport, s.RapportLabel())
	}
}

func TestAvoidPhraseWarningsAreReplaced(t *testing.T) {
	tr := NewTracker(nil)
	s := tr.Apply(event("Do you know your credit score?"))
	if len(s.Warnings) != 1 || !strings.Contains(s.Warnings[0], "credit score") {
		t.Fatalf("expected credit score warning, got %v", s.Warnings)
	}
	s = tr.Apply(event("great"))
	if len(s.Warnings) != 0 {
		t.Fatalf("expected warnings to reflect latest event, got %v", s.Warnings)
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	c := NewKeywordClassifier(DefaultTables())
	before := NewState()
	after := Apply(before, event("my budget is $400k and my phone number is on file"), c)
	if before.KeyInfo[KeyBudget] || before.Events != 0 {
		t.Fatalf("input state mutated")
	}
	if !after.KeyInfo[KeyBudget] || !after.KeyInfo[KeyContact] || after.KeyInfo[KeyTimeline] {
		t.Fatalf("unexpected key info %v", after.KeyInfo)
	}
	if got := after.CapturedKeyInfo(); len(got) != 2 || got[0] != KeyContact {
		t.Fatalf("unexpected captured order %v", got)
	}
}

func TestSnapshotIsIndependent(t *testing.T) {
	tr := NewTracker(nil)
	snap := tr.Apply(event("I already have an agent"))
	snap.Objections[0].Type = "tampered"
	snap.Progress[PhaseAppointment] = 99
	again := tr.Snapshot()
	if again.Objections[0].Type != ObjectionAlreadyHasAgent || again.Progress[PhaseAppointment] != 0 {
		t.Fatalf("snapshot aliasing tracker state")
	}
}

func TestRandomEventsKeepInvariants(t *testing.T) {
	pool := []string{
		"when would you like to see it",
		"what area are you in",
		"why are you moving",
		"my budget is around 500k",
		"we need to move by next month",
		"you can text me at this number",
		"I already have an agent",
		"I'm just looking",
		"absolutely perfect",
		"not interested",
		"hello",
		"",
	}
	c := NewKeywordClassifier(DefaultTables())
	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 100; run++ {
		s := NewState()
		for i := 0; i < 60; i++ {
			prev := s
			s = Apply(s, event(pool[rng.Intn(len(pool))]), c)
			for _, p := range TrackedPhases {
				if s.Progress[p] < prev.Progress[p] {
					t.Fatalf("progress for %s decreased", p)
				}
				if s.Progress[p] < 0 || s.Progress[p] > MaxProgress {
					t.Fatalf("progress for %s out of bounds: %d", p, s.Progress[p])
				}
			}
			for _, k := range KeyInfoCategories {
				if prev.KeyInfo[k] && !s.KeyInfo[k] {
					t.Fatalf("key info %s cleared", k)
				}
			}
			if len(s.Objections) < len(prev.Objections) {
				t.Fatalf("objection log shrank")
			}
			want := PhaseClosing
			for _, p := range TrackedPhases {
				if s.Progress[p] < MaxProgress {
					want = p
					break
				}
			}
			if s.CurrentPhase() != want {
				t.Fatalf("current phase %s, expected %s", s.CurrentPhase(), want)
			}
		}
	}
}

func TestCompileRejectsBadPattern(t *testing.T) {
	tables := DefaultTables()
	tables.Objections = append(tables.Objections, ObjectionRule{Type: "broken", Patterns: []string{"("}})
	if _, err := CompileKeywordClassifier(tables); err == nil {
		t.Fatalf("expected compile error")
	}
}

func TestParseTablesOverridesSections(t *testing.T) {
	tables, err := ParseTables([]byte(`
objections:
  - type: out_of_town
    patterns: ["visiting from"]
avoid: ["hoa fees"]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(tables.Objections) != 1 || tables.Objections[0].Type != ObjectionOutOfTown {
		t.Fatalf("objections not replaced: %+v", tables.Objections)
	}
	if len(tables.Phases[PhaseAppointment]) == 0 {
		t.Fatalf("phases should keep built-in keywords")
	}
	m := NewKeywordClassifier(tables).Classify("I'm visiting from Denver, what about HOA fees?")
	if len(m.Objections) != 1 || m.Objections[0] != ObjectionOutOfTown {
		t.Fatalf("unexpected objections %v", m.Objections)
	}
	if len(m.Warnings) != 1 || !strings.Contains(m.Warnings[0], "hoa fees") {
		t.Fatalf("unexpected warnings %v", m.Warnings)
	}
}

func TestParseTablesRejectsBadYAML(t *testing.T) {
	if _, err := ParseTables([]byte("objections: [")); err == nil {
		t.Fatalf("expected yaml error")
	}
}
