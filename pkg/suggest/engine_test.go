package suggest

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/harunnryd/callguide/pkg/alm"
	"github.com/harunnryd/callguide/pkg/catalogue"
	"github.com/harunnryd/callguide/pkg/logging"
	"github.com/harunnryd/callguide/pkg/metrics"
	"github.com/harunnryd/callguide/pkg/transcription"
)

type stubCatalogue struct {
	entries map[catalogue.Key][]string
	fail    map[catalogue.Key]bool
	calls   []catalogue.Key
}

func (s *stubCatalogue) Lookup(_ context.Context, key catalogue.Key) ([]string, error) {
	s.calls = append(s.calls, key)
	if s.fail[key] {
		return nil, errors.New("catalogue offline")
	}
	return s.entries[key], nil
}

func newEngine(cat catalogue.Catalogue) *Engine {
	return NewEngine(cat, DefaultConfig(), WithLogger(logging.Discard()))
}

func TestFreshStateYieldsAppointmentGroupOnly(t *testing.T) {
	e := newEngine(catalogue.Default())
	b := e.Suggest(context.Background(), alm.NewState(), transcription.Event{CallID: "c1"})
	if b.Phase != alm.PhaseAppointment {
		t.Fatalf("expected appointment phase, got %s", b.Phase)
	}
	if len(b.Groups) != 1 || b.Groups[0].Category != CategoryAppointment {
		t.Fatalf("unexpected groups %+v", b.Groups)
	}
	if len(b.Groups[0].Suggestions) == 0 {
		t.Fatalf("expected appointment suggestions")
	}
}

func TestObjectionGroupMatchesHandlerList(t *testing.T) {
	cat := catalogue.Default()
	tracker := alm.NewTracker(nil)
	ev := transcription.Event{CallID: "c1", SegmentID: "c1-seg-1", Text: "I already have an agent", Timestamp: time.Now()}
	state := tracker.Apply(ev)

	b := newEngine(cat).Suggest(context.Background(), state, ev)
	if len(b.Groups) != 2 {
		t.Fatalf("expected phase and objection groups, got %+v", b.Groups)
	}
	if b.Groups[0].Category != CategoryAppointment || b.Groups[1].Category != CategoryObjection {
		t.Fatalf("unexpected group order %+v", b.Groups)
	}
	want, err := cat.Lookup(context.Background(), catalogue.Key{Kind: catalogue.KindObjection, Name: string(alm.ObjectionAlreadyHasAgent)})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !reflect.DeepEqual(b.Groups[1].Suggestions, want) {
		t.Fatalf("objection group mismatch\n got %v\nwant %v", b.Groups[1].Suggestions, want)
	}
	if b.Groups[1].Key != string(alm.ObjectionAlreadyHasAgent) {
		t.Fatalf("unexpected objection key %s", b.Groups[1].Key)
	}
}

func TestOnlyLatestObjectionIsSurfaced(t *testing.T) {
	state := alm.NewState()
	state.Objections = []alm.Objection{
		{Type: alm.ObjectionAlreadyHasAgent},
		{Type: alm.ObjectionOutOfTown},
	}
	stub := &stubCatalogue{entries: map[catalogue.Key][]string{
		{Kind: catalogue.KindPhase, Name: "appointment"}:   {"a"},
		{Kind: catalogue.KindObjection, Name: "out_of_town"}: {"virtual tour"},
	}}
	b := newEngine(stub).Suggest(context.Background(), state, transcription.Event{})
	g, ok := b.Group(CategoryObjection)
	if !ok || g.Key != "out_of_town" || len(g.Suggestions) != 1 || g.Suggestions[0] != "virtual tour" {
		t.Fatalf("unexpected objection group %+v", g)
	}
	for _, k := range stub.calls {
		if k.Name == "already_has_agent" {
			t.Fatalf("older objection should not be looked up")
		}
	}
}

func TestLookupFailureYieldsEmptyGroup(t *testing.T) {
	phaseKey := catalogue.Key{Kind: catalogue.KindPhase, Name: "appointment"}
	stub := &stubCatalogue{fail: map[catalogue.Key]bool{phaseKey: true}}
	mem := metrics.NewMemoryObserver(0)
	e := NewEngine(stub, DefaultConfig(), WithLogger(logging.Discard()), WithObserver(mem))
	b := e.Suggest(context.Background(), alm.NewState(), transcription.Event{})
	if len(b.Groups) != 1 {
		t.Fatalf("expected one group, got %d", len(b.Groups))
	}
	if b.Groups[0].Suggestions == nil || len(b.Groups[0].Suggestions) != 0 {
		t.Fatalf("expected empty non-nil suggestions, got %#v", b.Groups[0].Suggestions)
	}
	found := false
	for _, ev := range mem.Events() {
		if ev.Name == "catalogue_lookup_failed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected lookup failure event")
	}
}

func TestClosingPhaseAfterAllPhasesComplete(t *testing.T) {
	state := alm.NewState()
	for _, p := range alm.TrackedPhases {
		state.Progress[p] = alm.MaxProgress
	}
	b := newEngine(catalogue.Default()).Suggest(context.Background(), state, transcription.Event{})
	if b.Phase != alm.PhaseClosing || b.Groups[0].Category != CategoryClosing {
		t.Fatalf("expected closing group, got %+v", b)
	}
}

func TestRapportGroupWhenNeedsImprovement(t *testing.T) {
	state := alm.NewState()
	state.Rapport = -2
	b := newEngine(catalogue.Default()).Suggest(context.Background(), state, transcription.Event{})
	g, ok := b.Group(CategoryRapport)
	if !ok || len(g.Suggestions) == 0 {
		t.Fatalf("expected rapport group, got %+v", b.Groups)
	}

	cfg := DefaultConfig()
	cfg.Rapport = false
	b = NewEngine(catalogue.Default(), cfg, WithLogger(logging.Discard())).Suggest(context.Background(), state, transcription.Event{})
	if _, ok := b.Group(CategoryRapport); ok {
		t.Fatalf("rapport group should be disabled")
	}
}

func TestSuggestDoesNotMutateState(t *testing.T) {
	state := alm.NewState()
	state.Objections = []alm.Objection{{Type: alm.ObjectionNotReady}}
	before := state.Clone()
	newEngine(catalogue.Default()).Suggest(context.Background(), state, transcription.Event{})
	if !reflect.DeepEqual(before, state) {
		t.Fatalf("state mutated by engine")
	}
}

func TestPayloadRendersPlaceholders(t *testing.T) {
	b := Bundle{Phase: alm.PhaseMotivation, Groups: []Group{{Category: CategoryMotivation, Key: "motivation", Suggestions: []string{"What interests you about [property]?"}}}}
	p := b.Payload(catalogue.NewRenderer(catalogue.Values{Property: "12 Oak St"}))
	if p.Phase != "motivation" || p.Groups[0].Suggestions[0] != "What interests you about 12 Oak St?" {
		t.Fatalf("unexpected payload %+v", p)
	}
	if b.Groups[0].Suggestions[0] != "What interests you about [property]?" {
		t.Fatalf("bundle mutated by rendering")
	}
}

func TestRepeatedTextsAreDropped(t *testing.T) {
	state := alm.NewState()
	state.Rapport = -2
	state.Objections = []alm.Objection{{Type: alm.ObjectionNotReady}}
	stub := &stubCatalogue{entries: map[catalogue.Key][]string{
		{Kind: catalogue.KindPhase, Name: "appointment"}: {
			"When works for a visit?", "Would Tuesday suit?", "When works for a visit?",
		},
		{Kind: catalogue.KindObjection, Name: "not_ready"}: {
			"No rush at all.", "Would Tuesday suit?", "No rush at all.", "What would help you decide?",
		},
		{Kind: catalogue.KindRapport, Name: "needs_improvement"}: {
			"No rush at all.", " When works for a visit? ",
		},
	}}
	b := newEngine(stub).Suggest(context.Background(), state, transcription.Event{})

	want := []Group{
		{Category: CategoryAppointment, Key: "appointment", Suggestions: []string{"When works for a visit?", "Would Tuesday suit?"}},
		{Category: CategoryObjection, Key: "not_ready", Suggestions: []string{"No rush at all.", "What would help you decide?"}},
		{Category: CategoryRapport, Key: "needs_improvement", Suggestions: []string{}},
	}
	if !reflect.DeepEqual(b.Groups, want) {
		t.Fatalf("unexpected groups\n got %+v\nwant %+v", b.Groups, want)
	}
}
