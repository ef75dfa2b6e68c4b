package catalogue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultCatalogueCoversEveryPhaseAndObjection(t *testing.T) {
	cat := Default()
	ctx := context.Background()
	for _, name := range []string{"appointment", "location", "motivation", "closing"} {
		texts, err := cat.Lookup(ctx, Key{Kind: KindPhase, Name: name})
		if err != nil || len(texts) == 0 {
			t.Fatalf("phase %s: expected entries, err=%v", name, err)
		}
	}
	for _, name := range []string{"already_has_agent", "listing_agent", "quick_question", "pending_property", "out_of_town", "not_ready"} {
		if _, err := cat.Lookup(ctx, Key{Kind: KindObjection, Name: name}); err != nil {
			t.Fatalf("objection %s: %v", name, err)
		}
	}
	if _, err := cat.Lookup(ctx, Key{Kind: KindRapport, Name: "Needs Improvement"}); err != nil {
		t.Fatalf("rapport lookup: %v", err)
	}
}

func TestLookupPreservesOrderAndCopies(t *testing.T) {
	cat, err := Parse([]byte("phases:\n  appointment:\n    - first\n    - second\n    - '  '\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	texts, _ := cat.Lookup(context.Background(), Key{Kind: KindPhase, Name: "appointment"})
	if len(texts) != 2 || texts[0] != "first" || texts[1] != "second" {
		t.Fatalf("unexpected texts %v", texts)
	}
	texts[0] = "changed"
	again, _ := cat.Lookup(context.Background(), Key{Kind: KindPhase, Name: "appointment"})
	if again[0] != "first" {
		t.Fatalf("lookup result aliases catalogue")
	}
	if _, err := cat.Lookup(context.Background(), Key{Kind: KindPhase, Name: "location"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalogue.yaml")
	if err := os.WriteFile(path, []byte("objections:\n  not_ready:\n    - take your time\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cat, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	texts, err := cat.Lookup(context.Background(), Key{Kind: KindObjection, Name: "not-ready"})
	if err != nil || texts[0] != "take your time" {
		t.Fatalf("unexpected lookup %v err=%v", texts, err)
	}
	if _, err := Parse([]byte("{}")); err == nil {
		t.Fatalf("expected empty catalogue error")
	}
}

func TestRendererFillsKnownPlaceholders(t *testing.T) {
	values := Values{AgentName: "Dana", Property: "12 Oak St"}.Merge(Values{Brokerage: "Acme Realty", AgentName: "Default"})
	r := NewRenderer(values)
	got := r.Render("Hi, this is [agent name] with [brokerage] about [property] at [price] [unknown]")
	want := "Hi, this is Dana with Acme Realty about 12 Oak St at [price] [unknown]"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if FormatInt(0) != "" || FormatInt(3) != "3" {
		t.Fatalf("unexpected FormatInt output")
	}
}
