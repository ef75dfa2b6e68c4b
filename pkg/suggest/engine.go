// Package suggest turns conversation state into grouped candidate responses.
package suggest

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/callguide/pkg/alm"
	"github.com/harunnryd/callguide/pkg/catalogue"
	"github.com/harunnryd/callguide/pkg/errorsx"
	"github.com/harunnryd/callguide/pkg/logging"
	"github.com/harunnryd/callguide/pkg/metrics"
	"github.com/harunnryd/callguide/pkg/transcription"
	"github.com/harunnryd/callguide/pkg/wire"
)

type Category string

const (
	CategoryAppointment Category = "appointment"
	CategoryLocation    Category = "location"
	CategoryMotivation  Category = "motivation"
	CategoryClosing     Category = "closing"
	CategoryObjection   Category = "objection"
	CategoryRapport     Category = "rapport"
)

// NeedsImprovement is the rapport label that adds a re-framing group.
const NeedsImprovement = "Needs Improvement"

// Group is one category of suggestions in catalogue order. Suggestions is
// empty, never nil, when the catalogue had nothing to offer.
type Group struct {
	Category    Category
	Key         string
	Suggestions []string
}

// Bundle is derived fresh from a state snapshot and never stored.
type Bundle struct {
	CallID    string
	SegmentID string
	Phase     alm.Phase
	Groups    []Group
	At        time.Time
}

// Group returns the first group with the given category.
func (b Bundle) Group(c Category) (Group, bool) {
	for _, g := range b.Groups {
		if g.Category == c {
			return g, true
		}
	}
	return Group{}, false
}

// Payload converts the bundle for the suggestions envelope, filling
// placeholders when a renderer is given.
func (b Bundle) Payload(r *catalogue.Renderer) wire.Suggestions {
	out := wire.Suggestions{Phase: string(b.Phase), Groups: make([]wire.SuggestionGroup, 0, len(b.Groups))}
	for _, g := range b.Groups {
		texts := g.Suggestions
		if r != nil {
			texts = r.RenderAll(texts)
		}
		out.Groups = append(out.Groups, wire.SuggestionGroup{
			Category:    string(g.Category),
			Key:         g.Key,
			Suggestions: append([]string{}, texts...),
		})
	}
	return out
}

type Config struct {
	LookupTimeout time.Duration `mapstructure:"lookup_timeout"`
	// Rapport enables the re-framing group for poor rapport.
	Rapport bool `mapstructure:"rapport"`
}

func DefaultConfig() Config {
	return Config{LookupTimeout: 200 * time.Millisecond, Rapport: true}
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithObserver(o metrics.Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// Engine reads state and never mutates it.
type Engine struct {
	cat      catalogue.Catalogue
	cfg      Config
	logger   *slog.Logger
	observer metrics.Observer
	now      func() time.Time
}

func NewEngine(cat catalogue.Catalogue, cfg Config, opts ...Option) *Engine {
	if cat == nil {
		cat = catalogue.Default()
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultConfig().LookupTimeout
	}
	e := &Engine{
		cat:      cat,
		cfg:      cfg,
		logger:   logging.NewComponentLogger(nil, "suggest"),
		observer: metrics.NoopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Suggest builds the bundle for state: the current phase group first, then
// a group for the most recent objection, then a rapport group when the
// rapport label is NeedsImprovement. A text appears at most once per
// bundle, in the earliest group that offers it.
func (e *Engine) Suggest(ctx context.Context, state alm.State, ev transcription.Event) Bundle {
	phase := state.CurrentPhase()
	b := Bundle{
		CallID:    ev.CallID,
		SegmentID: ev.SegmentID,
		Phase:     phase,
		At:        e.now(),
	}
	seen := make(map[string]bool)
	b.Groups = append(b.Groups, e.group(ctx, Category(phase), catalogue.Key{Kind: catalogue.KindPhase, Name: string(phase)}, seen))
	if obj, ok := state.LatestObjection(); ok {
		b.Groups = append(b.Groups, e.group(ctx, CategoryObjection, catalogue.Key{Kind: catalogue.KindObjection, Name: string(obj.Type)}, seen))
	}
	if e.cfg.Rapport && state.RapportLabel() == NeedsImprovement {
		b.Groups = append(b.Groups, e.group(ctx, CategoryRapport, catalogue.Key{Kind: catalogue.KindRapport, Name: "needs_improvement"}, seen))
	}

	total := 0
	for _, g := range b.Groups {
		total += len(g.Suggestions)
	}
	e.observer.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventSuggestions,
		Time:   b.At,
		Value:  float64(total),
		Tags:   map[string]string{"call_id": ev.CallID, "segment_id": ev.SegmentID, "phase": string(phase)},
		Fields: map[string]any{"groups": len(b.Groups)},
	})
	return b
}

// group looks key up and keeps, in catalogue order, the texts not already
// in seen. Kept texts are added to seen.
func (e *Engine) group(ctx context.Context, cat Category, key catalogue.Key, seen map[string]bool) Group {
	g := Group{Category: cat, Key: key.Name, Suggestions: []string{}}
	lctx, cancel := context.WithTimeout(ctx, e.cfg.LookupTimeout)
	defer cancel()
	texts, err := e.cat.Lookup(lctx, key)
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonCatalogLookup)
		e.logger.Warn("catalogue_lookup_failed", "key", key.String(), "reason", errorsx.Reason(err), "error", err)
		e.observer.RecordEvent(metrics.MetricsEvent{
			Name: metrics.EventCatalogueFailed,
			Time: e.now(),
			Tags: map[string]string{"kind": string(key.Kind), "name": key.Name},
		})
		return g
	}
	for _, text := range texts {
		norm := strings.TrimSpace(text)
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		g.Suggestions = append(g.Suggestions, text)
	}
	return g
}
