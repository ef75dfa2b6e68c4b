// Package catalogue serves the script text the suggestion engine draws from.
package catalogue

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrNotFound = errors.New("catalogue entry not found")

type Kind string

const (
	KindPhase     Kind = "phase"
	KindObjection Kind = "objection"
	KindRapport   Kind = "rapport"
)

type Key struct {
	Kind Kind
	Name string
}

func (k Key) String() string { return string(k.Kind) + ":" + k.Name }

// Catalogue returns ordered template strings for a phase, objection type or
// rapport bucket. Placeholders are left untouched.
type Catalogue interface {
	Lookup(ctx context.Context, key Key) ([]string, error)
}

//go:embed default.yaml
var defaultYAML []byte

type document struct {
	Phases     map[string][]string `yaml:"phases"`
	Objections map[string][]string `yaml:"objections"`
	Rapport    map[string][]string `yaml:"rapport"`
}

// Static is an immutable in-memory catalogue.
type Static struct {
	entries map[Key][]string
}

// Default returns the built-in catalogue.
func Default() *Static {
	s, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("default catalogue: %v", err))
	}
	return s
}

// Load reads a YAML catalogue file.
func Load(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalogue %s: %w", path, err)
	}
	return s, nil
}

func Parse(data []byte) (*Static, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	s := &Static{entries: make(map[Key][]string)}
	add := func(kind Kind, m map[string][]string) {
		for name, texts := range m {
			key := Key{Kind: kind, Name: normalize(name)}
			for _, t := range texts {
				if t = strings.TrimSpace(t); t != "" {
					s.entries[key] = append(s.entries[key], t)
				}
			}
		}
	}
	add(KindPhase, doc.Phases)
	add(KindObjection, doc.Objections)
	add(KindRapport, doc.Rapport)
	if len(s.entries) == 0 {
		return nil, errors.New("catalogue is empty")
	}
	return s, nil
}

func (s *Static) Lookup(ctx context.Context, key Key) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	texts, ok := s.entries[Key{Kind: key.Kind, Name: normalize(key.Name)}]
	if !ok || len(texts) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]string(nil), texts...), nil
}

func normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(name)
}

var _ Catalogue = (*Static)(nil)
