package callguide

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/harunnryd/callguide/pkg/configutil"
	"github.com/harunnryd/callguide/pkg/providers/deepgram"
	"github.com/harunnryd/callguide/pkg/providers/google"
	"github.com/harunnryd/callguide/pkg/providers/mock"
	"github.com/harunnryd/callguide/pkg/transcription"
)

// TranscriberFactory builds a transcriber for one call from the provider
// settings map.
type TranscriberFactory func(settings map[string]any, callID string) (transcription.Transcriber, error)

type ProviderRegistry struct {
	transcribers map[string]TranscriberFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{transcribers: make(map[string]TranscriberFactory)}
}

// DefaultProviderRegistry knows mock, deepgram and google.
func DefaultProviderRegistry() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterTranscriber("mock", newMockTranscriber)
	r.RegisterTranscriber("deepgram", newDeepgramTranscriber)
	r.RegisterTranscriber("google", newGoogleTranscriber)
	return r
}

func (r *ProviderRegistry) RegisterTranscriber(name string, factory TranscriberFactory) {
	r.transcribers[providerKey(name)] = factory
}

func (r *ProviderRegistry) BuildTranscriber(provider string, settings map[string]any, callID string) (transcription.Transcriber, error) {
	fn := r.transcribers[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("transcriber provider not registered: %s", provider)
	}
	return fn(settings, callID)
}

// Has reports whether provider is registered.
func (r *ProviderRegistry) Has(provider string) bool {
	_, ok := r.transcribers[providerKey(provider)]
	return ok
}

func (r *ProviderRegistry) Names() []string {
	out := make([]string, 0, len(r.transcribers))
	for name := range r.transcribers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

var (
	mockSchema = configutil.Schema{
		Optional: []string{"replies", "default", "speaker", "confidence", "delay", "fail_first"},
	}
	deepgramSchema = configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "sample_rate", "utterance_end_ms", "backlog", "min_confidence", "connect_timeout"},
	}
	googleSchema = configutil.Schema{
		Optional: []string{"credentials_file", "language", "model", "request_timeout", "max_retries", "backlog"},
	}
)

type mockSettings struct {
	Replies    []string      `mapstructure:"replies"`
	Default    string        `mapstructure:"default"`
	Speaker    string        `mapstructure:"speaker"`
	Confidence float64       `mapstructure:"confidence"`
	Delay      time.Duration `mapstructure:"delay"`
	FailFirst  int           `mapstructure:"fail_first"`
}

func newMockTranscriber(settings map[string]any, callID string) (transcription.Transcriber, error) {
	if err := configutil.ValidateSettings(settings, mockSchema); err != nil {
		return nil, fmt.Errorf("transcriber.settings (mock): %w", err)
	}
	var s mockSettings
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, fmt.Errorf("transcriber.settings (mock): %w", err)
	}
	return mock.NewTranscriber(mock.TranscriberConfig{
		CallID:     callID,
		Replies:    s.Replies,
		Default:    s.Default,
		Speaker:    transcription.Speaker(s.Speaker),
		Confidence: s.Confidence,
		Delay:      s.Delay,
		FailFirst:  s.FailFirst,
	}), nil
}

func newDeepgramTranscriber(settings map[string]any, callID string) (transcription.Transcriber, error) {
	if err := configutil.ValidateSettings(settings, deepgramSchema); err != nil {
		return nil, fmt.Errorf("transcriber.settings (deepgram): %w", err)
	}
	var cfg deepgram.Config
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return nil, fmt.Errorf("transcriber.settings (deepgram): %w", err)
	}
	cfg.CallID = callID
	return deepgram.New(cfg), nil
}

func newGoogleTranscriber(settings map[string]any, callID string) (transcription.Transcriber, error) {
	if err := configutil.ValidateSettings(settings, googleSchema); err != nil {
		return nil, fmt.Errorf("transcriber.settings (google): %w", err)
	}
	var cfg google.Config
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return nil, fmt.Errorf("transcriber.settings (google): %w", err)
	}
	cfg.CallID = callID
	return google.New(cfg), nil
}
