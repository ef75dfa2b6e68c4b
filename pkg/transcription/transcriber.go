// Package transcription defines the speech-to-text collaborator contract and
// the transcript events it produces.
package transcription

import (
	"context"
	"time"

	"github.com/harunnryd/callguide/pkg/segmenter"
)

// Event is one transcript result. Immutable once created.
type Event struct {
	CallID     string
	SegmentID  string
	Speaker    Speaker
	Text       string
	Timestamp  time.Time
	Confidence float64
}

// Transcriber accepts voice segments and emits transcript events, possibly
// late and out of capture order. Failures arrive on Errors.
type Transcriber interface {
	// Name returns the provider name for logs and metrics.
	Name() string
	// Start opens any provider connection.
	Start(ctx context.Context) error
	// Submit hands over one closed segment. It must not block on the network.
	Submit(seg *segmenter.VoiceSegment) error
	// Results streams transcript events.
	Results() <-chan Event
	// Errors streams asynchronous provider failures.
	Errors() <-chan error
	// Close releases the provider and closes Results.
	Close() error
}

// Config contains vendor-agnostic transcription configuration.
type Config struct {
	CallID     string
	SampleRate int
	Language   string
}
