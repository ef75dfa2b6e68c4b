// Package segmenter turns a stream of audio frames into voice segments using
// an RMS energy detector and a trailing-silence timeout.
package segmenter

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/callguide/pkg/audio"
	"github.com/harunnryd/callguide/pkg/errorsx"
	"github.com/harunnryd/callguide/pkg/logging"
)

// ErrEmptySegment signals a segment closed with no frames.
var ErrEmptySegment = errors.New("segment has no frames")

type Config struct {
	ThresholdDB    float64       `mapstructure:"threshold_db"`
	SilenceTimeout time.Duration `mapstructure:"silence_timeout"`
}

func (c Config) withDefaults() Config {
	if c.ThresholdDB == 0 {
		c.ThresholdDB = -45
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = 1500 * time.Millisecond
	}
	return c
}

// VoiceSegment is a contiguous run of frames that opened on a voiced frame.
// Trailing silence up to the closing frame is included.
type VoiceSegment struct {
	ID         string
	CallID     string
	Index      int
	Frames     []audio.Frame
	Start      time.Time
	LastVoiced time.Time
	End        time.Time
	SampleRate int
	PeakDB     float64
	Flushed    bool
}

// Duration sums the frame lengths.
func (s VoiceSegment) Duration() time.Duration {
	var d time.Duration
	for _, f := range s.Frames {
		d += f.Duration()
	}
	return d
}

// PCM concatenates the segment as little-endian PCM16.
func (s VoiceSegment) PCM() []byte {
	n := 0
	for _, f := range s.Frames {
		n += len(f.Samples)
	}
	samples := make([]int16, 0, n)
	for _, f := range s.Frames {
		samples = append(samples, f.Samples...)
	}
	return audio.PCM16LE(samples)
}

// Telemetry receives the level of every processed frame.
type Telemetry func(frame audio.Frame, levelDB, strength float64)

type Stats struct {
	Frames    int64
	Voiced    int64
	Discarded int64
	Segments  int64
	// StrengthSum accumulates per-frame strength for averaging.
	StrengthSum float64
}

// AvgStrength is the mean signal strength over all frames.
func (s Stats) AvgStrength() float64 {
	if s.Frames == 0 {
		return 0
	}
	return s.StrengthSum / float64(s.Frames)
}

type Option func(*Segmenter)

func WithTelemetry(fn Telemetry) Option {
	return func(s *Segmenter) { s.telemetry = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Segmenter) {
		if l != nil {
			s.logger = l
		}
	}
}

// Segmenter is owned by one call and is not safe for concurrent use.
type Segmenter struct {
	cfg       Config
	callID    string
	logger    *slog.Logger
	telemetry Telemetry

	open  *VoiceSegment
	count int
	stats Stats
}

func New(callID string, cfg Config, opts ...Option) *Segmenter {
	s := &Segmenter{cfg: cfg.withDefaults(), callID: callID, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.NewComponentLogger(s.logger, "segmenter").With("call_id", callID)
	return s
}

func (s *Segmenter) Config() Config { return s.cfg }
func (s *Segmenter) Stats() Stats   { return s.stats }

// Open reports whether a segment is in progress.
func (s *Segmenter) Open() bool { return s.open != nil }

// Push classifies one frame and returns a segment when it closes one.
func (s *Segmenter) Push(frame audio.Frame) (*VoiceSegment, error) {
	level := audio.Level(frame.Samples)
	strength := audio.Strength(level, s.cfg.ThresholdDB)
	s.stats.Frames++
	s.stats.StrengthSum += strength
	if s.telemetry != nil {
		s.telemetry(frame, level, strength)
	}

	voiced := level > s.cfg.ThresholdDB
	if voiced {
		s.stats.Voiced++
	}

	if s.open == nil {
		if !voiced {
			s.stats.Discarded++
			return nil, nil
		}
		s.count++
		s.open = &VoiceSegment{
			ID:         fmt.Sprintf("%s-seg-%d", s.callID, s.count),
			CallID:     s.callID,
			Index:      s.count,
			Start:      frame.Captured,
			SampleRate: frame.SampleRate,
			PeakDB:     level,
		}
	}

	seg := s.open
	seg.Frames = append(seg.Frames, frame)
	seg.End = frame.Captured.Add(frame.Duration())
	if level > seg.PeakDB {
		seg.PeakDB = level
	}
	if voiced {
		seg.LastVoiced = frame.Captured
		return nil, nil
	}
	if frame.Captured.Sub(seg.LastVoiced) >= s.cfg.SilenceTimeout {
		return s.close(false)
	}
	return nil, nil
}

// Flush emits the open segment, if any, as-is. Call it when the stream ends.
func (s *Segmenter) Flush() (*VoiceSegment, error) {
	if s.open == nil {
		return nil, nil
	}
	return s.close(true)
}

func (s *Segmenter) close(flushed bool) (*VoiceSegment, error) {
	seg := s.open
	s.open = nil
	if len(seg.Frames) == 0 {
		s.logger.Error("segment_empty", "segment_id", seg.ID)
		return nil, errorsx.Wrap(fmt.Errorf("%w: %s", ErrEmptySegment, seg.ID), errorsx.ReasonEmptySegment)
	}
	seg.Flushed = flushed
	s.stats.Segments++
	s.logger.Debug("segment_emitted",
		"segment_id", seg.ID,
		"frames", len(seg.Frames),
		"duration_ms", seg.Duration().Milliseconds(),
		"flushed", flushed,
	)
	return seg, nil
}
