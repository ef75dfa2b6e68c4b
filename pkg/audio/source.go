package audio

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/callguide/pkg/errorsx"
	"github.com/harunnryd/callguide/pkg/wire"
)

// Source is a platform audio capture. ReadFrame returns io.EOF once the
// capture has ended and every buffered frame was read.
type Source interface {
	Open(ctx context.Context) error
	ReadFrame(ctx context.Context) (Frame, error)
	Close() error
}

// StreamSource is a Source fed by pushes from a network ingress: hub
// audio-chunk envelopes or telephony media streams. Pushes never block;
// when the reader falls behind, new frames are dropped and counted.
type StreamSource struct {
	rate    int
	frames  chan Frame
	ended   chan struct{}
	endOnce sync.Once
	mu      sync.Mutex
	seq     int64
	dropped atomic.Int64
}

func NewStreamSource(sampleRate, buffer int) *StreamSource {
	if sampleRate <= 0 {
		sampleRate = 8000
	}
	if buffer <= 0 {
		buffer = 512
	}
	return &StreamSource{
		rate:   sampleRate,
		frames: make(chan Frame, buffer),
		ended:  make(chan struct{}),
	}
}

func (s *StreamSource) Open(ctx context.Context) error { return ctx.Err() }

func (s *StreamSource) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	default:
	}
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case f := <-s.frames:
		return f, nil
	case <-s.ended:
		select {
		case f := <-s.frames:
			return f, nil
		default:
			return Frame{}, io.EOF
		}
	}
}

// End marks the capture finished. Buffered frames remain readable.
func (s *StreamSource) End() {
	s.endOnce.Do(func() { close(s.ended) })
}

func (s *StreamSource) Close() error {
	s.End()
	return nil
}

// Dropped counts frames lost to a full buffer.
func (s *StreamSource) Dropped() int64 { return s.dropped.Load() }

// PushSamples appends one frame. Seq is assigned when seq < 0.
func (s *StreamSource) PushSamples(seq int64, samples []int16, rate int, at time.Time) bool {
	select {
	case <-s.ended:
		return false
	default:
	}
	if rate <= 0 {
		rate = s.rate
	}
	if at.IsZero() {
		at = time.Now()
	}
	s.mu.Lock()
	if seq < 0 {
		s.seq++
		seq = s.seq
	} else if seq > s.seq {
		s.seq = seq
	}
	s.mu.Unlock()
	select {
	case s.frames <- Frame{Seq: seq, Captured: at, Samples: samples, SampleRate: rate}:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// PushMuLaw decodes G.711 µ-law bytes into one frame.
func (s *StreamSource) PushMuLaw(payload []byte, at time.Time) bool {
	return s.PushSamples(-1, MuLawToPCM(payload), 8000, at)
}

// PushChunk decodes an audio-chunk payload into one frame.
func (s *StreamSource) PushChunk(chunk wire.AudioChunk, at time.Time) error {
	raw, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("audio chunk %d: %w", chunk.Seq, err), errorsx.ReasonAudioDecode)
	}
	var samples []int16
	rate := chunk.SampleRate
	switch strings.ToLower(strings.TrimSpace(chunk.Encoding)) {
	case "", "pcm16", "pcm", "linear16":
		samples = DecodePCM16LE(raw)
	case "mulaw", "ulaw", "pcmu":
		samples = MuLawToPCM(raw)
		if rate <= 0 {
			rate = 8000
		}
	default:
		return errorsx.Wrap(fmt.Errorf("audio chunk %d: unsupported encoding %q", chunk.Seq, chunk.Encoding), errorsx.ReasonAudioDecode)
	}
	s.PushSamples(int64(chunk.Seq), samples, rate, at)
	return nil
}
