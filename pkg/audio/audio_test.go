package audio

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/harunnryd/callguide/pkg/errorsx"
	"github.com/harunnryd/callguide/pkg/wire"
)

func tone(n int, amp int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = amp
		} else {
			out[i] = -amp
		}
	}
	return out
}

func TestLevelFullScaleAndSilence(t *testing.T) {
	if got := Level(make([]int16, 160)); got != FloorDB {
		t.Fatalf("expected floor for silence, got %f", got)
	}
	if got := Level(tone(160, 32767)); math.Abs(got) > 0.01 {
		t.Fatalf("expected ~0 dBFS for full scale, got %f", got)
	}
	half := Level(tone(160, 16384))
	if math.Abs(half-(-6.02)) > 0.05 {
		t.Fatalf("expected ~-6 dBFS, got %f", half)
	}
}

func TestStrengthIsClamped(t *testing.T) {
	cases := []struct {
		level, want float64
	}{
		{-60, 0},
		{-45, 0},
		{-22.5, 0.5},
		{0, 1},
		{3, 1},
	}
	for _, tc := range cases {
		if got := Strength(tc.level, -45); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("strength(%f): expected %f, got %f", tc.level, tc.want, got)
		}
	}
}

func TestMuLawKnownValues(t *testing.T) {
	pcm := MuLawToPCM([]byte{0xFF, 0x7F, 0x00, 0x80})
	if pcm[0] != 0 || pcm[1] != 0 {
		t.Fatalf("expected zero for 0xFF/0x7F, got %v", pcm[:2])
	}
	if pcm[2] != -32124 || pcm[3] != 32124 {
		t.Fatalf("expected full-scale extremes, got %v", pcm[2:])
	}
}

func TestPCMRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768}
	out := DecodePCM16LE(PCM16LE(in))
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, in[i], out[i])
		}
	}
}

func TestFrameDuration(t *testing.T) {
	f := Frame{Samples: make([]int16, 160), SampleRate: 8000}
	if f.Duration() != 20*time.Millisecond {
		t.Fatalf("expected 20ms, got %s", f.Duration())
	}
}

func TestStreamSourceDrainsBeforeEOF(t *testing.T) {
	src := NewStreamSource(8000, 4)
	ctx := context.Background()
	if err := src.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	data := base64.StdEncoding.EncodeToString(PCM16LE(tone(160, 1000)))
	if err := src.PushChunk(wire.AudioChunk{Seq: 7, SampleRate: 8000, Encoding: "pcm16", Data: data}, time.Now()); err != nil {
		t.Fatalf("push chunk: %v", err)
	}
	src.PushMuLaw([]byte{0xFF, 0xFF}, time.Time{})
	src.End()

	f, err := src.ReadFrame(ctx)
	if err != nil || f.Seq != 7 || len(f.Samples) != 160 {
		t.Fatalf("unexpected first frame seq=%d n=%d err=%v", f.Seq, len(f.Samples), err)
	}
	f, err = src.ReadFrame(ctx)
	if err != nil || f.Seq != 8 || f.SampleRate != 8000 {
		t.Fatalf("unexpected second frame seq=%d rate=%d err=%v", f.Seq, f.SampleRate, err)
	}
	if _, err := src.ReadFrame(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if src.PushMuLaw([]byte{0xFF}, time.Now()) {
		t.Fatalf("expected push after end to be rejected")
	}
}

func TestStreamSourceRejectsBadChunk(t *testing.T) {
	src := NewStreamSource(8000, 4)
	err := src.PushChunk(wire.AudioChunk{Data: "%%%"}, time.Now())
	if errorsx.ClassOf(err) != errorsx.ClassMalformed {
		t.Fatalf("expected malformed, got %v", err)
	}
	err = src.PushChunk(wire.AudioChunk{Encoding: "opus", Data: ""}, time.Now())
	if !errorsx.HasReason(err, errorsx.ReasonAudioDecode) {
		t.Fatalf("expected audio decode reason, got %v", err)
	}
}

func TestStreamSourceDropsWhenFull(t *testing.T) {
	src := NewStreamSource(8000, 1)
	src.PushSamples(-1, tone(10, 1), 0, time.Now())
	if src.PushSamples(-1, tone(10, 1), 0, time.Now()) {
		t.Fatalf("expected drop on full buffer")
	}
	if src.Dropped() != 1 {
		t.Fatalf("expected 1 dropped, got %d", src.Dropped())
	}
}
