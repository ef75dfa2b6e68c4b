package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/callguide/pkg/segmenter"
	"github.com/harunnryd/callguide/pkg/transcription"
)

func TestTranscriberRepliesInOrder(t *testing.T) {
	tr := NewTranscriber(TranscriberConfig{
		CallID:    "call-1",
		Replies:   []string{"", "when would you like to see it", "what area are you in"},
		FailFirst: 1,
	})
	if err := tr.Submit(&segmenter.VoiceSegment{ID: "x"}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, id := range []string{"s1", "s2", "s3"} {
		if err := tr.Submit(&segmenter.VoiceSegment{ID: id}); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	select {
	case err := <-tr.Errors():
		if !errors.Is(err, ErrScripted) {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for scripted failure")
	}
	for _, want := range []string{"s2", "s3"} {
		select {
		case ev := <-tr.Results():
			if ev.SegmentID != want {
				t.Fatalf("expected %s, got %s", want, ev.SegmentID)
			}
			if ev.CallID != "call-1" || ev.Confidence != 0.9 {
				t.Fatalf("unexpected event %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
	if got := tr.Submitted(); len(got) != 3 {
		t.Fatalf("expected 3 submitted, got %v", got)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-tr.Results(); ok {
		t.Fatalf("expected results closed")
	}
}

func TestTranscriberGuessesSpeaker(t *testing.T) {
	tr := NewTranscriber(TranscriberConfig{Replies: []string{"Hi, this is Sam with Realty One"}})
	_ = tr.Start(context.Background())
	defer tr.Close()
	_ = tr.Submit(&segmenter.VoiceSegment{ID: "s1"})
	select {
	case ev := <-tr.Results():
		if ev.Speaker != transcription.SpeakerAgent {
			t.Fatalf("expected agent, got %s", ev.Speaker)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout")
	}
}

func TestTranscriberPerSegmentDelaysReorder(t *testing.T) {
	tr := NewTranscriber(TranscriberConfig{
		Replies: []string{"first", "second"},
		Delays:  []time.Duration{150 * time.Millisecond, 0},
	})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tr.Close()
	for _, id := range []string{"s1", "s2"} {
		if err := tr.Submit(&segmenter.VoiceSegment{ID: id}); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	for _, want := range []string{"s2", "s1"} {
		select {
		case ev := <-tr.Results():
			if ev.SegmentID != want {
				t.Fatalf("expected %s, got %s", want, ev.SegmentID)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}
