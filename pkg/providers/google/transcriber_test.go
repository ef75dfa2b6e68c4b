package google

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"

	"github.com/harunnryd/callguide/pkg/audio"
	"github.com/harunnryd/callguide/pkg/errorsx"
	"github.com/harunnryd/callguide/pkg/segmenter"
	"github.com/harunnryd/callguide/pkg/transcription"
)

type stubRecognizer struct {
	calls int
	fail  int
	last  *speechpb.RecognizeRequest
	text  string
}

func (s *stubRecognizer) Recognize(_ context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
	s.calls++
	s.last = req
	if s.calls <= s.fail {
		return nil, errors.New("unavailable")
	}
	return &speechpb.RecognizeResponse{
		Results: []*speechpb.SpeechRecognitionResult{{
			Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: s.text, Confidence: 0.8}},
		}},
	}, nil
}

func (s *stubRecognizer) Close() error { return nil }

func testSegment() *segmenter.VoiceSegment {
	return &segmenter.VoiceSegment{
		ID:         "call-1-seg-1",
		SampleRate: 8000,
		Frames:     []audio.Frame{{Samples: make([]int16, 160), SampleRate: 8000}},
	}
}

func TestTranscriberRecognizesSegment(t *testing.T) {
	stub := &stubRecognizer{fail: 1, text: "I already have an agent"}
	tr := New(Config{CallID: "call-1", MaxRetries: 2})
	tr.rec = stub
	tr.retry.Backoff = time.Millisecond
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tr.Close()

	if err := tr.Submit(testSegment()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case ev := <-tr.Results():
		if ev.SegmentID != "call-1-seg-1" || ev.Text != "I already have an agent" {
			t.Fatalf("unexpected event %+v", ev)
		}
		if ev.Speaker != transcription.SpeakerClient {
			t.Fatalf("expected client speaker, got %s", ev.Speaker)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for transcript")
	}
	if stub.calls != 2 {
		t.Fatalf("expected one retry, got %d calls", stub.calls)
	}
	if stub.last.GetConfig().GetSampleRateHertz() != 8000 || len(stub.last.GetAudio().GetContent()) != 320 {
		t.Fatalf("unexpected request %+v", stub.last.GetConfig())
	}
}

func TestTranscriberReportsFailure(t *testing.T) {
	stub := &stubRecognizer{fail: 10}
	tr := New(Config{CallID: "call-1"})
	tr.rec = stub
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tr.Close()
	_ = tr.Submit(testSegment())
	select {
	case err := <-tr.Errors():
		if errorsx.ClassOf(err) != errorsx.ClassCollaboratorUnavailable {
			t.Fatalf("expected collaborator class, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for error")
	}
}

func TestSubmitBeforeStartFails(t *testing.T) {
	tr := New(Config{})
	if err := tr.Submit(testSegment()); err == nil {
		t.Fatalf("expected error before start")
	}
}
