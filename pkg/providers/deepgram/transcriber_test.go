package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"

	"github.com/harunnryd/callguide/pkg/audio"
	"github.com/harunnryd/callguide/pkg/errorsx"
	"github.com/harunnryd/callguide/pkg/segmenter"
	"github.com/harunnryd/callguide/pkg/transcription"
)

func message(t *testing.T, raw string) *msginterfaces.MessageResponse {
	t.Helper()
	var mr msginterfaces.MessageResponse
	if err := json.Unmarshal([]byte(raw), &mr); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return &mr
}

func TestCallbackEmitsFinalResults(t *testing.T) {
	tr := New(Config{CallID: "c1", MinConfidence: 0.5})
	tr.current = "c1-seg-1"
	cb := &callback{parent: tr}

	msgs := []string{
		`{"is_final":false,"channel":{"alternatives":[{"transcript":"interim words","confidence":0.9}]}}`,
		`{"is_final":true,"channel":{"alternatives":[{"transcript":"mumble","confidence":0.2}]}}`,
		`{"is_final":true,"channel":{"alternatives":[]}}`,
		`{"is_final":true,"channel":{"alternatives":[{"transcript":"I already have an agent","confidence":0.93}]}}`,
	}
	for _, raw := range msgs {
		if err := cb.Message(message(t, raw)); err != nil {
			t.Fatalf("message: %v", err)
		}
	}

	select {
	case ev := <-tr.Results():
		if ev.Text != "I already have an agent" || ev.SegmentID != "c1-seg-1" || ev.CallID != "c1" {
			t.Fatalf("unexpected event %+v", ev)
		}
		if ev.Speaker != transcription.SpeakerClient {
			t.Fatalf("expected client speaker, got %s", ev.Speaker)
		}
	default:
		t.Fatalf("expected one final transcript")
	}
	select {
	case ev := <-tr.Results():
		t.Fatalf("unexpected extra event %+v", ev)
	default:
	}
}

func TestSubmitBeforeStart(t *testing.T) {
	tr := New(Config{})
	err := tr.Submit(&segmenter.VoiceSegment{ID: "s1"})
	if !errorsx.HasReason(err, errorsx.ReasonSTTSend) {
		t.Fatalf("expected stt_send reason, got %v", err)
	}
	if tr.cfg.Model != "nova-2" || tr.cfg.SampleRate != 8000 {
		t.Fatalf("defaults not applied: %+v", tr.cfg)
	}
}

func TestCallbackErrorReported(t *testing.T) {
	tr := New(Config{})
	_ = (&callback{parent: tr}).Error(&msginterfaces.ErrorResponse{ErrCode: "NET-0001", ErrMsg: "socket closed"})
	select {
	case err := <-tr.Errors():
		if errorsx.Reason(err) != errorsx.ReasonSTTRecognize {
			t.Fatalf("unexpected reason %v", err)
		}
	default:
		t.Fatalf("expected error on channel")
	}
}

func TestCloseUnblocksPendingWrite(t *testing.T) {
	cases := []struct {
		name    string
		stream  func(tr *Transcriber) func(io.Reader) error
		wantErr bool
	}{
		{
			name: "stream returns without reading",
			stream: func(*Transcriber) func(io.Reader) error {
				return func(io.Reader) error { return nil }
			},
		},
		{
			name: "stream fails",
			stream: func(*Transcriber) func(io.Reader) error {
				return func(io.Reader) error { return errors.New("socket closed") }
			},
			wantErr: true,
		},
		{
			name: "stream stalls until cancelled",
			stream: func(tr *Transcriber) func(io.Reader) error {
				return func(io.Reader) error {
					<-tr.ctx.Done()
					return nil
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := New(Config{CallID: "c1"})
			tr.ctx, tr.cancel = context.WithCancel(context.Background())
			tr.pipeReader, tr.pipeWriter = io.Pipe()
			tr.run(tc.stream(tr))

			seg := &segmenter.VoiceSegment{
				ID:         "c1-seg-1",
				CallID:     "c1",
				SampleRate: 8000,
				Frames:     []audio.Frame{{Seq: 1, Samples: make([]int16, 8000), SampleRate: 8000}},
			}
			if err := tr.Submit(seg); err != nil {
				t.Fatalf("submit: %v", err)
			}
			time.Sleep(50 * time.Millisecond)

			done := make(chan struct{})
			go func() {
				_ = tr.Close()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatalf("close blocked on pending audio write")
			}
			if _, ok := <-tr.Results(); ok {
				t.Fatalf("expected results channel closed")
			}
			if tc.wantErr {
				select {
				case err := <-tr.Errors():
					if !errorsx.HasReason(err, errorsx.ReasonSTTSend) {
						t.Fatalf("unexpected error %v", err)
					}
				default:
					t.Fatalf("expected stream failure on error channel")
				}
			}
		})
	}
}
