package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/callguide/pkg/audio"
	"github.com/harunnryd/callguide/pkg/logging"
	"github.com/harunnryd/callguide/pkg/providers/mock"
	"github.com/harunnryd/callguide/pkg/session"
	transportmock "github.com/harunnryd/callguide/pkg/transports/mock"
)

func testFactory(d *transportmock.Dialer) CallFactory {
	return func(_ context.Context, callID string, source audio.Source) (*Coordinator, error) {
		sess := session.New(callID, session.Config{URL: "mock://hub", HeartbeatInterval: time.Hour, HeartbeatGrace: time.Hour}, d, session.WithLogger(logging.Discard()))
		return NewCoordinator(callID, testConfig(), Deps{
			Session:     sess,
			Source:      source,
			Transcriber: mock.NewTranscriber(mock.TranscriberConfig{CallID: callID}),
			Logger:      logging.Discard(),
		})
	}
}

func TestCallRegistryLifecycle(t *testing.T) {
	reg := NewCallRegistry(testFactory(transportmock.NewDialer()), logging.Discard())
	src := audio.NewStreamSource(8000, 16)
	call, err := reg.Start(context.Background(), "c1", src)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := reg.Start(context.Background(), "c1", nil); !errors.Is(err, ErrCallExists) {
		t.Fatalf("expected ErrCallExists, got %v", err)
	}
	if got, ok := reg.Get("c1"); !ok || got != call || reg.Count() != 1 {
		t.Fatalf("call not registered")
	}

	src.End()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sum, err := call.Wait(ctx)
	if err != nil || sum.EndReason != string(EndSourceEOF) {
		t.Fatalf("unexpected wait result %+v err=%v", sum, err)
	}
	if !reg.WaitForEmpty(ctx, 5*time.Millisecond) {
		t.Fatalf("registry not emptied")
	}
	if _, ok := reg.Get("c1"); ok {
		t.Fatalf("finished call still registered")
	}
}

func TestCallRegistryDrainCancelsStragglers(t *testing.T) {
	reg := NewCallRegistry(testFactory(transportmock.NewDialer()), logging.Discard())
	call, err := reg.Start(context.Background(), "c2", audio.NewStreamSource(8000, 16))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := reg.Drain(ctx); err == nil {
		t.Fatalf("expected drain to time out while the call is live")
	}
	select {
	case <-call.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("call not cancelled by drain")
	}
	if _, err := reg.Start(context.Background(), "c3", nil); !errors.Is(err, ErrDraining) {
		t.Fatalf("expected ErrDraining, got %v", err)
	}
}
