package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/harunnryd/callguide/pkg/errorsx"
	"github.com/harunnryd/callguide/pkg/logging"
	"github.com/harunnryd/callguide/pkg/transports/mock"
	"github.com/harunnryd/callguide/pkg/wire"
)

func testConfig() Config {
	return Config{
		URL:               "mock://hub",
		ConnectTimeout:    time.Second,
		HeartbeatInterval: time.Hour,
		HeartbeatGrace:    time.Hour,
		BackoffBase:       20 * time.Millisecond,
		BackoffMax:        80 * time.Millisecond,
		MaxAttempts:       5,
		QueueSize:         16,
	}
}

func newTestSession(t *testing.T, cfg Config, d *mock.Dialer) *Session {
	t.Helper()
	s := New("test", cfg, d, WithLogger(logging.Discard()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func waitPeer(t *testing.T, d *mock.Dialer) *mock.Peer {
	t.Helper()
	select {
	case p := <-d.Peers():
		return p
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for connection")
	}
	return nil
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected state %s, got %s", want, s.State())
}

func waitNotice(t *testing.T, s *Session, kind NoticeKind) Notice {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case n := <-s.Notices():
			if n.Kind == kind {
				return n
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s notice", kind)
		}
	}
}

func readEnvelope(t *testing.T, p *mock.Peer) wire.Envelope {
	t.Helper()
	select {
	case data := <-p.Sent():
		env, err := wire.Decode(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for envelope")
	}
	return wire.Envelope{}
}

func mustEnvelope(t *testing.T, typ wire.Type, payload any) wire.Envelope {
	t.Helper()
	env, err := wire.New(typ, payload)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	return env
}

func TestSessionConnectAndSend(t *testing.T) {
	d := mock.NewDialer()
	s := newTestSession(t, testConfig(), d)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if s.State() != StateConnected {
		t.Fatalf("expected connected, got %s", s.State())
	}
	peer := waitPeer(t, d)

	if err := s.Send(mustEnvelope(t, wire.TypeTranscription, wire.Transcription{Text: "hello"})); err != nil {
		t.Fatalf("send: %v", err)
	}
	env := readEnvelope(t, peer)
	if env.Type != wire.TypeTranscription {
		t.Fatalf("expected transcription, got %s", env.Type)
	}
	var tr wire.Transcription
	if err := env.DecodePayload(&tr); err != nil || tr.Text != "hello" {
		t.Fatalf("unexpected payload %+v err=%v", tr, err)
	}
}

func TestSessionQueuedSendsSurviveReconnect(t *testing.T) {
	d := mock.NewDialer()
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatGrace = time.Second
	s := newTestSession(t, cfg, d)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	first := waitPeer(t, d)

	d.FailNext(1)
	first.Drop()
	waitState(t, s, StateReconnecting)
	waitNotice(t, s, NoticeInterrupted)

	for i := 1; i <= 3; i++ {
		if err := s.Send(mustEnvelope(t, wire.TypeTranscription, wire.Transcription{Text: fmt.Sprintf("msg-%d", i)})); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	second := waitPeer(t, d)
	for i := 1; i <= 3; i++ {
		env := readEnvelope(t, second)
		if env.Type != wire.TypeTranscription {
			t.Fatalf("message %d: expected transcription before any heartbeat, got %s", i, env.Type)
		}
		var tr wire.Transcription
		_ = env.DecodePayload(&tr)
		if want := fmt.Sprintf("msg-%d", i); tr.Text != want {
			t.Fatalf("expected %s, got %s", want, tr.Text)
		}
	}
	restored := waitNotice(t, s, NoticeRestored)
	if restored.Attempt != 2 {
		t.Fatalf("expected restore on attempt 2, got %d", restored.Attempt)
	}
	if got := d.Dials(); got != 3 {
		t.Fatalf("expected 3 dials, got %d", got)
	}
}

func TestSessionFailsAfterRetryBudget(t *testing.T) {
	d := mock.NewDialer()
	d.FailAll(true)
	cfg := testConfig()
	cfg.BackoffBase = 2 * time.Millisecond
	cfg.BackoffMax = 8 * time.Millisecond
	s := newTestSession(t, cfg, d)

	err := s.Connect(context.Background())
	if err == nil {
		t.Fatalf("expected connect error")
	}
	if errorsx.ClassOf(err) != errorsx.ClassTransient {
		t.Fatalf("expected transient class, got %s", errorsx.ClassOf(err))
	}

	n := waitNotice(t, s, NoticeFailed)
	if !errorsx.HasReason(n.Err, errorsx.ReasonTransportExhausted) {
		t.Fatalf("expected exhausted reason, got %v", n.Err)
	}
	select {
	case <-s.Failed():
	default:
		t.Fatalf("expected failed channel closed")
	}
	if s.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", s.State())
	}
	if got := d.Dials(); got != 6 {
		t.Fatalf("expected 6 dials, got %d", got)
	}

	time.Sleep(50 * time.Millisecond)
	for {
		select {
		case extra := <-s.Notices():
			if extra.Kind == NoticeFailed {
				t.Fatalf("expected a single failed notice")
			}
			continue
		default:
		}
		break
	}
	if err := s.Send(mustEnvelope(t, wire.TypeTranscription, nil)); !errors.Is(err, ErrFailed) {
		t.Fatalf("expected ErrFailed on send, got %v", err)
	}
}

func TestSessionHeartbeatTimeoutReconnects(t *testing.T) {
	d := mock.NewDialer()
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatGrace = 20 * time.Millisecond
	s := newTestSession(t, cfg, d)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	first := waitPeer(t, d)
	if env := readEnvelope(t, first); env.Type != wire.TypeHeartbeat {
		t.Fatalf("expected heartbeat, got %s", env.Type)
	}

	n := waitNotice(t, s, NoticeInterrupted)
	if !errorsx.HasReason(n.Err, errorsx.ReasonTransportHeartbeat) {
		t.Fatalf("expected heartbeat reason, got %v", n.Err)
	}
	waitPeer(t, d)
	if s.Stats().HeartbeatTimeouts < 1 {
		t.Fatalf("expected heartbeat timeout counted")
	}
}

func TestSessionHeartbeatAckKeepsLink(t *testing.T) {
	d := mock.NewDialer()
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatGrace = 30 * time.Millisecond
	s := newTestSession(t, cfg, d)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	peer := waitPeer(t, d)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case data := <-peer.Sent():
				env, err := wire.Decode(data)
				if err != nil || env.Type != wire.TypeHeartbeat {
					continue
				}
				peer.Push(data)
			}
		}
	}()

	time.Sleep(150 * time.Millisecond)
	if s.State() != StateConnected {
		t.Fatalf("expected connected, got %s", s.State())
	}
	if got := d.Dials(); got != 1 {
		t.Fatalf("expected single dial, got %d", got)
	}
	if s.Stats().HeartbeatTimeouts != 0 {
		t.Fatalf("expected no heartbeat timeouts")
	}
}

func TestSessionDropsUnknownAndMalformedInbound(t *testing.T) {
	d := mock.NewDialer()
	s := newTestSession(t, testConfig(), d)
	starts := s.Subscribe(wire.TypeStartCall, 4)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	peer := waitPeer(t, d)

	peer.Push([]byte(`not json`))
	peer.Push([]byte(`{"type":"mystery","payload":{},"timestamp":"2024-01-01T00:00:00Z"}`))
	start, _ := wire.Encode(mustEnvelope(t, wire.TypeStartCall, wire.StartCall{CallID: "call-1"}))
	peer.Push(start)

	select {
	case env := <-starts:
		var sc wire.StartCall
		if err := env.DecodePayload(&sc); err != nil || sc.CallID != "call-1" {
			t.Fatalf("unexpected start-call %+v err=%v", sc, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for start-call")
	}
	if s.State() != StateConnected {
		t.Fatalf("expected connected after bad input, got %s", s.State())
	}
}

func TestSessionQueueOverflowDropsOldest(t *testing.T) {
	d := mock.NewDialer()
	cfg := testConfig()
	cfg.QueueSize = 2
	s := newTestSession(t, cfg, d)

	for i := 1; i <= 3; i++ {
		_ = s.Send(mustEnvelope(t, wire.TypeTranscription, wire.Transcription{Text: fmt.Sprintf("msg-%d", i)}))
	}
	stats := s.Stats()
	if stats.Dropped != 1 || stats.Queued != 2 {
		t.Fatalf("expected 1 dropped and 2 queued, got %+v", stats)
	}

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	peer := waitPeer(t, d)
	for _, want := range []string{"msg-2", "msg-3"} {
		var tr wire.Transcription
		_ = readEnvelope(t, peer).DecodePayload(&tr)
		if tr.Text != want {
			t.Fatalf("expected %s, got %s", want, tr.Text)
		}
	}
}

func TestSessionCloseDrainsAndRejects(t *testing.T) {
	d := mock.NewDialer()
	s := New("close", testConfig(), d, WithLogger(logging.Discard()))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	peer := waitPeer(t, d)
	_ = s.Send(mustEnvelope(t, wire.TypeCallMetrics, wire.CallMetrics{Frames: 3}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if env := readEnvelope(t, peer); env.Type != wire.TypeCallMetrics {
		t.Fatalf("expected drained call-metrics, got %s", env.Type)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected closed, got %s", s.State())
	}
	if err := s.Send(mustEnvelope(t, wire.TypeCallMetrics, nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	select {
	case <-peer.Closed():
	default:
		t.Fatalf("expected connection closed")
	}
}
