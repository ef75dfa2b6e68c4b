package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/harunnryd/callguide/pkg/errorsx"
	"github.com/harunnryd/callguide/pkg/transports"
)

func TestDialerScriptedFailures(t *testing.T) {
	d := NewDialer()
	d.FailNext(2)
	for i := 0; i < 2; i++ {
		_, err := d.Dial(context.Background(), "mock://hub")
		if !errors.Is(err, ErrDialRefused) || !errorsx.HasReason(err, errorsx.ReasonTransportConnect) {
			t.Fatalf("dial %d: expected refusal, got %v", i, err)
		}
	}
	if _, err := d.Dial(context.Background(), "mock://hub"); err != nil {
		t.Fatalf("third dial should succeed: %v", err)
	}
	d.FailAll(true)
	if _, err := d.Dial(context.Background(), "mock://hub"); err == nil {
		t.Fatalf("expected FailAll to refuse")
	}
	if d.Dials() != 4 {
		t.Fatalf("expected 4 dials, got %d", d.Dials())
	}
}

func TestPeerRoundTrip(t *testing.T) {
	d := NewDialer()
	c, err := d.Dial(context.Background(), "mock://hub/c1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	p := <-d.Peers()
	if p.URL != "mock://hub/c1" {
		t.Fatalf("unexpected url %q", p.URL)
	}

	if !p.Push([]byte(`{"type":"heartbeat"}`)) {
		t.Fatalf("push failed")
	}
	msg, err := c.ReadMessage()
	if err != nil || string(msg) != `{"type":"heartbeat"}` {
		t.Fatalf("read: %q %v", msg, err)
	}

	out := []byte("hello")
	if err := c.WriteMessage(context.Background(), out); err != nil {
		t.Fatalf("write: %v", err)
	}
	out[0] = 'j'
	if got := string(<-p.Sent()); got != "hello" {
		t.Fatalf("write should copy the buffer, got %q", got)
	}

	p.Drop()
	if _, err := c.ReadMessage(); !errors.Is(err, transports.ErrConnClosed) {
		t.Fatalf("expected closed read, got %v", err)
	}
	if err := c.WriteMessage(context.Background(), out); !errorsx.HasReason(err, errorsx.ReasonTransportSend) {
		t.Fatalf("expected send reason, got %v", err)
	}
	if p.Push(out) {
		t.Fatalf("push after drop should fail")
	}
}
