package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second, 5)
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
}

func TestBackoffExhausted(t *testing.T) {
	b := NewBackoff(time.Millisecond, time.Millisecond, 5)
	if b.Exhausted(5) {
		t.Fatalf("attempt 5 is within budget")
	}
	if !b.Exhausted(6) {
		t.Fatalf("attempt 6 exceeds budget of 5")
	}
}

func TestRetryPolicyStopsOnSuccess(t *testing.T) {
	calls := 0
	err := NewRetryPolicy(3, time.Millisecond).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("expected success on 2nd call, got err=%v calls=%d", err, calls)
	}
}

func TestRetryPolicyHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewRetryPolicy(3, time.Hour).Do(ctx, func(context.Context) error { return errors.New("down") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestCircuitBreakerOpensOnceAndRecovers(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(2, time.Minute)
	cb.now = func() time.Time { return now }

	if cb.OnError(errors.New("a")) {
		t.Fatalf("should not open below threshold")
	}
	if !cb.OnError(errors.New("b")) {
		t.Fatalf("expected circuit to open at threshold")
	}
	if cb.Allow() {
		t.Fatalf("expected calls blocked while open")
	}
	now = now.Add(2 * time.Minute)
	if !cb.Allow() {
		t.Fatalf("expected calls allowed after cooldown")
	}
	cb.OnSuccess()
	if cb.OnError(errors.New("c")) {
		t.Fatalf("failure count should reset after success")
	}
}
