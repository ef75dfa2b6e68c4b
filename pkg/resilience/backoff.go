package resilience

import "time"

// Backoff is an exponential delay schedule bounded by an attempt budget.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// NewBackoff fills zero values with 500ms base, 10s cap and 5 attempts.
func NewBackoff(base, max time.Duration, maxAttempts int) Backoff {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max < base {
		max = 10 * time.Second
		if max < base {
			max = base
		}
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return Backoff{Base: base, Max: max, MaxAttempts: maxAttempts}
}

// Delay returns the wait before the given 1-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return b.Base
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max || d <= 0 {
			return b.Max
		}
	}
	return d
}

// Exhausted reports whether attempt exceeds the budget.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt > b.MaxAttempts
}
