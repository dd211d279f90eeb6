package loadgen

import (
	"context"
	"time"
)

// RetryPolicy bounds per-request retries. The backoff schedule is linear in
// the attempt index.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Delay returns the backoff before the given retry attempt (1-based). The
// schedule is monotonically non-decreasing.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay * time.Duration(attempt)
}

// Sleeper abstracts backoff sleeps so the schedule is testable without real
// time delays.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration)
}

// realSleeper sleeps on the wall clock, honoring context cancellation.
type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
