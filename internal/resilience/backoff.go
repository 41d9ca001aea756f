package resilience

import (
	"context"
	"time"
)

// maxShift caps the exponent in Backoff so the bit shift cannot overflow a
// time.Duration.
const maxShift = 32

// Backoff returns the exponential backoff delay before the n-th retry
// (1-based): base * 2^(n-1). Delays grow strictly with n up to the overflow
// cap. Non-positive n is treated as 1.
func Backoff(base time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	shift := n - 1
	if shift > maxShift {
		shift = maxShift
	}
	return base << uint(shift)
}

// SleepWithContext blocks for d or until ctx is cancelled, whichever comes
// first. It returns the context error if cancelled, nil otherwise.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
