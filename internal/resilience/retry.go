package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryPolicy configures bounded retry with exponential backoff.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, the first call
	// included. Values below 1 are treated as 1.
	MaxAttempts int

	// Delay is the backoff base: the wait before the n-th retry is
	// Delay * 2^(n-1).
	Delay time.Duration

	// Retryable decides whether an error is worth another attempt. When
	// nil, every error except [ErrCircuitOpen] is retried.
	Retryable func(error) bool
}

// Retry runs fn until it succeeds, the attempt budget is exhausted, the error
// is classified non-retryable, or ctx is cancelled. It returns nil on
// success and otherwise the error from the last attempt, joined with the
// context error if the backoff wait was cut short.
func Retry(ctx context.Context, p RetryPolicy, fn func(context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = func(err error) bool { return !errors.Is(err, ErrCircuitOpen) }
	}

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			if serr := SleepWithContext(ctx, Backoff(p.Delay, attempt-1)); serr != nil {
				return errors.Join(err, serr)
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if attempt < p.MaxAttempts {
			slog.Debug("retrying after failure",
				"attempt", attempt,
				"max_attempts", p.MaxAttempts,
				"err", err)
		}
	}
	return err
}
