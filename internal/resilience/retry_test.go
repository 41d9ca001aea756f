package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff_ExponentialGrowth(t *testing.T) {
	base := 100 * time.Millisecond
	tests := []struct {
		n    int
		want time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{0, 100 * time.Millisecond}, // clamped to the first retry
	}
	for _, tt := range tests {
		if got := Backoff(base, tt.n); got != tt.want {
			t.Errorf("Backoff(%v, %d) = %v, want %v", base, tt.n, got, tt.want)
		}
	}
}

func TestBackoff_StrictlyIncreasing(t *testing.T) {
	prev := time.Duration(0)
	for n := 1; n <= 10; n++ {
		d := Backoff(time.Millisecond, n)
		if d <= prev {
			t.Fatalf("Backoff(1ms, %d) = %v, not greater than previous %v", n, d, prev)
		}
		prev = d
	}
}

func TestBackoff_OverflowCapped(t *testing.T) {
	// A huge attempt number must not shift the delay negative.
	if d := Backoff(time.Second, 500); d <= 0 {
		t.Fatalf("Backoff(1s, 500) = %v, want positive", d)
	}
}

func TestSleepWithContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := SleepWithContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSleepWithContext_Elapses(t *testing.T) {
	if err := SleepWithContext(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
}

func TestRetry_FirstAttemptSucceeds(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond},
		func(context.Context) error {
			calls++
			return nil
		})
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond},
		func(context.Context) error {
			calls++
			if calls < 3 {
				return errTest
			}
			return nil
		})
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_BudgetExhausted(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond},
		func(context.Context) error {
			calls++
			return errTest
		})
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want errTest", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want exactly the attempt budget of 3", calls)
	}
}

func TestRetry_NonRetryableStopsEarly(t *testing.T) {
	bad := errors.New("validation failed")
	calls := 0
	err := Retry(context.Background(), RetryPolicy{
		MaxAttempts: 5,
		Delay:       time.Millisecond,
		Retryable:   func(err error) bool { return !errors.Is(err, bad) },
	}, func(context.Context) error {
		calls++
		return bad
	})
	if !errors.Is(err, bad) {
		t.Fatalf("err = %v, want the non-retryable error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_DefaultPredicateSkipsCircuitOpen(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxAttempts: 5, Delay: time.Millisecond},
		func(context.Context) error {
			calls++
			return ErrCircuitOpen
		})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (open breaker is not retried)", calls)
	}
}

func TestRetry_ContextCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	calls := 0
	err := Retry(ctx, RetryPolicy{MaxAttempts: 5, Delay: time.Hour},
		func(context.Context) error {
			calls++
			return errTest
		})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want the last attempt error joined in", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (cancelled during first backoff)", calls)
	}
}

func TestRetry_ZeroAttemptsClamped(t *testing.T) {
	calls := 0
	if err := Retry(context.Background(), RetryPolicy{}, func(context.Context) error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
