// Package resilience provides the failure-isolation primitives for the
// flowmetry pipeline: a three-state circuit breaker, a named breaker
// registry, bounded retry with exponential backoff, and a breaker-guarded
// sink wrapper.
//
// The central type is [CircuitBreaker]. It guards calls against a dependency
// and stops admitting them once the dependency looks unhealthy, so a dead
// backend costs callers a fast rejection instead of a slow timeout.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker
// rejects the call without invoking the operation: either the breaker is open
// and the reset timeout has not yet elapsed, or a half-open trial is already
// in flight.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrOperationTimeout is returned when the guarded operation outlives the
// configured operation timeout. A timeout counts as a failure.
var ErrOperationTimeout = errors.New("circuit breaker: operation timed out")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped. Calls are rejected
	// immediately with [ErrCircuitOpen] until the reset timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout.
	// A single trial call is allowed through; if it succeeds the breaker
	// closes, otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state as its string name so management API
// responses stay readable.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages and as the
	// registry key.
	Name string

	// FailureThreshold is the failure count at which a closed breaker
	// opens. Each closed-state success pays the count down by one, so
	// intermittent failures must outpace successes to trip the breaker.
	// Default: 5.
	FailureThreshold int

	// OperationTimeout bounds every guarded call. A call that exceeds it
	// is recorded as a failure and returns [ErrOperationTimeout].
	// Default: 5s.
	OperationTimeout time.Duration

	// ResetTimeout is how long the breaker stays open before the next
	// call is admitted as a half-open trial. Default: 30s.
	ResetTimeout time.Duration
}

// TransitionFunc observes a breaker state change. Callbacks run on their own
// goroutines and must not be relied on for ordering; a panicking callback is
// recovered and logged without affecting the breaker.
type TransitionFunc func(name string, from, to State)

// Snapshot is a point-in-time view of a breaker's state and counters.
type Snapshot struct {
	Name          string    `json:"name"`
	State         State     `json:"state"`
	FailureCount  int       `json:"failure_count"`
	SuccessCount  int       `json:"success_count"`
	LastFailureAt time.Time `json:"last_failure_at,omitzero"`
	LastSuccessAt time.Time `json:"last_success_at,omitzero"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitzero"`
}

// CircuitBreaker implements the circuit breaker pattern for downstream
// dependencies. After FailureThreshold failures the breaker opens and
// rejects calls immediately; once the reset timeout elapses it admits
// exactly one trial call whose outcome decides whether the breaker closes
// again or re-opens for another window.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	lastFailureAt time.Time
	lastSuccessAt time.Time
	nextAttemptAt time.Time
	trialActive   bool
	observers     []TransitionFunc
}

// NewCircuitBreaker creates a circuit breaker in the closed state.
// Zero and negative config values are replaced with defaults, so every
// breaker carries a working timeout race.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Second
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		cfg:   cfg,
		state: StateClosed,
	}
}

// Name returns the breaker's configured name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// OnTransition registers fn to be notified of every state change, including
// forced ones. Notifications are fire-and-forget.
func (cb *CircuitBreaker) OnTransition(fn TransitionFunc) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.observers = append(cb.observers, fn)
}

// Execute runs fn under the breaker's admission control and operation
// timeout. While open it returns [ErrCircuitOpen] without invoking fn until
// the reset timeout elapses; the first call after that runs as the single
// half-open trial whose outcome alone decides whether the breaker closes or
// re-opens. Concurrent calls during the trial are rejected with
// [ErrCircuitOpen].
//
// fn receives a context that is cancelled when the operation timeout
// expires. The result of a call that outlives its timeout is discarded: the
// failure is recorded when the timeout fires, not when fn eventually
// returns. Operation errors are re-raised to the caller after bookkeeping.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if time.Now().Before(cb.nextAttemptAt) {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.transitionLocked(StateHalfOpen)
		cb.trialActive = true
	case StateHalfOpen:
		if cb.trialActive {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.trialActive = true
	}
	trial := cb.state == StateHalfOpen
	cb.mu.Unlock()

	err := cb.run(ctx, fn)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if trial {
		cb.trialActive = false
	}
	// A forced transition may have moved the breaker while fn ran; the
	// outcome is accounted against the state the breaker is in now.
	halfOpen := cb.state == StateHalfOpen
	if err != nil {
		cb.recordFailure(halfOpen)
	} else {
		cb.recordSuccess(halfOpen)
	}
	return err
}

// run invokes fn bounded by the operation timeout.
func (cb *CircuitBreaker) run(ctx context.Context, fn func(context.Context) error) error {
	tctx, cancel := context.WithTimeout(ctx, cb.cfg.OperationTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(tctx)
	}()

	select {
	case err := <-done:
		return err
	case <-tctx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrOperationTimeout
	}
}

// recordFailure updates counters and state after a failed call.
// Must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(halfOpen bool) {
	now := time.Now()
	cb.failureCount++
	cb.lastFailureAt = now

	if halfOpen {
		cb.nextAttemptAt = now.Add(cb.cfg.ResetTimeout)
		cb.transitionLocked(StateOpen)
		slog.Warn("circuit breaker re-opened after failed trial",
			"name", cb.cfg.Name,
			"next_attempt_at", cb.nextAttemptAt)
		return
	}

	if cb.state == StateClosed && cb.failureCount >= cb.cfg.FailureThreshold {
		cb.nextAttemptAt = now.Add(cb.cfg.ResetTimeout)
		cb.transitionLocked(StateOpen)
		slog.Warn("circuit breaker opened",
			"name", cb.cfg.Name,
			"failure_count", cb.failureCount,
			"next_attempt_at", cb.nextAttemptAt)
	}
}

// recordSuccess updates counters and state after a successful call.
// Must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(halfOpen bool) {
	cb.successCount++
	cb.lastSuccessAt = time.Now()

	if halfOpen {
		cb.failureCount = 0
		cb.nextAttemptAt = time.Time{}
		cb.transitionLocked(StateClosed)
		slog.Info("circuit breaker closed after successful trial", "name", cb.cfg.Name)
		return
	}

	// Gradual recovery credit: a success pays one failure down instead of
	// wiping the count, so a dependency failing every other call still
	// trips the breaker eventually.
	if cb.failureCount > 0 {
		cb.failureCount--
	}
}

// transitionLocked moves the breaker to the given state and notifies
// observers. A no-op when the state is unchanged.
// Must be called with cb.mu held.
func (cb *CircuitBreaker) transitionLocked(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	for _, fn := range cb.observers {
		go func(fn TransitionFunc) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("circuit breaker observer panicked",
						"name", cb.cfg.Name, "panic", r)
				}
			}()
			fn(cb.cfg.Name, from, to)
		}(fn)
	}
}

// State returns the current state. If the breaker is open and the reset
// timeout has already elapsed, the reported state is [StateHalfOpen]; the
// actual transition happens on the next [CircuitBreaker.Execute] call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && !time.Now().Before(cb.nextAttemptAt) {
		return StateHalfOpen
	}
	return cb.state
}

// Snapshot returns a consistent copy of the breaker's state and counters.
// The reported state follows the same rule as [CircuitBreaker.State].
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state := cb.state
	if state == StateOpen && !time.Now().Before(cb.nextAttemptAt) {
		state = StateHalfOpen
	}
	return Snapshot{
		Name:          cb.cfg.Name,
		State:         state,
		FailureCount:  cb.failureCount,
		SuccessCount:  cb.successCount,
		LastFailureAt: cb.lastFailureAt,
		LastSuccessAt: cb.lastSuccessAt,
		NextAttemptAt: cb.nextAttemptAt,
	}
}

// ForceOpen trips the breaker regardless of recent outcomes. The open window
// starts now; calls are rejected until the reset timeout elapses or the
// breaker is forced closed or reset.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.nextAttemptAt = time.Now().Add(cb.cfg.ResetTimeout)
	cb.trialActive = false
	cb.transitionLocked(StateOpen)
	slog.Warn("circuit breaker forced open", "name", cb.cfg.Name)
}

// ForceClose returns the breaker to closed without clearing counters.
func (cb *CircuitBreaker) ForceClose() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.nextAttemptAt = time.Time{}
	cb.trialActive = false
	cb.transitionLocked(StateClosed)
	slog.Info("circuit breaker forced closed", "name", cb.cfg.Name)
}

// Reset returns the breaker to closed and clears all counters and
// timestamps. Resetting an already-reset breaker is a no-op.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.successCount = 0
	cb.lastFailureAt = time.Time{}
	cb.lastSuccessAt = time.Time{}
	cb.nextAttemptAt = time.Time{}
	cb.trialActive = false
	cb.transitionLocked(StateClosed)
	slog.Info("circuit breaker reset", "name", cb.cfg.Name)
}
