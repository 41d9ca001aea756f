package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every target in a [FallbackGroup] fails or has
// an open circuit breaker. The last target's error is wrapped alongside it, so
// sentinel checks like [errors.Is] still see through the chain.
var ErrAllFailed = errors.New("all fallback targets failed")

// fallbackEntry pairs a target value with the registry name of the breaker
// that gates it.
type fallbackEntry[T any] struct {
	breaker string
	value   T
}

// FallbackGroup tries a primary and zero or more fallback targets in
// registration order until one succeeds. Each target is gated by a breaker
// looked up in the registry per call — the same rule [SinkGuard] follows — so
// targets whose breaker is open are skipped without paying their timeout, the
// management surface sees every breaker involved, and groups can be wired
// before the orchestrator has registered anything.
//
// FallbackGroup is safe for concurrent use once assembled; Add must not be
// called concurrently with Execute.
type FallbackGroup[T any] struct {
	registry *Registry
	entries  []fallbackEntry[T]
}

// NewFallbackGroup creates a group resolving breakers from registry, with
// primary as the first target gated by the breaker named primaryBreaker.
func NewFallbackGroup[T any](registry *Registry, primaryBreaker string, primary T) *FallbackGroup[T] {
	return &FallbackGroup[T]{
		registry: registry,
		entries:  []fallbackEntry[T]{{breaker: primaryBreaker, value: primary}},
	}
}

// Add appends a fallback target gated by the breaker registered under
// breakerName. Fallbacks are tried in the order they are added, after the
// primary.
func (fg *FallbackGroup[T]) Add(breakerName string, fallback T) {
	fg.entries = append(fg.entries, fallbackEntry[T]{breaker: breakerName, value: fallback})
}

// Execute tries fn against each target in order until one succeeds. Targets
// whose breaker is open are skipped; targets whose breaker is not registered
// yet are called unguarded. Once the context is done the remaining targets are
// not tried. Returns [ErrAllFailed] wrapping the last error if every target
// fails.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(context.Context, T) error) error {
	var lastErr error
	for i := range fg.entries {
		entry := &fg.entries[i]

		var err error
		if cb := fg.registry.Get(entry.breaker); cb != nil {
			err = cb.Execute(ctx, func(ctx context.Context) error {
				return fn(ctx, entry.value)
			})
		} else {
			err = fn(ctx, entry.value)
		}
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("fallback target skipped, circuit open", "breaker", entry.breaker)
		} else {
			slog.Warn("fallback target failed, trying next",
				"breaker", entry.breaker, "error", err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
