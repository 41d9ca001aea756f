package resilience

import (
	"context"
	"errors"

	"github.com/flowmetry/flowmetry/pkg/event"
	"github.com/flowmetry/flowmetry/pkg/sink"
)

// SinkFallback implements [sink.Sink] with automatic failover across multiple
// delivery backends. Each target is gated by its registry breaker; when the
// primary fails or its breaker is open, the next healthy fallback receives the
// batch instead, so events land somewhere rather than being dropped while one
// backend is down.
type SinkFallback struct {
	group   *FallbackGroup[sink.Sink]
	targets []sink.Sink
}

// Compile-time interface assertion.
var _ sink.Sink = (*SinkFallback)(nil)

// NewSinkFallback creates a [SinkFallback] with primary as the preferred
// backend, gated by the breaker registered under primaryBreaker in registry.
func NewSinkFallback(registry *Registry, primaryBreaker string, primary sink.Sink) *SinkFallback {
	return &SinkFallback{
		group:   NewFallbackGroup(registry, primaryBreaker, primary),
		targets: []sink.Sink{primary},
	}
}

// AddFallback registers an additional delivery target gated by the breaker
// named breakerName. Targets are tried in registration order.
func (f *SinkFallback) AddFallback(breakerName string, s sink.Sink) {
	f.group.Add(breakerName, s)
	f.targets = append(f.targets, s)
}

// ProcessBatch delivers the batch to the first healthy target. The last
// target's error decides the batch's fate, so a permanent error from the end
// of the chain still drops the batch instead of requeueing it.
func (f *SinkFallback) ProcessBatch(ctx context.Context, events []event.Event, batchID string) error {
	return f.group.Execute(ctx, func(ctx context.Context, s sink.Sink) error {
		return s.ProcessBatch(ctx, events, batchID)
	})
}

// ProcessOne delivers a single event to the first healthy target.
func (f *SinkFallback) ProcessOne(ctx context.Context, ev event.Event) error {
	return f.group.Execute(ctx, func(ctx context.Context, s sink.Sink) error {
		return s.ProcessOne(ctx, ev)
	})
}

// Ping reports the chain healthy when any target answers. It bypasses the
// breakers so health probes see each backend's real condition.
func (f *SinkFallback) Ping(ctx context.Context) error {
	var lastErr error
	for _, s := range f.targets {
		err := s.Ping(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// Close closes every target and joins their errors.
func (f *SinkFallback) Close() error {
	var errs []error
	for _, s := range f.targets {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
