package resilience

import (
	"context"

	"github.com/flowmetry/flowmetry/pkg/event"
	"github.com/flowmetry/flowmetry/pkg/sink"
)

// Compile-time interface check.
var _ sink.Sink = (*SinkGuard)(nil)

// SinkGuard routes sink calls through a named breaker from a registry, so a
// failing backend is isolated from the pipeline instead of stalling it. The
// breaker is looked up per call, which lets guards be constructed during
// wiring before the orchestrator has registered its breakers; until the
// breaker exists, calls pass through unguarded.
//
// Ping and Close bypass the breaker: health probes must report the backend's
// real condition even while the breaker has it quarantined.
type SinkGuard struct {
	registry *Registry
	breaker  string
	next     sink.Sink
}

// NewSinkGuard guards next with the breaker registered under breakerName in
// registry.
func NewSinkGuard(registry *Registry, breakerName string, next sink.Sink) *SinkGuard {
	return &SinkGuard{registry: registry, breaker: breakerName, next: next}
}

// ProcessBatch implements [sink.Sink].
func (g *SinkGuard) ProcessBatch(ctx context.Context, events []event.Event, batchID string) error {
	cb := g.registry.Get(g.breaker)
	if cb == nil {
		return g.next.ProcessBatch(ctx, events, batchID)
	}
	return cb.Execute(ctx, func(ctx context.Context) error {
		return g.next.ProcessBatch(ctx, events, batchID)
	})
}

// ProcessOne implements [sink.Sink].
func (g *SinkGuard) ProcessOne(ctx context.Context, ev event.Event) error {
	cb := g.registry.Get(g.breaker)
	if cb == nil {
		return g.next.ProcessOne(ctx, ev)
	}
	return cb.Execute(ctx, func(ctx context.Context) error {
		return g.next.ProcessOne(ctx, ev)
	})
}

// Ping implements [sink.Sink].
func (g *SinkGuard) Ping(ctx context.Context) error {
	return g.next.Ping(ctx)
}

// Close implements [sink.Sink].
func (g *SinkGuard) Close() error {
	return g.next.Close()
}
