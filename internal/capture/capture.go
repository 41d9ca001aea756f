// Package capture turns application activity into pipeline events. It
// provides three thin wrappers — an HTTP middleware, a pgx query tracer and a
// background job decorator — that observe an operation, stamp it with the
// active trace and hand the resulting event to a [Submitter].
//
// The wrappers never fail the operation they observe: submission errors are
// logged and swallowed, and the sampling decision is made before an event is
// built. With a nil Submitter the wrappers still trace, log and record
// metrics, which is how the management server instruments its own surface
// without feeding itself back into the pipeline.
package capture

import (
	"context"
	"log/slog"
	"math/rand/v2"

	"github.com/flowmetry/flowmetry/internal/observe"
	"github.com/flowmetry/flowmetry/pkg/event"
)

// Submitter accepts captured events for delivery. The orchestrator satisfies
// it; tests substitute a recorder.
type Submitter interface {
	Submit(ctx context.Context, ev event.Event) error
}

// Capture builds instrumentation wrappers around one submitter. Create one
// with New; the zero value is not usable.
type Capture struct {
	sub  Submitter
	m    *observe.Metrics
	rate float64
}

// Option configures a [Capture].
type Option func(*Capture)

// WithSampleRate keeps only the given fraction of captured operations.
// Values at or below zero and at or above one both mean capture everything;
// disable a wrapper by not mounting it instead.
func WithSampleRate(rate float64) Option {
	return func(c *Capture) { c.rate = rate }
}

// New creates a Capture feeding sub. sub may be nil for observe-only
// operation; a nil metrics handle disables instrumentation.
func New(sub Submitter, m *observe.Metrics, opts ...Option) *Capture {
	c := &Capture{sub: sub, m: m, rate: 1}
	for _, o := range opts {
		o(c)
	}
	return c
}

// sampled decides whether the current operation produces an event.
func (c *Capture) sampled() bool {
	if c.rate <= 0 || c.rate >= 1 {
		return true
	}
	return rand.Float64() < c.rate
}

// submit stamps ev with the active trace and hands it to the submitter.
// Failures are logged at debug level only — capture must never break the
// operation it observed.
func (c *Capture) submit(ctx context.Context, ev event.Event) {
	if c.sub == nil {
		return
	}
	observe.Stamp(ctx, &ev)
	if err := c.sub.Submit(ctx, ev); err != nil {
		slog.Debug("capture: event dropped",
			"kind", ev.Kind,
			"name", ev.Name,
			"err", err,
		)
	}
}
