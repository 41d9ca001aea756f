package sink

import (
	"context"
	"errors"
	"log/slog"

	"github.com/flowmetry/flowmetry/pkg/event"
)

// Compile-time interface check.
var _ Sink = (*Fanout)(nil)

// Fanout delivers every event to a primary sink and any number of secondary
// sinks. The primary's result alone decides the outcome the pipeline sees;
// secondary failures are logged and swallowed so a broken mirror can never
// trigger retries against a healthy primary.
type Fanout struct {
	primary     Sink
	secondaries []Sink
}

// NewFanout composes primary with zero or more secondaries. With no
// secondaries it behaves exactly like primary.
func NewFanout(primary Sink, secondaries ...Sink) *Fanout {
	return &Fanout{primary: primary, secondaries: secondaries}
}

// ProcessBatch implements [Sink].
func (f *Fanout) ProcessBatch(ctx context.Context, events []event.Event, batchID string) error {
	for _, s := range f.secondaries {
		if err := s.ProcessBatch(ctx, events, batchID); err != nil {
			slog.Warn("secondary sink rejected batch",
				"batch_id", batchID,
				"events", len(events),
				"err", err)
		}
	}
	return f.primary.ProcessBatch(ctx, events, batchID)
}

// ProcessOne implements [Sink].
func (f *Fanout) ProcessOne(ctx context.Context, ev event.Event) error {
	for _, s := range f.secondaries {
		if err := s.ProcessOne(ctx, ev); err != nil {
			slog.Warn("secondary sink rejected event", "event_id", ev.ID, "err", err)
		}
	}
	return f.primary.ProcessOne(ctx, ev)
}

// Ping implements [Sink]. Only the primary decides reachability.
func (f *Fanout) Ping(ctx context.Context) error {
	return f.primary.Ping(ctx)
}

// Close implements [Sink]. All sinks are closed; errors are combined.
func (f *Fanout) Close() error {
	errs := []error{f.primary.Close()}
	for _, s := range f.secondaries {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
