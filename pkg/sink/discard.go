package sink

import (
	"context"
	"log/slog"

	"github.com/flowmetry/flowmetry/pkg/event"
)

// Compile-time interface check.
var _ Sink = Discard{}

// Discard is a Sink that logs deliveries at debug level and drops them. The
// collector falls back to it when no delivery sink is configured, so the
// pipeline still runs during local development.
type Discard struct{}

// ProcessBatch implements [Sink].
func (Discard) ProcessBatch(_ context.Context, events []event.Event, batchID string) error {
	slog.Debug("discard sink: batch dropped", "batch_id", batchID, "events", len(events))
	return nil
}

// ProcessOne implements [Sink].
func (Discard) ProcessOne(_ context.Context, ev event.Event) error {
	slog.Debug("discard sink: event dropped", "event_id", ev.ID, "kind", ev.Kind, "name", ev.Name)
	return nil
}

// Ping implements [Sink].
func (Discard) Ping(context.Context) error { return nil }

// Close implements [Sink].
func (Discard) Close() error { return nil }
