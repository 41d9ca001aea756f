// Package sink defines the delivery contract between the flowmetry pipeline
// and the backends that receive captured events, together with the error
// classification the retry machinery relies on.
//
// Implementations live in subpackages ([postgres], [redisstream], [devtools])
// and in [mock] for tests. A sink must be safe for concurrent use and must
// tolerate duplicate deliveries: the pipeline retries whole batches, so the
// same event can arrive more than once.
package sink

import (
	"context"
	"errors"

	"github.com/flowmetry/flowmetry/pkg/event"
)

// Sink receives events from the stream pipeline.
type Sink interface {
	// ProcessBatch delivers a whole batch in one call. batchID identifies
	// the dispatch for logs and is stored alongside the events where the
	// backend supports it. A nil return means every event was accepted.
	//
	// Errors wrapped with [Permanent] tell the pipeline that retrying the
	// same batch cannot succeed.
	ProcessBatch(ctx context.Context, events []event.Event, batchID string) error

	// ProcessOne delivers a single event. The pipeline falls back to this
	// after batch delivery is exhausted, so one poisoned event cannot sink
	// its whole batch.
	ProcessOne(ctx context.Context, ev event.Event) error

	// Ping reports whether the backing service is reachable.
	Ping(ctx context.Context) error

	// Close releases held resources. The pipeline calls it after the last
	// delivery has finished.
	Close() error
}

// permanentError marks a delivery error as not retryable.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that [IsPermanent] reports true for it. Sinks mark
// errors permanent when the input itself is at fault, such as an event with
// no ID, and retrying the identical payload is pointless. Permanent(nil)
// returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or any error it wraps, was marked with
// [Permanent]. The pipeline skips remaining retry attempts for permanent
// errors and goes straight to per-event fallback.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
