// Package event defines the data model shared by every stage of the
// flowmetry pipeline: the captured [Event], the [Batch] it is dispatched in,
// and identifier generation for both.
//
// Events are value types. Once submitted to the pipeline they must be treated
// as immutable; sinks may deliver the same event more than once under retry,
// so consumers keying on [Event.ID] get natural de-duplication.
package event

import (
	"crypto/rand"
	"time"
)

// Kind classifies what an [Event] was captured from.
type Kind string

const (
	// KindHTTPRequest is a completed inbound HTTP request.
	KindHTTPRequest Kind = "http_request"

	// KindDBQuery is a completed database query or exec.
	KindDBQuery Kind = "db_query"

	// KindJob is a completed background job run.
	KindJob Kind = "job"

	// KindLog is an application log record routed into the pipeline.
	KindLog Kind = "log"

	// KindCustom is an event emitted directly by application code.
	KindCustom Kind = "custom"
)

// IsValid reports whether k is one of the recognized event kinds.
func (k Kind) IsValid() bool {
	switch k {
	case KindHTTPRequest, KindDBQuery, KindJob, KindLog, KindCustom:
		return true
	}
	return false
}

// Event is a single captured application event flowing through the pipeline.
type Event struct {
	// ID uniquely identifies the event across the whole deployment.
	// Sinks that persist events key on it so duplicate deliveries collapse.
	ID string `json:"id"`

	// Kind classifies the event source. Must satisfy [Kind.IsValid].
	Kind Kind `json:"kind"`

	// Name is the human-readable operation label: an HTTP route, a query
	// command, a job name.
	Name string `json:"name"`

	// At is when the underlying operation started.
	At time.Time `json:"at"`

	// Duration is how long the underlying operation took.
	// Zero for point-in-time events such as log records.
	Duration time.Duration `json:"duration"`

	// Status is a short outcome label: an HTTP status code ("200"), "ok" or
	// "error". Empty when the source reports no outcome.
	Status string `json:"status,omitempty"`

	// TraceID and SpanID correlate the event with an active trace, when one
	// was in scope at capture time. Empty otherwise.
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`

	// Attrs carries kind-specific key/value detail (status code, command
	// tag, error text). May be nil.
	Attrs map[string]string `json:"attrs,omitempty"`

	// Body is an optional opaque payload, such as a log record or request
	// summary. Sinks store it verbatim.
	Body []byte `json:"body,omitempty"`
}

// New returns an Event of the given kind and name with a fresh ID and
// At set to the current time. Callers fill in the remaining fields.
func New(kind Kind, name string) Event {
	return Event{
		ID:   NewID(),
		Kind: kind,
		Name: name,
		At:   time.Now(),
	}
}

// SetAttr records a key/value pair on the event, allocating the map on first
// use. It returns the event so capture sites can chain calls.
func (e *Event) SetAttr(key, value string) *Event {
	if e.Attrs == nil {
		e.Attrs = make(map[string]string)
	}
	e.Attrs[key] = value
	return e
}

// Batch is a bounded group of events that the pipeline dispatches to a sink
// in a single call.
type Batch struct {
	// ID uniquely identifies the dispatch batch in logs and failure reports.
	ID string `json:"id"`

	// CreatedAt is when the buffer closed into this batch.
	CreatedAt time.Time `json:"created_at"`

	// Events are the batch members in submission order. Never empty: the
	// pipeline does not dispatch empty batches.
	Events []Event `json:"events"`
}

// NewBatch wraps events in a Batch with a fresh ID.
func NewBatch(events []Event) Batch {
	return Batch{
		ID:        NewID(),
		CreatedAt: time.Now(),
		Events:    events,
	}
}

// Size returns the number of events in the batch.
func (b Batch) Size() int { return len(b.Events) }

// NewID returns a random identifier suitable for events and batches.
func NewID() string {
	return rand.Text()
}
