// Package mock provides an in-memory test double for [sink.Sink].
//
// The mock records every method call for assertion in tests and exposes
// exported fields and hooks that control what it returns. It is safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	s := &mock.Sink{}
//	s.BatchErrFunc = func(attempt int) error {
//	    if attempt < 3 {
//	        return errors.New("backend unavailable")
//	    }
//	    return nil
//	}
//
//	// inject s into the system under test …
//
//	if got := s.BatchCalls(); len(got) != 3 {
//	    t.Errorf("expected 3 batch attempts, got %d", len(got))
//	}
package mock

import (
	"context"
	"sync"

	"github.com/flowmetry/flowmetry/pkg/event"
	"github.com/flowmetry/flowmetry/pkg/sink"
)

// Compile-time interface check.
var _ sink.Sink = (*Sink)(nil)

// BatchCall records one ProcessBatch invocation.
type BatchCall struct {
	// BatchID is the dispatch identifier the pipeline passed in.
	BatchID string

	// Events are the batch members, in the order received.
	Events []event.Event
}

// Sink is a configurable test double for [sink.Sink].
// All exported *Err fields default to nil (success).
type Sink struct {
	mu sync.Mutex

	batchCalls []BatchCall
	oneCalls   []event.Event
	pingCalls  int
	closeCalls int

	// BatchErr is returned by every ProcessBatch call when non-nil.
	// BatchErrFunc takes precedence when both are set.
	BatchErr error

	// BatchErrFunc, when non-nil, decides the result of each ProcessBatch
	// call. attempt is 1-based and counts calls across all batches, which
	// is enough for single-batch retry tests.
	BatchErrFunc func(attempt int) error

	// OneErr is returned by every ProcessOne call when non-nil.
	// OneErrFunc takes precedence when both are set.
	OneErr error

	// OneErrFunc, when non-nil, decides the result of each ProcessOne call.
	OneErrFunc func(ev event.Event) error

	// PingErr is returned by Ping when non-nil.
	PingErr error

	// CloseErr is returned by Close when non-nil.
	CloseErr error

	// BatchDone, when non-nil, receives one signal per completed
	// ProcessBatch call. Tests use it to wait for asynchronous dispatch
	// without polling. Sends never block; make the channel big enough.
	BatchDone chan struct{}
}

// ProcessBatch implements [sink.Sink].
func (s *Sink) ProcessBatch(_ context.Context, events []event.Event, batchID string) error {
	s.mu.Lock()
	copied := make([]event.Event, len(events))
	copy(copied, events)
	s.batchCalls = append(s.batchCalls, BatchCall{BatchID: batchID, Events: copied})
	attempt := len(s.batchCalls)
	errFn := s.BatchErrFunc
	err := s.BatchErr
	done := s.BatchDone
	s.mu.Unlock()

	if errFn != nil {
		err = errFn(attempt)
	}
	if done != nil {
		select {
		case done <- struct{}{}:
		default:
		}
	}
	return err
}

// ProcessOne implements [sink.Sink].
func (s *Sink) ProcessOne(_ context.Context, ev event.Event) error {
	s.mu.Lock()
	s.oneCalls = append(s.oneCalls, ev)
	errFn := s.OneErrFunc
	err := s.OneErr
	s.mu.Unlock()

	if errFn != nil {
		return errFn(ev)
	}
	return err
}

// Ping implements [sink.Sink].
func (s *Sink) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingCalls++
	return s.PingErr
}

// Close implements [sink.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	return s.CloseErr
}

// BatchCalls returns a copy of every recorded ProcessBatch call in order.
func (s *Sink) BatchCalls() []BatchCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BatchCall, len(s.batchCalls))
	copy(out, s.batchCalls)
	return out
}

// OneCalls returns a copy of every event passed to ProcessOne in order.
func (s *Sink) OneCalls() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Event, len(s.oneCalls))
	copy(out, s.oneCalls)
	return out
}

// PingCount returns how many times Ping was called.
func (s *Sink) PingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingCalls
}

// CloseCount returns how many times Close was called.
func (s *Sink) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}
