package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowmetry/flowmetry/pkg/event"
	"github.com/flowmetry/flowmetry/pkg/sink"
	"github.com/flowmetry/flowmetry/pkg/sink/mock"
)

func TestSinkFallback_PrimaryDelivers(t *testing.T) {
	primary := &mock.Sink{}
	secondary := &mock.Sink{}

	f := NewSinkFallback(NewRegistry(), "storage", primary)
	f.AddFallback("network", secondary)

	events := []event.Event{event.New(event.KindLog, "x")}
	if err := f.ProcessBatch(context.Background(), events, "b1"); err != nil {
		t.Fatalf("ProcessBatch = %v, want nil", err)
	}
	if got := len(primary.BatchCalls()); got != 1 {
		t.Errorf("primary batch calls = %d, want 1", got)
	}
	if got := len(secondary.BatchCalls()); got != 0 {
		t.Errorf("secondary batch calls = %d, want 0", got)
	}
}

func TestSinkFallback_FailoverOnPrimaryError(t *testing.T) {
	primary := &mock.Sink{BatchErr: errors.New("backend down")}
	secondary := &mock.Sink{}

	f := NewSinkFallback(NewRegistry(), "storage", primary)
	f.AddFallback("network", secondary)

	events := []event.Event{event.New(event.KindLog, "x")}
	if err := f.ProcessBatch(context.Background(), events, "b1"); err != nil {
		t.Fatalf("ProcessBatch = %v, want nil via fallback", err)
	}
	calls := secondary.BatchCalls()
	if len(calls) != 1 {
		t.Fatalf("secondary batch calls = %d, want 1", len(calls))
	}
	if calls[0].BatchID != "b1" {
		t.Errorf("fallback batch id = %q, want b1", calls[0].BatchID)
	}
}

func TestSinkFallback_OpenBreakerSkipsPrimary(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "storage",
		ResetTimeout: time.Hour,
	}))
	reg.Get("storage").ForceOpen()

	primary := &mock.Sink{}
	secondary := &mock.Sink{}

	f := NewSinkFallback(reg, "storage", primary)
	f.AddFallback("network", secondary)

	if err := f.ProcessOne(context.Background(), event.New(event.KindLog, "x")); err != nil {
		t.Fatalf("ProcessOne = %v, want nil", err)
	}
	if got := len(primary.OneCalls()); got != 0 {
		t.Errorf("primary one calls = %d, want 0 (rejected at admission)", got)
	}
	if got := len(secondary.OneCalls()); got != 1 {
		t.Errorf("secondary one calls = %d, want 1", got)
	}
}

func TestSinkFallback_AllFailPreservesPermanence(t *testing.T) {
	primary := &mock.Sink{BatchErr: errors.New("backend down")}
	secondary := &mock.Sink{BatchErr: sink.Permanent(errors.New("schema mismatch"))}

	f := NewSinkFallback(NewRegistry(), "storage", primary)
	f.AddFallback("network", secondary)

	events := []event.Event{event.New(event.KindLog, "x")}
	err := f.ProcessBatch(context.Background(), events, "b1")
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	// The last target's permanence decides whether the batch is retried.
	if !sink.IsPermanent(err) {
		t.Errorf("err = %v, want permanent to survive the wrap", err)
	}
}

func TestSinkFallback_PingHealthyWhenAnyTargetUp(t *testing.T) {
	down := errors.New("connection refused")
	primary := &mock.Sink{PingErr: down}
	secondary := &mock.Sink{}

	f := NewSinkFallback(NewRegistry(), "storage", primary)
	f.AddFallback("network", secondary)

	if err := f.Ping(context.Background()); err != nil {
		t.Fatalf("Ping = %v, want nil while one target is up", err)
	}

	secondary.PingErr = down
	if err := f.Ping(context.Background()); !errors.Is(err, down) {
		t.Fatalf("Ping = %v, want the target error once every target is down", err)
	}
}

func TestSinkFallback_CloseClosesAllTargets(t *testing.T) {
	primary := &mock.Sink{CloseErr: errors.New("already closed")}
	secondary := &mock.Sink{}

	f := NewSinkFallback(NewRegistry(), "storage", primary)
	f.AddFallback("network", secondary)

	if err := f.Close(); err == nil {
		t.Fatal("Close = nil, want the primary close error")
	}
	if primary.CloseCount() != 1 || secondary.CloseCount() != 1 {
		t.Errorf("close counts = %d/%d, want 1/1",
			primary.CloseCount(), secondary.CloseCount())
	}
}
