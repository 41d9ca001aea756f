package event

import (
	"testing"
	"time"
)

func TestKind_IsValid(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindHTTPRequest, true},
		{KindDBQuery, true},
		{KindJob, true},
		{KindLog, true},
		{KindCustom, true},
		{Kind(""), false},
		{Kind("metric"), false},
	}
	for _, tt := range tests {
		if got := tt.kind.IsValid(); got != tt.want {
			t.Errorf("Kind(%q).IsValid() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestNew_PopulatesIdentityFields(t *testing.T) {
	before := time.Now()
	ev := New(KindJob, "nightly-report")

	if ev.ID == "" {
		t.Fatal("New returned empty ID")
	}
	if ev.Kind != KindJob {
		t.Errorf("Kind = %q, want %q", ev.Kind, KindJob)
	}
	if ev.Name != "nightly-report" {
		t.Errorf("Name = %q, want nightly-report", ev.Name)
	}
	if ev.At.Before(before) {
		t.Errorf("At = %v, want >= %v", ev.At, before)
	}
}

func TestNewID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		if id == "" {
			t.Fatal("NewID returned empty string")
		}
		if seen[id] {
			t.Fatalf("NewID returned duplicate %q", id)
		}
		seen[id] = true
	}
}

func TestEvent_SetAttr(t *testing.T) {
	ev := New(KindHTTPRequest, "GET /orders")
	ev.SetAttr("status", "200").SetAttr("method", "GET")

	if got := ev.Attrs["status"]; got != "200" {
		t.Errorf("Attrs[status] = %q, want 200", got)
	}
	if got := ev.Attrs["method"]; got != "GET" {
		t.Errorf("Attrs[method] = %q, want GET", got)
	}
}

func TestNewBatch_WrapsEvents(t *testing.T) {
	events := []Event{New(KindLog, "a"), New(KindLog, "b")}
	b := NewBatch(events)

	if b.ID == "" {
		t.Fatal("NewBatch returned empty ID")
	}
	if b.Size() != 2 {
		t.Errorf("Size() = %d, want 2", b.Size())
	}
	if b.CreatedAt.IsZero() {
		t.Error("CreatedAt is zero")
	}
}
