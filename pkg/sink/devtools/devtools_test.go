package devtools_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/flowmetry/flowmetry/pkg/event"
	"github.com/flowmetry/flowmetry/pkg/sink/devtools"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startHub mounts a hub on a test server. Both are torn down via t.Cleanup.
func startHub(t *testing.T, cfg devtools.Config) (*devtools.Hub, *httptest.Server) {
	t.Helper()
	hub := devtools.New(cfg)
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = hub.Close() })
	return hub, srv
}

func dialClient(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

// readFrame reads one frame and decodes it.
func readFrame(t *testing.T, conn *websocket.Conn) devtools.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame devtools.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return frame
}

// waitForSubscribers polls until the hub reports want connected clients.
// Registration happens after the HTTP upgrade, so tests must not broadcast
// before the client is actually subscribed.
func waitForSubscribers(t *testing.T, hub *devtools.Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Subscribers() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscribers: want %d, got %d", want, hub.Subscribers())
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestHub_BroadcastsBatchToClient(t *testing.T) {
	hub, srv := startHub(t, devtools.Config{})
	conn := dialClient(t, srv)
	waitForSubscribers(t, hub, 1)

	events := []event.Event{
		{ID: "ev-1", Kind: event.KindHTTPRequest, Name: "GET /orders/{id}", Status: "200"},
		{ID: "ev-2", Kind: event.KindDBQuery, Name: "SELECT", Status: "ok"},
	}
	if err := hub.ProcessBatch(context.Background(), events, "batch-1"); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	frame := readFrame(t, conn)
	if frame.BatchID != "batch-1" {
		t.Errorf("BatchID: want batch-1, got %q", frame.BatchID)
	}
	if len(frame.Events) != 2 || frame.Events[0].ID != "ev-1" || frame.Events[1].ID != "ev-2" {
		t.Errorf("Events: got %+v", frame.Events)
	}
	if frame.Events[0].Status != "200" {
		t.Errorf("Status: want 200, got %q", frame.Events[0].Status)
	}
}

func TestHub_MultipleClientsAllReceive(t *testing.T) {
	hub, srv := startHub(t, devtools.Config{})
	first := dialClient(t, srv)
	second := dialClient(t, srv)
	waitForSubscribers(t, hub, 2)

	events := []event.Event{{ID: "ev-1", Kind: event.KindJob, Name: "reindex"}}
	if err := hub.ProcessBatch(context.Background(), events, "batch-1"); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	for _, conn := range []*websocket.Conn{first, second} {
		frame := readFrame(t, conn)
		if len(frame.Events) != 1 || frame.Events[0].ID != "ev-1" {
			t.Errorf("frame: got %+v", frame.Events)
		}
	}
}

func TestHub_ProcessOne(t *testing.T) {
	hub, srv := startHub(t, devtools.Config{})
	conn := dialClient(t, srv)
	waitForSubscribers(t, hub, 1)

	ev := event.Event{ID: "one-1", Kind: event.KindCustom, Name: "manual"}
	if err := hub.ProcessOne(context.Background(), ev); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}

	frame := readFrame(t, conn)
	if frame.BatchID != "" {
		t.Errorf("BatchID: want empty for single delivery, got %q", frame.BatchID)
	}
	if len(frame.Events) != 1 || frame.Events[0].ID != "one-1" {
		t.Errorf("Events: got %+v", frame.Events)
	}
}

func TestHub_NoClientsIsNoop(t *testing.T) {
	hub := devtools.New(devtools.Config{})
	t.Cleanup(func() { _ = hub.Close() })

	events := []event.Event{{ID: "ev-1", Kind: event.KindLog, Name: "entry"}}
	if err := hub.ProcessBatch(context.Background(), events, "batch-1"); err != nil {
		t.Errorf("ProcessBatch without clients: %v", err)
	}
	if err := hub.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestHub_TracksSubscribers(t *testing.T) {
	var delta atomic.Int64
	hub, srv := startHub(t, devtools.Config{
		OnClientChange: func(d int) { delta.Add(int64(d)) },
	})

	if hub.Subscribers() != 0 {
		t.Fatalf("initial subscribers: want 0, got %d", hub.Subscribers())
	}

	conn := dialClient(t, srv)
	waitForSubscribers(t, hub, 1)
	if delta.Load() != 1 {
		t.Errorf("gauge after connect: want 1, got %d", delta.Load())
	}

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitForSubscribers(t, hub, 0)
	if delta.Load() != 0 {
		t.Errorf("gauge after disconnect: want 0, got %d", delta.Load())
	}
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	hub, srv := startHub(t, devtools.Config{})
	conn := dialClient(t, srv)
	waitForSubscribers(t, hub, 1)

	if err := hub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	readCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := conn.Read(readCtx); err == nil {
		t.Error("client read after Close: expected error, got frame")
	}

	if err := hub.Ping(context.Background()); err == nil {
		t.Error("Ping after Close: expected error")
	}
	events := []event.Event{{ID: "ev-1", Kind: event.KindLog, Name: "entry"}}
	if err := hub.ProcessBatch(context.Background(), events, "b"); err == nil {
		t.Error("ProcessBatch after Close: expected error")
	}

	// Second Close is a no-op.
	if err := hub.Close(); err != nil {
		t.Errorf("Close again: %v", err)
	}
}

func TestHub_RejectsClientsAfterClose(t *testing.T) {
	hub, srv := startHub(t, devtools.Config{})
	if err := hub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		// The upgrade may already fail; that is an acceptable rejection.
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// The upgrade succeeded but the hub must close the connection straight
	// away instead of registering it.
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("read on rejected connection: expected close, got frame")
	}
	if n := hub.Subscribers(); n != 0 {
		t.Errorf("subscribers after rejected connect: want 0, got %d", n)
	}
}
