// Package devtools provides a [sink.Sink] that mirrors delivered batches to
// connected WebSocket clients in real time, for browser devtools and live
// debugging sessions.
//
// The hub holds no history: clients see events delivered while they are
// connected. Each subscriber gets a bounded outbound queue; a client that
// cannot keep up is disconnected rather than allowed to stall the pipeline.
package devtools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/flowmetry/flowmetry/pkg/event"
	"github.com/flowmetry/flowmetry/pkg/sink"
)

// Compile-time interface check.
var _ sink.Sink = (*Hub)(nil)

const (
	// DefaultSendBuffer is the per-client queue length used when
	// [Config.SendBuffer] is zero.
	DefaultSendBuffer = 64

	// writeTimeout bounds a single frame write to one client.
	writeTimeout = 5 * time.Second
)

// Frame is the JSON message sent to connected clients. A batch delivery
// carries the dispatch ID; single-event fallback deliveries leave it empty.
type Frame struct {
	BatchID string        `json:"batch_id,omitempty"`
	Events  []event.Event `json:"events"`
}

// Config configures the devtools hub.
type Config struct {
	// SendBuffer is the per-client outbound queue length. A client that
	// falls this far behind is disconnected. Defaults to [DefaultSendBuffer].
	SendBuffer int

	// OnClientChange, when set, is called with +1 on connect and -1 on
	// disconnect. The collector wires its client gauge here.
	OnClientChange func(delta int)
}

// subscriber is one connected client. kick closes the underlying connection;
// the handler's write loop then unwinds and unregisters.
type subscriber struct {
	ch   chan []byte
	kick func(code websocket.StatusCode, reason string)
}

// Hub is a [sink.Sink] that fans delivered events out to WebSocket
// subscribers. It is safe for concurrent use.
type Hub struct {
	cfg Config

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

// New creates a Hub. Mount [Hub.Handler] on the management server to accept
// clients.
func New(cfg Config) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	return &Hub{
		cfg:  cfg,
		subs: make(map[*subscriber]struct{}),
	}
}

// Handler returns the HTTP handler that upgrades requests to WebSocket
// connections and streams frames until the client disconnects.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(h.handle)
}

func (h *Hub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("devtools: websocket accept failed", "error", err)
		return
	}

	sub := &subscriber{
		ch: make(chan []byte, h.cfg.SendBuffer),
		kick: func(code websocket.StatusCode, reason string) {
			conn.Close(code, reason)
		},
	}
	if !h.register(sub) {
		conn.Close(websocket.StatusGoingAway, "hub closed")
		return
	}
	defer h.unregister(sub)

	slog.Debug("devtools: client connected", "remote", r.RemoteAddr)
	defer slog.Debug("devtools: client disconnected", "remote", r.RemoteAddr)

	// CloseRead discards inbound frames and cancels the context when the
	// client goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case data := <-sub.ch:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) register(sub *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.subs[sub] = struct{}{}
	if h.cfg.OnClientChange != nil {
		h.cfg.OnClientChange(1)
	}
	return true
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	if h.cfg.OnClientChange != nil {
		h.cfg.OnClientChange(-1)
	}
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// broadcast queues data on every subscriber without blocking. A subscriber
// whose queue is full is kicked; its write loop unregisters it.
func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- data:
		default:
			slog.Warn("devtools: dropping slow client")
			go sub.kick(websocket.StatusPolicyViolation, "send buffer overflow")
		}
	}
}

func (h *Hub) send(frame Frame) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return errors.New("devtools sink: closed")
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return sink.Permanent(fmt.Errorf("devtools sink: marshal frame: %w", err))
	}
	h.broadcast(data)
	return nil
}

// ProcessBatch implements [sink.Sink]. The whole batch goes out as one frame;
// clients with no room in their queue are dropped, never waited on.
func (h *Hub) ProcessBatch(ctx context.Context, events []event.Event, batchID string) error {
	if len(events) == 0 {
		return nil
	}
	return h.send(Frame{BatchID: batchID, Events: events})
}

// ProcessOne implements [sink.Sink]. The event goes out as a single-element
// frame without batch attribution.
func (h *Hub) ProcessOne(ctx context.Context, ev event.Event) error {
	return h.send(Frame{Events: []event.Event{ev}})
}

// Ping implements [sink.Sink]. The hub is in-process, so it only fails after
// [Hub.Close].
func (h *Hub) Ping(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("devtools sink: closed")
	}
	return nil
}

// Close implements [sink.Sink]. It disconnects every client and rejects new
// ones. Safe to call more than once.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.kick(websocket.StatusNormalClosure, "collector shutting down")
	}
	return nil
}
