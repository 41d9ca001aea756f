// Package mgmt serves the management API: operational status, manual circuit
// breaker controls, live pipeline tuning and the observability endpoints.
//
// The surface is a plain HTTP JSON API:
//
//	GET   /api/status                    full operational view
//	GET   /api/breakers                  snapshot of every breaker
//	POST  /api/breakers/reset            reset all breakers
//	POST  /api/breakers/{name}/open      force a breaker open
//	POST  /api/breakers/{name}/close     force a breaker closed
//	POST  /api/breakers/{name}/reset     reset one breaker
//	POST  /api/pipeline/flush            flush buffered events now
//	PATCH /api/pipeline/config           apply a partial pipeline config
//
// plus /healthz and /readyz from the health package, the Prometheus
// exposition on /metrics and the devtools event feed on /devtools/ws when
// those handlers are supplied.
package mgmt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/flowmetry/flowmetry/internal/health"
	"github.com/flowmetry/flowmetry/internal/orchestrator"
	"github.com/flowmetry/flowmetry/internal/stream"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Config holds the network settings for the management server. TLS is enabled
// when both CertFile and KeyFile are set.
type Config struct {
	ListenAddr string
	CertFile   string
	KeyFile    string
}

// Deps are the collaborators the server exposes. Orchestrator is required;
// the rest are optional and their routes are simply absent when nil.
type Deps struct {
	// Orchestrator backs every /api route.
	Orchestrator *orchestrator.Orchestrator

	// Health serves /healthz and /readyz.
	Health *health.Handler

	// Metrics is the Prometheus exposition handler mounted on /metrics.
	Metrics http.Handler

	// Devtools is the live event feed mounted on /devtools/ws.
	Devtools http.Handler

	// Middleware wraps the whole surface when set, typically with request
	// capture.
	Middleware func(http.Handler) http.Handler
}

// Server is the management HTTP server. Create one with New and run it with
// ListenAndServe; cancelling the context drains in-flight requests and stops
// the listener.
type Server struct {
	cfg  Config
	deps Deps
	srv  *http.Server

	mu  sync.Mutex
	lis net.Listener
}

// New builds the route table and returns a server ready to listen.
func New(cfg Config, deps Deps) *Server {
	s := &Server{cfg: cfg, deps: deps}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/breakers", s.handleBreakers)
	// The literal route must be registered explicitly; otherwise "reset"
	// would match {name}.
	mux.HandleFunc("POST /api/breakers/reset", s.handleBreakersResetAll)
	mux.HandleFunc("POST /api/breakers/{name}/open", s.handleBreakerOpen)
	mux.HandleFunc("POST /api/breakers/{name}/close", s.handleBreakerClose)
	mux.HandleFunc("POST /api/breakers/{name}/reset", s.handleBreakerReset)
	mux.HandleFunc("POST /api/pipeline/flush", s.handlePipelineFlush)
	mux.HandleFunc("PATCH /api/pipeline/config", s.handlePipelineConfig)

	if deps.Health != nil {
		deps.Health.Register(mux)
	}
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}
	if deps.Devtools != nil {
		mux.Handle("GET /devtools/ws", deps.Devtools)
	}

	handler := http.Handler(mux)
	if deps.Middleware != nil {
		handler = deps.Middleware(handler)
	}
	s.srv = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler returns the server's root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// ListenAndServe binds the configured address and serves until ctx is
// cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("mgmt: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.lis = l
	s.mu.Unlock()

	useTLS := s.cfg.CertFile != "" && s.cfg.KeyFile != ""
	slog.Info("management server listening", "addr", l.Addr().String(), "tls", useTLS)

	errCh := make(chan error, 1)
	go func() {
		if useTLS {
			errCh <- s.srv.ServeTLS(l, s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			errCh <- s.srv.Serve(l)
		}
	}()

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("mgmt: shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("mgmt: serve: %w", err)
	}
}

// Addr returns the bound listen address, or "" before ListenAndServe.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// Close stops the listener without draining. Prefer cancelling the
// ListenAndServe context.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Orchestrator.Status())
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Orchestrator.BreakerSnapshots())
}

func (s *Server) handleBreakersResetAll(w http.ResponseWriter, _ *http.Request) {
	s.deps.Orchestrator.ResetAllBreakers()
	writeJSON(w, http.StatusOK, s.deps.Orchestrator.BreakerSnapshots())
}

func (s *Server) handleBreakerOpen(w http.ResponseWriter, r *http.Request) {
	s.breakerOp(w, r, s.deps.Orchestrator.ForceOpen)
}

func (s *Server) handleBreakerClose(w http.ResponseWriter, r *http.Request) {
	s.breakerOp(w, r, s.deps.Orchestrator.ForceClose)
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	s.breakerOp(w, r, s.deps.Orchestrator.ResetBreaker)
}

// breakerOp runs a manual operation against the breaker named in the path and
// responds with the breaker's updated snapshot.
func (s *Server) breakerOp(w http.ResponseWriter, r *http.Request, op func(string) error) {
	name := r.PathValue("name")
	if err := op(name); err != nil {
		if errors.Is(err, orchestrator.ErrUnknownBreaker) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Orchestrator.BreakerSnapshots()[name])
}

func (s *Server) handlePipelineFlush(w http.ResponseWriter, _ *http.Request) {
	if err := s.deps.Orchestrator.FlushPipeline(); err != nil {
		if errors.Is(err, stream.ErrNotActive) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "flushing"})
}

// pipelinePatch is the request body for PATCH /api/pipeline/config. Absent
// fields keep their current values. Field names and millisecond units mirror
// the config file schema.
type pipelinePatch struct {
	BufferTimeMs         *int64 `json:"buffer_time_ms"`
	MaxBufferSize        *int   `json:"max_buffer_size"`
	MaxConcurrentBatches *int   `json:"max_concurrent_batches"`
	MaxRetries           *int   `json:"max_retries"`
	RetryDelayMs         *int64 `json:"retry_delay_ms"`
	OperationTimeoutMs   *int64 `json:"operation_timeout_ms"`
	ErrorThrottleMs      *int64 `json:"error_throttle_ms"`
}

// pipelineConfig is the effective pipeline configuration as served back.
type pipelineConfig struct {
	BufferTimeMs         int64 `json:"buffer_time_ms"`
	MaxBufferSize        int   `json:"max_buffer_size"`
	MaxConcurrentBatches int   `json:"max_concurrent_batches"`
	MaxRetries           int   `json:"max_retries"`
	RetryDelayMs         int64 `json:"retry_delay_ms"`
	OperationTimeoutMs   int64 `json:"operation_timeout_ms"`
	ErrorThrottleMs      int64 `json:"error_throttle_ms"`
	LatencyWindow        int   `json:"latency_window"`
}

func (s *Server) handlePipelineConfig(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req pipelinePatch
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode body: "+err.Error())
		return
	}

	var patch stream.Patch
	if req.BufferTimeMs != nil {
		d := time.Duration(*req.BufferTimeMs) * time.Millisecond
		patch.BufferTime = &d
	}
	patch.MaxBufferSize = req.MaxBufferSize
	patch.MaxConcurrentBatches = req.MaxConcurrentBatches
	patch.RetryAttempts = req.MaxRetries
	if req.RetryDelayMs != nil {
		d := time.Duration(*req.RetryDelayMs) * time.Millisecond
		patch.RetryDelay = &d
	}
	if req.OperationTimeoutMs != nil {
		d := time.Duration(*req.OperationTimeoutMs) * time.Millisecond
		patch.OperationTimeout = &d
	}
	if req.ErrorThrottleMs != nil {
		d := time.Duration(*req.ErrorThrottleMs) * time.Millisecond
		patch.ErrorThrottle = &d
	}

	cfg := s.deps.Orchestrator.UpdateStreamConfig(patch)
	writeJSON(w, http.StatusOK, pipelineConfig{
		BufferTimeMs:         cfg.BufferTime.Milliseconds(),
		MaxBufferSize:        cfg.MaxBufferSize,
		MaxConcurrentBatches: cfg.MaxConcurrentBatches,
		MaxRetries:           cfg.RetryAttempts,
		RetryDelayMs:         cfg.RetryDelay.Milliseconds(),
		OperationTimeoutMs:   cfg.OperationTimeout.Milliseconds(),
		ErrorThrottleMs:      cfg.ErrorThrottle.Milliseconds(),
		LatencyWindow:        cfg.LatencyWindow,
	})
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
	}
}

// writeError writes a JSON error body with the given status code.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
