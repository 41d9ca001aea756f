// Package orchestrator coordinates the resilience layer around the stream
// pipeline. It owns the circuit breakers guarding downstream dependencies,
// the retrying submission path, periodic health evaluation and the manual
// breaker controls exposed through the management API.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/flowmetry/flowmetry/internal/observe"
	"github.com/flowmetry/flowmetry/internal/resilience"
	"github.com/flowmetry/flowmetry/internal/stream"
	"github.com/flowmetry/flowmetry/pkg/event"
)

// ErrUnknownBreaker is returned by manual breaker operations naming a breaker
// that was never registered.
var ErrUnknownBreaker = errors.New("orchestrator: unknown circuit breaker")

// Names of the default breaker set.
const (
	BreakerStorage  = "storage"
	BreakerDevtools = "devtools"
	BreakerNetwork  = "network"
	BreakerStream   = "stream"
)

// Health evaluation trips on these pipeline thresholds.
const (
	maxErrorCount       = 50
	maxAvgBatchDuration = 10 * time.Second
)

// DefaultBreakerConfigs returns the tuning for the default breaker set.
// Storage tolerates slow bulk writes before tripping, devtools trips fast so
// a broken inspector cannot drag the pipeline, network rides out many short
// blips and recovers quickly, and stream guards the submission path itself.
func DefaultBreakerConfigs() map[string]resilience.CircuitBreakerConfig {
	return map[string]resilience.CircuitBreakerConfig{
		BreakerStorage: {
			Name:             BreakerStorage,
			FailureThreshold: 8,
			OperationTimeout: 10 * time.Second,
			ResetTimeout:     60 * time.Second,
		},
		BreakerDevtools: {
			Name:             BreakerDevtools,
			FailureThreshold: 3,
			OperationTimeout: 5 * time.Second,
			ResetTimeout:     30 * time.Second,
		},
		BreakerNetwork: {
			Name:             BreakerNetwork,
			FailureThreshold: 12,
			OperationTimeout: 2 * time.Second,
			ResetTimeout:     15 * time.Second,
		},
		BreakerStream: {
			Name:             BreakerStream,
			FailureThreshold: 5,
			OperationTimeout: 5 * time.Second,
			ResetTimeout:     30 * time.Second,
		},
	}
}

// Config holds the orchestrator's tunable parameters.
type Config struct {
	// CircuitBreakerEnabled registers the default breaker set at
	// construction. When false no breakers exist and guarded paths run
	// unprotected.
	CircuitBreakerEnabled bool

	// FallbackEnabled turns open-breaker rejections and exhausted retry
	// budgets on the submission path into drop-and-continue instead of
	// surfacing the error.
	FallbackEnabled bool

	// MaxRetries is the total number of submission attempts, including the
	// first. Defaults to 3.
	MaxRetries int

	// RetryDelay is the backoff base between submission attempts.
	// Defaults to 1s.
	RetryDelay time.Duration

	// HealthCheckInterval is the cadence of periodic health evaluation.
	// Defaults to 30s.
	HealthCheckInterval time.Duration

	// Breakers overrides or extends the default breaker tuning, keyed by
	// breaker name.
	Breakers map[string]resilience.CircuitBreakerConfig
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	return c
}

// Alerter receives failure reports for operator notification. Implementations
// must not block.
type Alerter interface {
	BatchFailure(ctx context.Context, report stream.FailureReport)
}

// Health is the merged health view of the breaker fleet and the pipeline.
type Health struct {
	Healthy   bool                    `json:"healthy"`
	Issues    []string                `json:"issues,omitempty"`
	Breakers  resilience.HealthStatus `json:"breakers"`
	Pipeline  stream.Snapshot         `json:"pipeline"`
	CheckedAt time.Time               `json:"checked_at"`
}

// Status is the full operational view served by the management API.
type Status struct {
	Running               bool                           `json:"running"`
	CircuitBreakerEnabled bool                           `json:"circuit_breaker_enabled"`
	FallbackEnabled       bool                           `json:"fallback_enabled"`
	Breakers              map[string]resilience.Snapshot `json:"breakers"`
	Pipeline              stream.Snapshot                `json:"pipeline"`
	Health                Health                         `json:"health"`
}

// Orchestrator ties the pipeline, the breaker registry and the health loop
// together. Create one with New, call Start, submit events through Submit and
// shut it down with Stop. A stopped orchestrator cannot be restarted.
type Orchestrator struct {
	cfg       Config
	processor *stream.Processor
	registry  *resilience.Registry
	metrics   *observe.Metrics
	alerts    Alerter

	mu      sync.Mutex
	running bool
	stopped bool
	health  Health

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates an orchestrator around the given pipeline and registry. When
// circuit breakers are enabled the default set is registered immediately so
// sink guards resolve their breakers on first use. Metrics and alerts may be
// nil.
func New(cfg Config, processor *stream.Processor, registry *resilience.Registry, m *observe.Metrics, alerts Alerter) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg.withDefaults(),
		processor: processor,
		registry:  registry,
		metrics:   m,
		alerts:    alerts,
		done:      make(chan struct{}),
	}
	if o.cfg.CircuitBreakerEnabled {
		o.registerBreakers()
	}
	return o
}

func (o *Orchestrator) registerBreakers() {
	configs := DefaultBreakerConfigs()
	for name, override := range o.cfg.Breakers {
		override.Name = name
		configs[name] = override
	}

	names := make([]string, 0, len(configs))
	for name, bc := range configs {
		cb := resilience.NewCircuitBreaker(bc)
		cb.OnTransition(o.observeTransition)
		o.registry.Register(cb)
		names = append(names, name)
	}
	sort.Strings(names)
	slog.Info("circuit breakers registered", "names", names)
}

func (o *Orchestrator) observeTransition(name string, from, to resilience.State) {
	if o.metrics != nil {
		o.metrics.RecordBreakerTransition(context.Background(), name, from.String(), to.String())
	}
	if name == BreakerStream && to == resilience.StateOpen {
		slog.Warn("stream breaker open, submissions degrade",
			"fallback_enabled", o.cfg.FallbackEnabled)
	}
}

// Start launches the pipeline, the health loop and the failure report
// consumer.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return errors.New("orchestrator: already started")
	}
	if o.stopped {
		o.mu.Unlock()
		return errors.New("orchestrator: already stopped")
	}
	o.running = true
	o.mu.Unlock()

	if err := o.processor.Start(); err != nil {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: start pipeline: %w", err)
	}

	o.evaluateHealth()

	o.wg.Add(2)
	go o.healthLoop()
	go o.failureLoop()

	slog.Info("orchestrator started",
		"circuit_breakers", o.cfg.CircuitBreakerEnabled,
		"fallback", o.cfg.FallbackEnabled,
		"max_retries", o.cfg.MaxRetries,
		"health_interval", o.cfg.HealthCheckInterval)
	return nil
}

// Stop drains the pipeline, stops the background loops and clears the breaker
// registry. The context bounds the pipeline drain. Stop is idempotent.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	o.stopped = true
	o.mu.Unlock()

	err := o.processor.Stop(ctx)
	close(o.done)
	o.wg.Wait()
	o.registry.Clear()

	slog.Info("orchestrator stopped")
	return err
}

// Running reports whether the orchestrator accepts submissions.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Submit pushes one event into the pipeline through the stream breaker.
// Transient submission failures are retried locally with backoff; only an
// exhausted retry budget counts as a failure against the breaker. In fallback
// mode an open breaker and an exhausted budget both drop the event and report
// success so callers on the hot path never pay for a known-bad pipeline.
func (o *Orchestrator) Submit(ctx context.Context, ev event.Event) error {
	attempt := func(ctx context.Context) error {
		return resilience.Retry(ctx, resilience.RetryPolicy{
			MaxAttempts: o.cfg.MaxRetries,
			Delay:       o.cfg.RetryDelay,
		}, func(context.Context) error {
			return o.processor.Submit(ev)
		})
	}

	var err error
	if cb := o.registry.Get(BreakerStream); cb != nil {
		err = cb.Execute(ctx, attempt)
	} else {
		err = attempt(ctx)
	}
	if err == nil {
		return nil
	}

	if errors.Is(err, resilience.ErrCircuitOpen) {
		if o.metrics != nil {
			o.metrics.RecordBreakerRejection(ctx, BreakerStream)
		}
		if o.cfg.FallbackEnabled {
			slog.Warn("pipeline unavailable, dropping event",
				"event_id", ev.ID, "kind", ev.Kind, "name", ev.Name)
			if o.metrics != nil {
				o.metrics.RecordFallback(ctx, "submit", 1)
			}
			return nil
		}
		return err
	}
	if o.cfg.FallbackEnabled {
		// The exhausted budget already counted against the breaker inside
		// Execute.
		slog.Warn("submission retries exhausted, dropping event",
			"event_id", ev.ID, "kind", ev.Kind, "name", ev.Name, "error", err)
		if o.metrics != nil {
			o.metrics.RecordFallback(ctx, "submit", 1)
		}
		return nil
	}
	return fmt.Errorf("orchestrator: submit: %w", err)
}

// ForceOpen trips the named breaker open regardless of its counters.
func (o *Orchestrator) ForceOpen(name string) error {
	cb, err := o.breaker(name)
	if err != nil {
		return err
	}
	cb.ForceOpen()
	slog.Warn("circuit breaker forced open", "name", name)
	return nil
}

// ForceClose closes the named breaker regardless of its counters.
func (o *Orchestrator) ForceClose(name string) error {
	cb, err := o.breaker(name)
	if err != nil {
		return err
	}
	cb.ForceClose()
	slog.Info("circuit breaker forced closed", "name", name)
	return nil
}

// ResetBreaker restores the named breaker to its initial state.
func (o *Orchestrator) ResetBreaker(name string) error {
	cb, err := o.breaker(name)
	if err != nil {
		return err
	}
	cb.Reset()
	slog.Info("circuit breaker reset", "name", name)
	return nil
}

// ResetAllBreakers restores every registered breaker to its initial state.
func (o *Orchestrator) ResetAllBreakers() {
	o.registry.ResetAll()
}

// BreakerSnapshots returns a point-in-time view of every registered breaker.
func (o *Orchestrator) BreakerSnapshots() map[string]resilience.Snapshot {
	return o.registry.AllSnapshots()
}

// UpdateStreamConfig applies the non-nil fields of patch to the running
// pipeline and returns the effective configuration.
func (o *Orchestrator) UpdateStreamConfig(patch stream.Patch) stream.Config {
	return o.processor.UpdateConfig(patch)
}

// FlushPipeline forces the buffered events out immediately.
func (o *Orchestrator) FlushPipeline() error {
	return o.processor.Flush()
}

func (o *Orchestrator) breaker(name string) (*resilience.CircuitBreaker, error) {
	cb := o.registry.Get(name)
	if cb == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBreaker, name)
	}
	return cb, nil
}

// Health returns the most recent health snapshot.
func (o *Orchestrator) Health() Health {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.health
}

// CheckNow runs a health evaluation immediately and returns the result.
func (o *Orchestrator) CheckNow() Health {
	return o.evaluateHealth()
}

// Status returns the full operational view.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	running := o.running
	h := o.health
	o.mu.Unlock()

	return Status{
		Running:               running,
		CircuitBreakerEnabled: o.cfg.CircuitBreakerEnabled,
		FallbackEnabled:       o.cfg.FallbackEnabled,
		Breakers:              o.registry.AllSnapshots(),
		Pipeline:              o.processor.Metrics(),
		Health:                h,
	}
}

func (o *Orchestrator) healthLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			o.evaluateHealth()
		}
	}
}

// evaluateHealth merges breaker health, pipeline liveness and the pipeline
// thresholds into one snapshot, replacing the previous one wholesale.
func (o *Orchestrator) evaluateHealth() Health {
	breakers := o.registry.HealthStatus()
	_, issues := o.processor.Healthy()
	snap := o.processor.Metrics()

	for name, ok := range breakers.Breakers {
		if !ok {
			issues = append(issues, fmt.Sprintf("circuit breaker %s not closed", name))
		}
	}
	if snap.ErrorCount > maxErrorCount {
		issues = append(issues, fmt.Sprintf("pipeline error count %d exceeds %d", snap.ErrorCount, maxErrorCount))
	}
	if snap.AvgBatchDuration > maxAvgBatchDuration {
		issues = append(issues, fmt.Sprintf("average batch duration %s exceeds %s", snap.AvgBatchDuration, maxAvgBatchDuration))
	}
	sort.Strings(issues)

	h := Health{
		Healthy:   len(issues) == 0,
		Issues:    issues,
		Breakers:  breakers,
		Pipeline:  snap,
		CheckedAt: time.Now(),
	}

	if h.Healthy {
		slog.Debug("health check passed",
			"breakers", breakers.Healthy,
			"error_count", snap.ErrorCount,
			"avg_batch_duration", snap.AvgBatchDuration)
	} else {
		slog.Warn("health check failed", "issues", issues)
	}

	o.mu.Lock()
	o.health = h
	o.mu.Unlock()
	return h
}

// failureLoop consumes throttled failure reports from the pipeline, logs them
// and hands them to the alerter.
func (o *Orchestrator) failureLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.done:
			return
		case report, ok := <-o.processor.Failures():
			if !ok {
				return
			}
			slog.Error("batch delivery failed",
				"batch_id", report.BatchID,
				"events", report.Events,
				"error", report.Err)
			if o.alerts != nil {
				o.alerts.BatchFailure(context.Background(), report)
			}
		}
	}
}
