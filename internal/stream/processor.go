// Package stream implements the buffered batching pipeline that moves
// captured events to a delivery sink.
//
// Events accumulate in an open buffer until a time window elapses or a size
// cap is reached, then ship as a batch through a bounded pool of delivery
// workers. Failed batches are retried whole with exponential backoff and
// finally decomposed into per-event delivery before any event is declared
// lost.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/flowmetry/flowmetry/internal/observe"
	"github.com/flowmetry/flowmetry/internal/resilience"
	"github.com/flowmetry/flowmetry/pkg/event"
	"github.com/flowmetry/flowmetry/pkg/sink"
)

// ErrNotActive is returned by Submit and Flush once the processor has been
// stopped or before it has been started.
var ErrNotActive = errors.New("stream: processor not active")

var errQueueFull = errors.New("stream: dispatch queue full")

const (
	// queueCap bounds the number of closed batches waiting for a delivery
	// slot. Submit never blocks; a batch that finds the queue full is
	// recorded as a terminal failure instead.
	queueCap = 1024

	// failureCap bounds the failure report channel. Reports are dropped,
	// not queued, when no consumer keeps up.
	failureCap = 16
)

// Config holds the tunable parameters of the pipeline. The zero value is
// usable; fields left at zero take the documented defaults.
type Config struct {
	// BufferTime is how long an open buffer collects events before it is
	// closed into a batch, measured from the first event of the window.
	// Defaults to 5s.
	BufferTime time.Duration `yaml:"-"`

	// MaxBufferSize closes the buffer early once this many events have
	// accumulated. Defaults to 100.
	MaxBufferSize int `yaml:"-"`

	// MaxConcurrentBatches bounds how many batches are delivered at the
	// same time. Defaults to 3.
	MaxConcurrentBatches int `yaml:"-"`

	// RetryAttempts is the total number of whole-batch delivery attempts,
	// including the first. Defaults to 3.
	RetryAttempts int `yaml:"-"`

	// RetryDelay is the backoff base between attempts. The wait doubles
	// after every failed attempt. Defaults to 1s.
	RetryDelay time.Duration `yaml:"-"`

	// OperationTimeout bounds each delivery call to the sink, whole-batch
	// attempts and per-event fallback alike. A call that outlives it fails
	// with the context error. Defaults to 30s.
	OperationTimeout time.Duration `yaml:"-"`

	// ErrorThrottle is the minimum gap between two failure reports on the
	// Failures channel. Zero selects the default of 1m; a negative value
	// disables throttling.
	ErrorThrottle time.Duration `yaml:"-"`

	// LatencyWindow is the number of recent batch durations kept for
	// percentile calculation. Defaults to 100.
	LatencyWindow int `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.BufferTime <= 0 {
		c.BufferTime = 5 * time.Second
	}
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = 100
	}
	if c.MaxConcurrentBatches <= 0 {
		c.MaxConcurrentBatches = 3
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 30 * time.Second
	}
	if c.ErrorThrottle == 0 {
		c.ErrorThrottle = time.Minute
	} else if c.ErrorThrottle < 0 {
		c.ErrorThrottle = 0
	}
	if c.LatencyWindow <= 0 {
		c.LatencyWindow = 100
	}
	return c
}

// Patch is a partial configuration update. Nil fields keep their current
// value.
type Patch struct {
	BufferTime           *time.Duration
	MaxBufferSize        *int
	MaxConcurrentBatches *int
	RetryAttempts        *int
	RetryDelay           *time.Duration
	OperationTimeout     *time.Duration
	ErrorThrottle        *time.Duration
}

// BatchResult is the terminal outcome of one batch delivery.
type BatchResult struct {
	// BatchID identifies the batch.
	BatchID string

	// Processed is the number of events that reached the sink.
	Processed int

	// Failed is the number of events that were lost.
	Failed int

	// Duration is the wall time from first attempt to terminal state.
	Duration time.Duration

	// Success is true when at least one event was delivered.
	Success bool

	// Err is the last whole-batch delivery error, nil when the batch
	// shipped without falling back.
	Err error
}

// FailureReport is emitted on the Failures channel when events are lost.
type FailureReport struct {
	BatchID string
	Events  int
	Err     error
	At      time.Time
}

// Processor is the buffered batching pipeline. Create one with New, call
// Start, feed it through Submit and shut it down with Stop. A stopped
// processor cannot be restarted.
type Processor struct {
	sink    sink.Sink
	metrics *observe.Metrics
	stats   *stats

	mu             sync.Mutex
	cfg            Config
	running        bool
	stopped        bool
	buffer         []event.Event
	windowStart    time.Time
	sem            *semaphore.Weighted
	lastEmit       time.Time
	failuresClosed bool

	batches  chan event.Batch
	wake     chan struct{}
	done     chan struct{}
	failures chan FailureReport

	wg       sync.WaitGroup
	inflight sync.WaitGroup
}

// New creates a processor delivering to the given sink. A nil metrics handle
// disables instrumentation.
func New(deliver sink.Sink, cfg Config, m *observe.Metrics) *Processor {
	cfg = cfg.withDefaults()
	return &Processor{
		sink:     deliver,
		metrics:  m,
		stats:    newStats(cfg.LatencyWindow),
		cfg:      cfg,
		buffer:   make([]event.Event, 0, cfg.MaxBufferSize),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentBatches)),
		batches:  make(chan event.Batch, queueCap),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		failures: make(chan FailureReport, failureCap),
	}
}

// Start launches the window and dispatch loops.
func (p *Processor) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("stream: processor already started")
	}
	if p.stopped {
		p.mu.Unlock()
		return errors.New("stream: processor already stopped")
	}
	p.running = true
	cfg := p.cfg
	p.mu.Unlock()

	p.wg.Add(2)
	go p.windowLoop()
	go p.dispatchLoop()

	slog.Info("stream processor started",
		"buffer_time", cfg.BufferTime,
		"max_buffer_size", cfg.MaxBufferSize,
		"max_concurrent_batches", cfg.MaxConcurrentBatches)
	return nil
}

// Stop drains the pipeline cooperatively: the open buffer is closed into a
// final batch, queued batches are dispatched and in-flight deliveries run to
// completion. If ctx expires first, Stop returns the context error and
// abandons the remaining work. Stop is idempotent.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.stopped = true
	p.mu.Unlock()

	p.closeWindow()
	close(p.done)

	idle := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.inflight.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		p.mu.Lock()
		p.failuresClosed = true
		close(p.failures)
		p.mu.Unlock()
		slog.Info("stream processor stopped")
		return nil
	case <-ctx.Done():
		slog.Warn("stream processor shutdown incomplete", "error", ctx.Err())
		return fmt.Errorf("stream: shutdown: %w", ctx.Err())
	}
}

// Submit adds one event to the open buffer. It never blocks; when the
// processor is not active it returns ErrNotActive and the event is not
// accepted.
func (p *Processor) Submit(ev event.Event) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotActive
	}
	p.buffer = append(p.buffer, ev)
	if len(p.buffer) == 1 {
		p.windowStart = time.Now()
	}
	var full event.Batch
	queued := false
	sizeTrip := len(p.buffer) >= p.cfg.MaxBufferSize
	if sizeTrip {
		full = event.NewBatch(p.buffer)
		p.buffer = make([]event.Event, 0, p.cfg.MaxBufferSize)
		queued = p.enqueueLocked(full)
	}
	p.mu.Unlock()

	p.stats.markSubmitted()
	if p.metrics != nil {
		p.metrics.EventsSubmitted.Add(context.Background(), 1)
	}
	if sizeTrip && !queued {
		p.dropOverflow(full)
	}
	p.nudge()
	return nil
}

// Flush closes the open buffer immediately regardless of the time window.
func (p *Processor) Flush() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotActive
	}
	p.mu.Unlock()

	p.closeWindow()
	p.nudge()
	return nil
}

// Failures returns the channel of throttled failure reports. The channel is
// closed after a clean Stop.
func (p *Processor) Failures() <-chan FailureReport {
	return p.failures
}

// Config returns a copy of the current configuration.
func (p *Processor) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Running reports whether the processor accepts events.
func (p *Processor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// UpdateConfig applies a partial configuration change without a restart and
// returns the effective configuration. A new concurrency limit applies to
// subsequent admissions; deliveries admitted under the previous limit run to
// completion.
func (p *Processor) UpdateConfig(patch Patch) Config {
	p.mu.Lock()
	cfg := p.cfg
	if patch.BufferTime != nil {
		cfg.BufferTime = *patch.BufferTime
	}
	if patch.MaxBufferSize != nil {
		cfg.MaxBufferSize = *patch.MaxBufferSize
	}
	if patch.MaxConcurrentBatches != nil {
		cfg.MaxConcurrentBatches = *patch.MaxConcurrentBatches
	}
	if patch.RetryAttempts != nil {
		cfg.RetryAttempts = *patch.RetryAttempts
	}
	if patch.RetryDelay != nil {
		cfg.RetryDelay = *patch.RetryDelay
	}
	if patch.OperationTimeout != nil {
		cfg.OperationTimeout = *patch.OperationTimeout
	}
	if patch.ErrorThrottle != nil {
		cfg.ErrorThrottle = *patch.ErrorThrottle
	}
	cfg = cfg.withDefaults()
	if cfg.MaxConcurrentBatches != p.cfg.MaxConcurrentBatches {
		p.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentBatches))
	}
	p.cfg = cfg
	p.mu.Unlock()

	p.nudge()
	slog.Info("pipeline configuration updated",
		"buffer_time", cfg.BufferTime,
		"max_buffer_size", cfg.MaxBufferSize,
		"max_concurrent_batches", cfg.MaxConcurrentBatches,
		"retry_attempts", cfg.RetryAttempts)
	return cfg
}

// Metrics returns a point-in-time snapshot of pipeline counters and latency
// percentiles.
func (p *Processor) Metrics() Snapshot {
	p.mu.Lock()
	buffered := len(p.buffer)
	p.mu.Unlock()
	return p.stats.snapshot(len(p.batches), buffered)
}

// Healthy reports whether the pipeline is operating normally, with a list of
// detected issues when it is not.
func (p *Processor) Healthy() (bool, []string) {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()

	var issues []string
	if !running {
		issues = append(issues, "processor not active")
	}
	if len(p.batches) == cap(p.batches) {
		issues = append(issues, "dispatch queue saturated")
	}
	return len(issues) == 0, issues
}

// nudge wakes the window loop so it recomputes its deadline. Non-blocking;
// a pending wakeup is enough.
func (p *Processor) nudge() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// closeWindow turns the open buffer into a batch and queues it for dispatch.
// Empty buffers produce no batch.
func (p *Processor) closeWindow() {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	b := event.NewBatch(p.buffer)
	p.buffer = make([]event.Event, 0, p.cfg.MaxBufferSize)
	queued := p.enqueueLocked(b)
	p.mu.Unlock()

	if !queued {
		p.dropOverflow(b)
	}
}

// enqueueLocked hands a closed batch to the dispatch queue. The caller must
// hold mu: closing the window and queueing in one critical section keeps
// dispatch order identical to window-close order. The send never blocks; a
// false return means the queue was full and the caller records the drop.
func (p *Processor) enqueueLocked(b event.Batch) bool {
	select {
	case p.batches <- b:
		if p.metrics != nil {
			p.metrics.QueuedBatches.Add(context.Background(), 1)
		}
		return true
	default:
		return false
	}
}

// dropOverflow records a batch the full dispatch queue rejected as a terminal
// failure. It runs outside mu because the failure report re-acquires it.
func (p *Processor) dropOverflow(b event.Batch) {
	slog.Error("dispatch queue full, dropping batch", "batch_id", b.ID, "events", b.Size())
	p.finishBatch(BatchResult{
		BatchID: b.ID,
		Failed:  b.Size(),
		Success: false,
		Err:     errQueueFull,
	}, false)
}

// windowLoop closes the buffer when BufferTime has elapsed since the first
// event of the current window. It sleeps while the buffer is empty and is
// nudged awake by Submit, Flush and UpdateConfig.
func (p *Processor) windowLoop() {
	defer p.wg.Done()

	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	defer timer.Stop()

	for {
		p.mu.Lock()
		var wait time.Duration
		armed := len(p.buffer) > 0
		if armed {
			wait = p.cfg.BufferTime - time.Since(p.windowStart)
		}
		p.mu.Unlock()

		if !armed {
			select {
			case <-p.done:
				return
			case <-p.wake:
			}
			continue
		}

		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
		select {
		case <-p.done:
			stopTimer(timer)
			return
		case <-p.wake:
			stopTimer(timer)
		case <-timer.C:
			p.closeWindow()
		}
	}
}

// stopTimer stops t and drains a pending fire so the next Reset starts
// clean.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// dispatchLoop pulls closed batches off the queue in FIFO order and starts a
// delivery worker for each once a concurrency slot is free. On shutdown it
// drains whatever the final window close left behind.
func (p *Processor) dispatchLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			for {
				select {
				case b := <-p.batches:
					p.startBatch(b)
				default:
					return
				}
			}
		case b := <-p.batches:
			p.startBatch(b)
		}
	}
}

// startBatch blocks until a concurrency slot is free, preserving FIFO
// admission, then runs the delivery on its own goroutine.
func (p *Processor) startBatch(b event.Batch) {
	if p.metrics != nil {
		p.metrics.QueuedBatches.Add(context.Background(), -1)
	}

	p.mu.Lock()
	sem := p.sem
	p.mu.Unlock()
	// Acquire cannot fail with a background context.
	_ = sem.Acquire(context.Background(), 1)

	p.inflight.Add(1)
	p.stats.markActive(1)
	if p.metrics != nil {
		p.metrics.ActiveBatches.Add(context.Background(), 1)
	}

	go func() {
		defer func() {
			sem.Release(1)
			p.stats.markActive(-1)
			if p.metrics != nil {
				p.metrics.ActiveBatches.Add(context.Background(), -1)
			}
			p.inflight.Done()
		}()
		p.processBatch(b)
	}()
}

// processBatch drives one batch to a terminal state: whole-batch attempts
// with exponential backoff, each racing the operation timeout, then per-event
// fallback once the attempts are exhausted or the sink rejects the batch
// permanently.
func (p *Processor) processBatch(b event.Batch) {
	p.mu.Lock()
	attempts := p.cfg.RetryAttempts
	delay := p.cfg.RetryDelay
	opTimeout := p.cfg.OperationTimeout
	p.mu.Unlock()

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			p.stats.markRetry()
			if p.metrics != nil {
				p.metrics.BatchRetries.Add(context.Background(), 1)
			}
			time.Sleep(resilience.Backoff(delay, attempt-1))
		}

		actx, cancel := context.WithTimeout(context.Background(), opTimeout)
		err := p.sink.ProcessBatch(actx, b.Events, b.ID)
		cancel()
		if err == nil {
			p.finishBatch(BatchResult{
				BatchID:   b.ID,
				Processed: b.Size(),
				Duration:  time.Since(start),
				Success:   true,
			}, false)
			return
		}
		lastErr = err
		if sink.IsPermanent(err) {
			slog.Warn("batch rejected permanently, skipping retries",
				"batch_id", b.ID, "attempt", attempt, "error", err)
			break
		}
		slog.Debug("batch delivery failed",
			"batch_id", b.ID, "attempt", attempt, "of", attempts, "error", err)
	}

	processed, failed := p.fallback(b)
	p.finishBatch(BatchResult{
		BatchID:   b.ID,
		Processed: processed,
		Failed:    failed,
		Duration:  time.Since(start),
		Success:   processed > 0,
		Err:       lastErr,
	}, true)
}

// fallback decomposes a batch into per-event delivery so a single poison
// event cannot sink its whole batch. Each delivery races the operation
// timeout on its own.
func (p *Processor) fallback(b event.Batch) (processed, failed int) {
	p.mu.Lock()
	opTimeout := p.cfg.OperationTimeout
	p.mu.Unlock()

	slog.Warn("falling back to per-event delivery", "batch_id", b.ID, "events", b.Size())
	if p.metrics != nil {
		p.metrics.RecordFallback(context.Background(), "batch", int64(b.Size()))
	}
	for i := range b.Events {
		ectx, cancel := context.WithTimeout(context.Background(), opTimeout)
		err := p.sink.ProcessOne(ectx, b.Events[i])
		cancel()
		if err != nil {
			failed++
			slog.Debug("event delivery failed", "event_id", b.Events[i].ID, "error", err)
		} else {
			processed++
		}
	}
	return processed, failed
}

// finishBatch folds a terminal result into the stats and emits a failure
// report when events were lost.
func (p *Processor) finishBatch(res BatchResult, fellBack bool) {
	p.stats.record(res, fellBack)
	if p.metrics != nil {
		status := "ok"
		switch {
		case !res.Success:
			status = "failed"
		case res.Failed > 0:
			status = "partial"
		}
		p.metrics.RecordBatch(context.Background(), res.Duration.Seconds(), status, int64(res.Processed), int64(res.Failed))
	}
	if res.Failed > 0 {
		p.reportFailure(res)
	}
}

// reportFailure emits one FailureReport, subject to the error throttle. The
// send never blocks; with no consumer the report is dropped. Send and close
// are serialized by mu so a late report cannot hit a closed channel.
func (p *Processor) reportFailure(res BatchResult) {
	report := FailureReport{
		BatchID: res.BatchID,
		Events:  res.Failed,
		Err:     res.Err,
		At:      time.Now(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failuresClosed {
		return
	}
	throttle := p.cfg.ErrorThrottle
	if throttle > 0 && !p.lastEmit.IsZero() && time.Since(p.lastEmit) < throttle {
		slog.Debug("failure report suppressed by throttle", "batch_id", res.BatchID)
		return
	}
	p.lastEmit = time.Now()
	select {
	case p.failures <- report:
	default:
		slog.Debug("failure channel full, dropping report", "batch_id", res.BatchID)
	}
}
