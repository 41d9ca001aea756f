package stream

import (
	"math"
	"sort"
	"sync"
	"time"
)

// stats collects pipeline throughput counters and batch latency samples. It
// maintains a bounded ring buffer of recent batch durations from which
// percentiles are computed on demand.
//
// Thread-safe for concurrent use.
type stats struct {
	mu sync.Mutex

	batch durationBuffer

	startedAt time.Time

	submitted int64
	processed int64
	failed    int64
	batches   int64
	retries   int64
	fallbacks int64
	errors    int64
	active    int64
	durTotal  time.Duration
}

// newStats creates a stats collector with the given latency window size
// (maximum number of batch duration samples retained).
func newStats(windowSize int) *stats {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &stats{
		batch:     newDurationBuffer(windowSize),
		startedAt: time.Now(),
	}
}

// markSubmitted counts one event accepted into the buffer.
func (s *stats) markSubmitted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted++
}

// markRetry counts one whole-batch delivery retry.
func (s *stats) markRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
}

// markActive adjusts the number of batches currently in flight.
func (s *stats) markActive(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active += delta
}

// record folds one terminal batch result into the counters. fellBack marks
// batches that went through per-event decomposition.
func (s *stats) record(res BatchResult, fellBack bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches++
	s.processed += int64(res.Processed)
	s.failed += int64(res.Failed)
	s.durTotal += res.Duration
	s.batch.add(res.Duration)
	if fellBack {
		s.fallbacks++
	}
	if res.Err != nil {
		s.errors++
	}
}

// Snapshot is a point-in-time view of pipeline metrics.
type Snapshot struct {
	// QueueDepth is the number of closed batches waiting for a delivery
	// slot.
	QueueDepth int `json:"queue_depth"`

	// BufferedEvents is the number of events in the open buffer.
	BufferedEvents int `json:"buffered_events"`

	// ActiveBatches is the number of batches currently being delivered.
	ActiveBatches int64 `json:"active_batches"`

	EventsSubmitted   int64 `json:"events_submitted"`
	EventsProcessed   int64 `json:"events_processed"`
	EventsFailed      int64 `json:"events_failed"`
	BatchesDispatched int64 `json:"batches_dispatched"`
	BatchRetries      int64 `json:"batch_retries"`
	FallbackBatches   int64 `json:"fallback_batches"`

	// ErrorCount is the number of batches that reached a terminal state
	// with an error attached.
	ErrorCount int64 `json:"error_count"`

	// AvgBatchDuration is the all-time mean delivery latency;
	// the percentiles cover the recent sample window only.
	AvgBatchDuration time.Duration `json:"avg_batch_duration"`
	P50BatchDuration time.Duration `json:"p50_batch_duration"`
	P95BatchDuration time.Duration `json:"p95_batch_duration"`

	// Throughput is processed events per second since start.
	Throughput float64 `json:"throughput_per_sec"`

	Uptime time.Duration `json:"uptime"`
}

// snapshot captures the counters together with live queue and buffer depth
// supplied by the processor.
func (s *stats) snapshot(queueDepth, bufferedEvents int) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	uptime := time.Since(s.startedAt)
	var avg time.Duration
	if s.batches > 0 {
		avg = s.durTotal / time.Duration(s.batches)
	}
	var throughput float64
	if secs := uptime.Seconds(); secs > 0 {
		throughput = float64(s.processed) / secs
	}
	p50, p95 := s.batch.percentiles()

	return Snapshot{
		QueueDepth:        queueDepth,
		BufferedEvents:    bufferedEvents,
		ActiveBatches:     s.active,
		EventsSubmitted:   s.submitted,
		EventsProcessed:   s.processed,
		EventsFailed:      s.failed,
		BatchesDispatched: s.batches,
		BatchRetries:      s.retries,
		FallbackBatches:   s.fallbacks,
		ErrorCount:        s.errors,
		AvgBatchDuration:  avg,
		P50BatchDuration:  p50,
		P95BatchDuration:  p95,
		Throughput:        throughput,
		Uptime:            uptime,
	}
}

// durationBuffer is a bounded ring buffer of duration samples.
type durationBuffer struct {
	data []time.Duration
	size int
	pos  int
	full bool
}

func newDurationBuffer(size int) durationBuffer {
	return durationBuffer{
		data: make([]time.Duration, size),
		size: size,
	}
}

func (db *durationBuffer) add(d time.Duration) {
	db.data[db.pos] = d
	db.pos++
	if db.pos >= db.size {
		db.pos = 0
		db.full = true
	}
}

// percentiles returns the p50 and p95 values over the valid samples using
// nearest-rank on a sorted copy.
func (db *durationBuffer) percentiles() (p50, p95 time.Duration) {
	n := db.pos
	if db.full {
		n = db.size
	}
	if n == 0 {
		return 0, 0
	}

	sorted := make([]time.Duration, n)
	if db.full {
		copy(sorted, db.data)
	} else {
		copy(sorted, db.data[:n])
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return percentile(sorted, 0.50), percentile(sorted, 0.95)
}

// percentile returns the value at the given percentile (0.0-1.0) from a
// sorted slice of durations using nearest-rank.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
