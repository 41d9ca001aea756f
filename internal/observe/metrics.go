// Package observe provides application-wide observability primitives for
// flowmetry: OpenTelemetry metrics, distributed tracing, and the structured
// logging helpers that tie them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all flowmetry metrics.
const meterName = "github.com/flowmetry/flowmetry"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// BatchDuration tracks end-to-end batch delivery latency including
	// retries and fallback. Use with attribute:
	//   attribute.String("status", "ok"|"partial"|"failed")
	BatchDuration metric.Float64Histogram

	// HTTPRequestDuration tracks captured HTTP request processing time.
	// Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// QueryDuration tracks captured database query latency. Use with
	// attribute: attribute.String("command", ...)
	QueryDuration metric.Float64Histogram

	// --- Event counters ---

	// EventsSubmitted counts events accepted into the pipeline buffer.
	EventsSubmitted metric.Int64Counter

	// EventsProcessed counts events persisted by a sink, batch or fallback
	// path alike.
	EventsProcessed metric.Int64Counter

	// EventsFailed counts events that exhausted every delivery path.
	EventsFailed metric.Int64Counter

	// EventsFallback counts events routed through a degraded path. Use
	// with attribute: attribute.String("layer", "batch"|"submit")
	EventsFallback metric.Int64Counter

	// BatchRetries counts whole-batch delivery retries.
	BatchRetries metric.Int64Counter

	// --- Breaker counters ---

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("name", ...), attribute.String("from", ...),
	// attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// BreakerRejections counts calls rejected at breaker admission. Use
	// with attribute: attribute.String("name", ...)
	BreakerRejections metric.Int64Counter

	// --- Alerting counters ---

	// Alerts counts notifier outcomes. Use with attribute:
	//   attribute.String("outcome", "sent"|"suppressed"|"dropped")
	Alerts metric.Int64Counter

	// --- Gauges ---

	// ActiveBatches tracks batches currently being delivered.
	ActiveBatches metric.Int64UpDownCounter

	// QueuedBatches tracks batches waiting for a delivery slot.
	QueuedBatches metric.Int64UpDownCounter

	// DevtoolsClients tracks connected devtools WebSocket subscribers.
	DevtoolsClients metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for pipeline delivery and request latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.BatchDuration, err = m.Float64Histogram("flowmetry.batch.duration",
		metric.WithDescription("End-to-end batch delivery latency including retries and fallback."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("flowmetry.http.request.duration",
		metric.WithDescription("Captured HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.QueryDuration, err = m.Float64Histogram("flowmetry.query.duration",
		metric.WithDescription("Captured database query latency by command."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Event counters.
	if met.EventsSubmitted, err = m.Int64Counter("flowmetry.events.submitted",
		metric.WithDescription("Total events accepted into the pipeline buffer."),
	); err != nil {
		return nil, err
	}
	if met.EventsProcessed, err = m.Int64Counter("flowmetry.events.processed",
		metric.WithDescription("Total events persisted by a sink."),
	); err != nil {
		return nil, err
	}
	if met.EventsFailed, err = m.Int64Counter("flowmetry.events.failed",
		metric.WithDescription("Total events that exhausted every delivery path."),
	); err != nil {
		return nil, err
	}
	if met.EventsFallback, err = m.Int64Counter("flowmetry.events.fallback",
		metric.WithDescription("Total events routed through a degraded path by layer."),
	); err != nil {
		return nil, err
	}
	if met.BatchRetries, err = m.Int64Counter("flowmetry.batch.retries",
		metric.WithDescription("Total whole-batch delivery retries."),
	); err != nil {
		return nil, err
	}

	// Breaker counters.
	if met.BreakerTransitions, err = m.Int64Counter("flowmetry.breaker.transitions",
		metric.WithDescription("Total circuit breaker state transitions by breaker and direction."),
	); err != nil {
		return nil, err
	}
	if met.BreakerRejections, err = m.Int64Counter("flowmetry.breaker.rejections",
		metric.WithDescription("Total calls rejected at circuit breaker admission by breaker."),
	); err != nil {
		return nil, err
	}

	// Alerting counters.
	if met.Alerts, err = m.Int64Counter("flowmetry.alerts",
		metric.WithDescription("Total alert notifier outcomes."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveBatches, err = m.Int64UpDownCounter("flowmetry.batches.active",
		metric.WithDescription("Number of batches currently being delivered."),
	); err != nil {
		return nil, err
	}
	if met.QueuedBatches, err = m.Int64UpDownCounter("flowmetry.batches.queued",
		metric.WithDescription("Number of batches waiting for a delivery slot."),
	); err != nil {
		return nil, err
	}
	if met.DevtoolsClients, err = m.Int64UpDownCounter("flowmetry.devtools.clients",
		metric.WithDescription("Number of connected devtools WebSocket subscribers."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordBatch records one terminal batch outcome: its delivery latency and
// the per-event processed/failed tallies.
func (m *Metrics) RecordBatch(ctx context.Context, seconds float64, status string, processed, failed int64) {
	m.BatchDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("status", status)),
	)
	if processed > 0 {
		m.EventsProcessed.Add(ctx, processed)
	}
	if failed > 0 {
		m.EventsFailed.Add(ctx, failed)
	}
}

// RecordFallback records n events routed through a degraded path at the
// given layer ("batch" for per-event decomposition, "submit" for the
// orchestrator's log-and-continue path).
func (m *Metrics) RecordFallback(ctx context.Context, layer string, n int64) {
	m.EventsFallback.Add(ctx, n,
		metric.WithAttributes(attribute.String("layer", layer)),
	)
}

// RecordBreakerTransition records one circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, from, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordBreakerRejection records one call rejected at breaker admission.
func (m *Metrics) RecordBreakerRejection(ctx context.Context, name string) {
	m.BreakerRejections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("name", name)),
	)
}

// RecordAlert records one alert notifier outcome.
func (m *Metrics) RecordAlert(ctx context.Context, outcome string) {
	m.Alerts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}
