package capture

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowmetry/flowmetry/internal/observe"
	"github.com/flowmetry/flowmetry/pkg/event"
)

// statusRecorder wraps [http.ResponseWriter] to capture the status code
// written by the downstream handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code and delegates to the wrapped writer.
func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer so WebSocket upgrades behind the
// middleware can still hijack the connection.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Middleware wraps next with request observation:
//
//  1. Extracts W3C Trace Context from incoming request headers (or starts a
//     new trace) and runs next under a server span.
//  2. Sets the X-Correlation-ID response header from the trace ID.
//  3. Records request duration to [observe.Metrics.HTTPRequestDuration],
//     labelled by the matched route pattern rather than the raw path.
//  4. Logs request completion with status code, duration, and trace info.
//  5. Submits a http_request event for the completed request, subject to the
//     sampling rate.
func (c *Capture) Middleware(next http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := observe.StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		cid := observe.CorrelationID(ctx)
		if cid != "" {
			w.Header().Set("X-Correlation-ID", cid)
		}
		prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		r = r.WithContext(ctx)
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start)

		// The mux fills in Pattern during routing. Pattern carries the
		// method prefix when the route was registered with one; requests
		// that never matched a route fall back to the raw path.
		name := r.Pattern
		if name == "" {
			name = r.Method + " " + r.URL.Path
		}
		pathLabel := strings.TrimPrefix(r.Pattern, r.Method+" ")
		if pathLabel == "" {
			pathLabel = r.URL.Path
		}

		if c.m != nil {
			c.m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", pathLabel),
				),
			)
		}
		span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

		slog.LogAttrs(ctx, slog.LevelInfo, "request completed",
			slog.String("trace_id", cid),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.statusCode),
			slog.Duration("duration", duration),
		)

		if !c.sampled() {
			return
		}
		ev := event.New(event.KindHTTPRequest, name)
		ev.At = start
		ev.Duration = duration
		ev.Status = strconv.Itoa(rec.statusCode)
		ev.SetAttr("method", r.Method)
		ev.SetAttr("path", r.URL.Path)
		c.submit(ctx, ev)
	})
}
