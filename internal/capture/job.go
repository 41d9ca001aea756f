package capture

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/flowmetry/flowmetry/internal/observe"
	"github.com/flowmetry/flowmetry/pkg/event"
)

// JobFunc is a background job body.
type JobFunc = func(ctx context.Context) error

// Job wraps fn so each run is traced and captured as a job event. The
// wrapped function returns fn's error unchanged.
func (c *Capture) Job(name string, fn JobFunc) JobFunc {
	return func(ctx context.Context) error {
		start := time.Now()
		spanCtx, span := observe.StartSpan(ctx, "job "+name,
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		err := fn(spanCtx)
		span.End()

		if !c.sampled() {
			return err
		}
		ev := event.New(event.KindJob, name)
		ev.At = start
		ev.Duration = time.Since(start)
		ev.Status = "ok"
		if err != nil {
			ev.Status = "error"
			ev.SetAttr("error", err.Error())
		}
		c.submit(spanCtx, ev)
		return err
	}
}
