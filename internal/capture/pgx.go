package capture

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/flowmetry/flowmetry/pkg/event"
)

// maxSQLAttr bounds the SQL text stored on a captured query event.
const maxSQLAttr = 200

// queryStartKey carries the query start data from TraceQueryStart to
// TraceQueryEnd through the context.
type queryStartKey struct{}

type queryStart struct {
	at  time.Time
	sql string
}

// Tracer returns a [pgx.QueryTracer] that times every query, records its
// latency to [observe.Metrics.QueryDuration] and submits a db_query event on
// completion. Wire it into a pool via pgxpool config:
//
//	cfg.ConnConfig.Tracer = cap.Tracer()
func (c *Capture) Tracer() pgx.QueryTracer {
	return queryTracer{c: c}
}

type queryTracer struct {
	c *Capture
}

// TraceQueryStart implements [pgx.QueryTracer].
func (t queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryStartKey{}, queryStart{at: time.Now(), sql: data.SQL})
}

// TraceQueryEnd implements [pgx.QueryTracer].
func (t queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	qs, ok := ctx.Value(queryStartKey{}).(queryStart)
	if !ok {
		return
	}
	// Pool pings execute a bare ";". Not a query worth recording.
	if s := strings.TrimSpace(qs.sql); s == "" || s == ";" {
		return
	}
	duration := time.Since(qs.at)
	command := queryCommand(qs.sql)

	if t.c.m != nil {
		t.c.m.QueryDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("command", command)),
		)
	}

	if !t.c.sampled() {
		return
	}
	ev := event.New(event.KindDBQuery, command)
	ev.At = qs.at
	ev.Duration = duration
	ev.Status = "ok"
	if data.Err != nil {
		ev.Status = "error"
		ev.SetAttr("error", data.Err.Error())
	} else if tag := data.CommandTag.String(); tag != "" {
		ev.SetAttr("command_tag", tag)
	}
	ev.SetAttr("sql", truncate(qs.sql, maxSQLAttr))
	t.c.submit(ctx, ev)
}

// queryCommand extracts the leading SQL verb ("SELECT", "INSERT", ...) as a
// low-cardinality label. Unrecognisable statements become "OTHER".
func queryCommand(sql string) string {
	sql = strings.TrimSpace(sql)
	end := strings.IndexFunc(sql, unicode.IsSpace)
	if end < 0 {
		end = len(sql)
	}
	verb := strings.ToUpper(sql[:end])
	switch verb {
	case "SELECT", "INSERT", "UPDATE", "DELETE", "WITH", "BEGIN", "COMMIT", "ROLLBACK", "COPY", "CREATE", "ALTER", "DROP", "TRUNCATE":
		return verb
	}
	return "OTHER"
}

// truncate shortens s to at most n bytes, marking the cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
