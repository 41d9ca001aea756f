// Package postgres provides a PostgreSQL-backed [sink.Sink] that persists
// pipeline events into a single append-mostly table.
//
// Events key on their ID: inserts use ON CONFLICT DO NOTHING, so the duplicate
// deliveries the pipeline produces under retry collapse into one row. The
// destination table is created by [Migrate] on startup and is safe to share
// between collector instances.
//
// Usage:
//
//	store, err := postgres.New(ctx, postgres.Config{DSN: dsn})
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.ProcessBatch(ctx, batch.Events, batch.ID)
package postgres

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultTable is the destination table used when [Config.Table] is empty.
const DefaultTable = "events"

// tableNamePattern restricts configurable table names to plain identifiers.
// The name is still quoted before interpolation, but index names derive from
// it unquoted, so exotic characters are rejected outright.
var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validateTable(table string) error {
	if !tableNamePattern.MatchString(table) {
		return fmt.Errorf("postgres sink: invalid table name %q", table)
	}
	return nil
}

// ddlEvents returns the event table DDL with the table name substituted.
// received_at records the write time and drives retention; at is the event's
// own timestamp and drives queries.
func ddlEvents(table string) string {
	quoted := pgx.Identifier{table}.Sanitize()
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id          TEXT         PRIMARY KEY,
    kind        TEXT         NOT NULL,
    name        TEXT         NOT NULL,
    at          TIMESTAMPTZ  NOT NULL,
    duration_ns BIGINT       NOT NULL DEFAULT 0,
    status      TEXT         NOT NULL DEFAULT '',
    trace_id    TEXT         NOT NULL DEFAULT '',
    span_id     TEXT         NOT NULL DEFAULT '',
    attrs       JSONB        NOT NULL DEFAULT '{}',
    body        BYTEA,
    batch_id    TEXT         NOT NULL DEFAULT '',
    received_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_%[2]s_kind_at
    ON %[1]s (kind, at);

CREATE INDEX IF NOT EXISTS idx_%[2]s_trace_id
    ON %[1]s (trace_id) WHERE trace_id <> '';

CREATE INDEX IF NOT EXISTS idx_%[2]s_received_at
    ON %[1]s (received_at);
`, quoted, table)
}

// Migrate creates or ensures the event table and its indexes exist. It is
// idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and
// safe to call on every collector start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, table string) error {
	if err := validateTable(table); err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, ddlEvents(table)); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
