// Package postgres provides the relational journal adapter: a durable
// events table backed by pgx, instrumented with OpenTelemetry the way the
// rest of this module's storage-facing code is.
package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool creates a pgx connection pool from dsn configured for the
// journal's access pattern: short-lived checkouts, modest idle ceiling,
// OTel tracing on every query.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.ConnConfig.Tracer = otelpgx.NewTracer(otelpgx.WithTrimSQLInSpanName())

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := otelpgx.RecordStats(pool); err != nil {
		slog.Warn("failed to record pgx stats", slog.Any("error", err))
	}
	return pool, nil
}

// Schema is the DDL for the journal's events table. Callers run it (or an
// equivalent migration) once before starting the engine against a fresh
// database.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	id         uuid PRIMARY KEY,
	entity_id  text NOT NULL,
	seq_nr     bigint NOT NULL,
	timestamp  timestamptz NOT NULL,
	payload    jsonb NOT NULL,
	UNIQUE (entity_id, seq_nr)
);
CREATE INDEX IF NOT EXISTS events_entity_id_seq_nr_idx ON events (entity_id, seq_nr);
`
