package postgres

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mnemogo/mnemogo/internal/aggregate"
	"github.com/mnemogo/mnemogo/internal/observability"
)

// Adapter is a journal.Adapter backed by the events table.
type Adapter[Evt any] struct {
	Pool   Pool
	logger *slog.Logger
}

// Pool is the subset of *pgxpool.Pool the adapter depends on, narrowed for
// testability with pgxmock the way the rest of this module's repositories
// are.
type Pool interface {
	Exec(ctx aggregate.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx aggregate.Context, sql string, args ...any) pgx.Row
	Query(ctx aggregate.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx aggregate.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// New constructs a postgres journal adapter over an existing pool, logging
// through logger.
func New[Evt any](p Pool, logger *slog.Logger) *Adapter[Evt] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter[Evt]{Pool: p, logger: logger}
}

// opLogger prefers the request-scoped logger the dispatcher placed in ctx,
// so journal logs carry the request_id of the command that triggered them.
func (a *Adapter[Evt]) opLogger(ctx aggregate.Context) *slog.Logger {
	if observability.RequestIDFromContext(ctx) != "" {
		return observability.LoggerFromContext(ctx)
	}
	return a.logger
}

// Highest implements journal.Adapter.
func (a *Adapter[Evt]) Highest(ctx aggregate.Context, entityID string) (int64, bool, error) {
	tracer := otel.Tracer("journal.postgres")
	ctx, span := tracer.Start(ctx, "journal.Highest")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "events"),
	)

	lg := a.opLogger(ctx)
	var seqNr *int64
	row := a.Pool.QueryRow(ctx, `SELECT MAX(seq_nr) FROM events WHERE entity_id = $1`, entityID)
	if err := row.Scan(&seqNr); err != nil {
		lg.Error("journal highest failed",
			slog.String("entity_id", entityID),
			slog.Any("error", err))
		return 0, false, fmt.Errorf("op=journal.highest: %w", aggregate.ErrStorage)
	}
	if seqNr == nil {
		lg.Debug("journal highest", slog.String("entity_id", entityID), slog.Bool("found", false))
		return 0, false, nil
	}
	lg.Debug("journal highest",
		slog.String("entity_id", entityID),
		slog.Int64("seq_nr", *seqNr),
		slog.Bool("found", true))
	return *seqNr, true, nil
}

// Write implements journal.Adapter, running the whole batch inside one
// transaction so partial writes are never observable.
func (a *Adapter[Evt]) Write(ctx aggregate.Context, batch []aggregate.Record[Evt]) error {
	if len(batch) == 0 {
		return fmt.Errorf("op=journal.write: %w", aggregate.ErrInvalidCommand)
	}

	tracer := otel.Tracer("journal.postgres")
	ctx, span := tracer.Start(ctx, "journal.Write")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "events"),
	)

	lg := a.opLogger(ctx)
	lg.Debug("journal write begin",
		slog.String("entity_id", batch[0].EntityID()),
		slog.Int("batch_size", len(batch)),
		slog.Int64("first_seq_nr", batch[0].SeqNr()),
		slog.Int64("last_seq_nr", batch[len(batch)-1].SeqNr()))

	tx, err := a.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		lg.Error("journal write begin_tx failed",
			slog.String("entity_id", batch[0].EntityID()),
			slog.Any("error", err))
		return fmt.Errorf("op=journal.write.begin_tx: %w", aggregate.ErrConnection)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	q := `INSERT INTO events (id, entity_id, seq_nr, timestamp, payload) VALUES ($1,$2,$3,$4,$5)`
	for _, rec := range batch {
		payload, err := json.Marshal(rec.Message)
		if err != nil {
			lg.Error("journal write marshal failed",
				slog.String("entity_id", rec.EntityID()),
				slog.Int64("seq_nr", rec.SeqNr()),
				slog.Any("error", err))
			return fmt.Errorf("op=journal.write.marshal: %w", aggregate.ErrDecoding)
		}
		if _, err := tx.Exec(ctx, q, uuid.New().String(), rec.EntityID(), rec.SeqNr(), rec.Timestamp(), payload); err != nil {
			lg.Error("journal write exec failed",
				slog.String("entity_id", rec.EntityID()),
				slog.Int64("seq_nr", rec.SeqNr()),
				slog.Any("error", err))
			return fmt.Errorf("op=journal.write.exec: %w", aggregate.ErrStorage)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		lg.Error("journal write commit failed",
			slog.String("entity_id", batch[0].EntityID()),
			slog.Any("error", err))
		return fmt.Errorf("op=journal.write.commit: %w", aggregate.ErrStorage)
	}
	committed = true

	lg.Debug("journal write committed",
		slog.String("entity_id", batch[0].EntityID()),
		slog.Int64("last_seq_nr", batch[len(batch)-1].SeqNr()))
	return nil
}

// Replay implements journal.Adapter.
func (a *Adapter[Evt]) Replay(ctx aggregate.Context, entityID string, from, to int64, max int) (<-chan aggregate.Record[Evt], <-chan error) {
	out := make(chan aggregate.Record[Evt])
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		tracer := otel.Tracer("journal.postgres")
		ctx, span := tracer.Start(ctx, "journal.Replay")
		defer span.End()
		span.SetAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", "SELECT"),
			attribute.String("db.sql.table", "events"),
		)

		lg := a.opLogger(ctx)
		lg.Debug("journal replay begin",
			slog.String("entity_id", entityID),
			slog.Int64("from", from),
			slog.Int64("to", to),
			slog.Int("max", max))

		q := `SELECT entity_id, seq_nr, timestamp, payload FROM events
		      WHERE entity_id = $1 AND seq_nr > $2 AND seq_nr <= $3
		      ORDER BY seq_nr ASC LIMIT $4`
		rows, err := a.Pool.Query(ctx, q, entityID, from, to, max)
		if err != nil {
			lg.Error("journal replay query failed",
				slog.String("entity_id", entityID),
				slog.Any("error", err))
			errc <- fmt.Errorf("op=journal.replay.query: %w", aggregate.ErrStorage)
			return
		}
		defer rows.Close()

		count := 0
		for rows.Next() {
			var rec aggregate.Record[Evt]
			var id string
			var seq int64
			var ts time.Time
			var payload []byte
			if err := rows.Scan(&id, &seq, &ts, &payload); err != nil {
				lg.Error("journal replay scan failed",
					slog.String("entity_id", entityID),
					slog.Any("error", err))
				errc <- fmt.Errorf("op=journal.replay.scan: %w", aggregate.ErrStorage)
				return
			}
			if err := json.Unmarshal(payload, &rec.Message); err != nil {
				lg.Error("journal replay unmarshal failed",
					slog.String("entity_id", entityID),
					slog.Int64("seq_nr", seq),
					slog.Any("error", err))
				errc <- fmt.Errorf("op=journal.replay.unmarshal: %w", aggregate.ErrDecoding)
				return
			}
			rec.ID = id
			rec.Seq = seq
			rec.Stamp = ts

			select {
			case out <- rec:
				count++
			case <-ctx.Done():
				return
			}
		}
		if err := rows.Err(); err != nil {
			lg.Error("journal replay rows failed",
				slog.String("entity_id", entityID),
				slog.Any("error", err))
			errc <- fmt.Errorf("op=journal.replay.rows: %w", aggregate.ErrStorage)
			return
		}

		lg.Debug("journal replay complete",
			slog.String("entity_id", entityID),
			slog.Int("count", count))
	}()

	return out, errc
}
