// Package pgsink uploads location batches into a Postgres table.
package pgsink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"crimelink/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS officer_locations (
	id          TEXT PRIMARY KEY,
	batch_id    TEXT NOT NULL,
	captured_at TIMESTAMPTZ NOT NULL,
	latitude    DOUBLE PRECISION NOT NULL,
	longitude   DOUBLE PRECISION NOT NULL,
	accuracy_m  DOUBLE PRECISION,
	speed_mps   DOUBLE PRECISION,
	heading_deg DOUBLE PRECISION,
	provider    TEXT,
	meta        JSONB,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_officer_locations_captured_at ON officer_locations (captured_at);
`

const insertLocation = `
INSERT INTO officer_locations
	(id, batch_id, captured_at, latitude, longitude, accuracy_m, speed_mps, heading_deg, provider, meta)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb)
ON CONFLICT (id) DO NOTHING`

// DB is the part of *pgxpool.Pool the sink uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Connect opens a pool and checks it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgsink: parsing dsn: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgsink: connecting: %w", err)
	}
	return pool, nil
}

type Sink struct {
	db     DB
	logger *slog.Logger
}

func New(db DB, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sink{db: db, logger: logger}
}

// EnsureSchema creates officer_locations if needed.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("pgsink: creating schema: %w", err)
	}
	return nil
}

// Upload inserts every record of the batch in one transaction. Rows already
// present from an earlier attempt are skipped; the commit acknowledges the
// batch.
func (s *Sink) Upload(ctx context.Context, batch models.Batch) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgsink: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	queued := &pgx.Batch{}
	for _, r := range batch.Records {
		queued.Queue(insertLocation, rowArgs(batch.ID, r)...)
	}

	results := tx.SendBatch(ctx, queued)
	inserted := int64(0)
	for range batch.Records {
		tag, execErr := results.Exec()
		if execErr != nil {
			_ = results.Close()
			return fmt.Errorf("pgsink: inserting batch %s: %w", batch.ID, execErr)
		}
		inserted += tag.RowsAffected()
	}
	if err = results.Close(); err != nil {
		return fmt.Errorf("pgsink: inserting batch %s: %w", batch.ID, err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("pgsink: commit batch %s: %w", batch.ID, err)
	}
	s.logger.Debug("batch inserted", "batch", batch.ID, "records", len(batch.Records), "new", inserted)
	return nil
}

// rowArgs projects r onto the insertLocation parameters. Meta that is not
// valid JSON is stored as NULL.
func rowArgs(batchID string, r models.LocationRecord) []any {
	var meta any
	if len(r.Meta) > 0 && json.Valid(r.Meta) {
		meta = string(r.Meta)
	}
	var provider any
	if r.Provider != "" {
		provider = r.Provider
	}
	return []any{
		r.ID,
		batchID,
		r.CapturedAt.UTC().Truncate(time.Millisecond),
		r.Latitude,
		r.Longitude,
		r.AccuracyMeters,
		r.SpeedMetersPerSecond,
		r.HeadingDegrees,
		provider,
		meta,
	}
}
