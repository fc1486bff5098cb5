// Package store is the durable, ordered queue of location records waiting
// for upload. It is backed by an embedded SQLite database; every operation is
// a single statement, so concurrent callers need no application-level locks.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"crimelink/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_locations (
	id TEXT PRIMARY KEY,
	ts TEXT NOT NULL,
	latitude REAL NOT NULL,
	longitude REAL NOT NULL,
	accuracyM REAL,
	speedMps REAL,
	headingDeg REAL,
	provider TEXT,
	meta TEXT
);

CREATE INDEX IF NOT EXISTS idx_pending_locations_ts ON pending_locations(ts);
`

// Store holds pending location records. It does not own the database handle
// when built with New.
type Store struct {
	db     *sql.DB
	owned  bool
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for operational messages.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open opens (creating if needed) the SQLite file at path and initializes the
// schema. The returned Store owns the handle and closes it on Close.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: creating %s: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}

	s := New(db, opts...)
	s.owned = true
	if err := s.Initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info("pending location store opened", "path", path)
	return s, nil
}

// New wraps an already open database handle. Call Initialize before use.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying handle so other components can share the file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Initialize creates the schema if it does not exist. It never touches
// existing rows and is safe to call on every entry point.
func (s *Store) Initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: creating schema: %w", err)
	}
	return nil
}

// Enqueue inserts a record. A record whose id is already queued is ignored.
func (s *Store) Enqueue(ctx context.Context, r models.LocationRecord) error {
	var meta any
	if len(r.Meta) > 0 {
		meta = string(r.Meta)
	}
	var provider any
	if r.Provider != "" {
		provider = r.Provider
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO pending_locations
		 (id, ts, latitude, longitude, accuracyM, speedMps, headingDeg, provider, meta)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Timestamp(), r.Latitude, r.Longitude,
		nullable(r.AccuracyMeters), nullable(r.SpeedMetersPerSecond), nullable(r.HeadingDegrees),
		provider, meta,
	)
	if err != nil {
		return fmt.Errorf("store: enqueue %s: %w", r.ID, err)
	}
	return nil
}

// PeekBatch returns up to limit records, oldest capture first, without
// removing them. Records with equal capture times come out in insertion order.
func (s *Store) PeekBatch(ctx context.Context, limit int) ([]models.LocationRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, latitude, longitude, accuracyM, speedMps, headingDeg, provider, meta
		 FROM pending_locations
		 ORDER BY ts ASC, rowid ASC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: peek: %w", err)
	}
	defer rows.Close()

	var out []models.LocationRecord
	for rows.Next() {
		var (
			r                        models.LocationRecord
			ts                       string
			accuracy, speed, heading sql.NullFloat64
			provider, meta           sql.NullString
		)
		if err := rows.Scan(&r.ID, &ts, &r.Latitude, &r.Longitude, &accuracy, &speed, &heading, &provider, &meta); err != nil {
			return nil, fmt.Errorf("store: peek: %w", err)
		}
		r.CapturedAt, err = models.ParseTimestamp(ts)
		if err != nil {
			return nil, fmt.Errorf("store: record %s has bad timestamp %q: %w", r.ID, ts, err)
		}
		r.AccuracyMeters = floatPtr(accuracy)
		r.SpeedMetersPerSecond = floatPtr(speed)
		r.HeadingDegrees = floatPtr(heading)
		r.Provider = provider.String
		if meta.Valid {
			r.Meta = json.RawMessage(meta.String)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: peek: %w", err)
	}
	return out, nil
}

// removeChunk bounds the ids bound into one DELETE, well under SQLite's host
// parameter limit.
var removeChunk = 500

// Remove deletes exactly the records with the given ids in one transaction.
// Unknown ids are ignored; an empty set is a no-op.
func (s *Store) Remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: remove %d records: %w", len(ids), err)
	}
	defer tx.Rollback()

	for start := 0; start < len(ids); start += removeChunk {
		chunk := ids[start:min(start+removeChunk, len(ids))]
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM pending_locations WHERE id IN (`+placeholders+`)`, args...); err != nil {
			return fmt.Errorf("store: remove %d records: %w", len(ids), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: remove %d records: %w", len(ids), err)
	}
	return nil
}

// Count returns the queue depth.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_locations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

// Close releases the database handle if the Store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	s.logger.Info("pending location store closed")
	return nil
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
