package platform

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crimelink/internal/models"
	"crimelink/pkg/geo"
)

const registrySchema = `
CREATE TABLE IF NOT EXISTS task_registrations (
	name TEXT PRIMARY KEY,
	options TEXT NOT NULL,
	registered_at TEXT NOT NULL
);
`

// Registration is a started location task.
type Registration struct {
	Name         string
	Options      Options
	RegisteredAt time.Time
}

// Local is an in-process location service. Task registrations live in SQLite
// so they outlive the process, the way the device keeps a started task
// registered across app restarts. Callbacks are per process and must be
// defined again on every start.
type Local struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]TaskFunc
	last  map[string]models.Fix
}

// NewLocal creates the registry table on db if needed.
func NewLocal(ctx context.Context, db *sql.DB, logger *slog.Logger) (*Local, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if _, err := db.ExecContext(ctx, registrySchema); err != nil {
		return nil, fmt.Errorf("platform: creating task registry: %w", err)
	}
	return &Local{
		db:     db,
		logger: logger,
		tasks:  make(map[string]TaskFunc),
		last:   make(map[string]models.Fix),
	}, nil
}

func (l *Local) Define(name string, fn TaskFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks[name] = fn
}

func (l *Local) HasStartedLocationUpdates(ctx context.Context, name string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_registrations WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("platform: looking up task %s: %w", name, err)
	}
	return n > 0, nil
}

func (l *Local) StartLocationUpdates(ctx context.Context, name string, opts Options) error {
	if name == "" {
		return errors.New("platform: task name is required")
	}
	l.mu.Lock()
	_, defined := l.tasks[name]
	l.mu.Unlock()
	if !defined {
		return fmt.Errorf("platform: task %s is not defined", name)
	}

	encoded, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("platform: encoding options for %s: %w", name, err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO task_registrations (name, options, registered_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET options = excluded.options`,
		name, string(encoded), models.FormatTimestamp(time.Now()))
	if err != nil {
		return fmt.Errorf("platform: registering task %s: %w", name, err)
	}

	l.logger.Info("location updates started",
		"task", name,
		"accuracy", opts.Accuracy,
		"time_interval", opts.TimeInterval,
		"distance_interval_m", opts.DistanceInterval,
	)
	return nil
}

func (l *Local) StopLocationUpdates(ctx context.Context, name string) error {
	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM task_registrations WHERE name = ?`, name); err != nil {
		return fmt.Errorf("platform: unregistering task %s: %w", name, err)
	}
	l.mu.Lock()
	delete(l.last, name)
	l.mu.Unlock()

	l.logger.Info("location updates stopped", "task", name)
	return nil
}

// Registrations lists the started tasks.
func (l *Local) Registrations(ctx context.Context) ([]Registration, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT name, options, registered_at FROM task_registrations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("platform: listing tasks: %w", err)
	}
	defer rows.Close()

	var out []Registration
	for rows.Next() {
		var (
			reg            Registration
			options, regAt string
		)
		if err := rows.Scan(&reg.Name, &options, &regAt); err != nil {
			return nil, fmt.Errorf("platform: listing tasks: %w", err)
		}
		if err := json.Unmarshal([]byte(options), &reg.Options); err != nil {
			return nil, fmt.Errorf("platform: task %s has bad options: %w", reg.Name, err)
		}
		reg.RegisteredAt, _ = models.ParseTimestamp(regAt)
		out = append(out, reg)
	}
	return out, rows.Err()
}

// Deliver hands fixes to every registered task that has a callback in this
// process, after applying the registration's time and distance intervals.
// Callback errors and panics are returned joined; registrations are never
// touched by a failing callback.
func (l *Local) Deliver(ctx context.Context, fixes []models.Fix) error {
	regs, err := l.Registrations(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, reg := range regs {
		fn := l.callback(reg.Name)
		if fn == nil {
			l.logger.Warn("registered task has no callback in this process", "task", reg.Name)
			continue
		}

		accepted := l.throttle(reg, fixes)
		if len(accepted) == 0 {
			continue
		}
		if err := l.invoke(ctx, reg.Name, fn, TaskEvent{Locations: accepted}); err != nil {
			errs = append(errs, err)
			continue
		}

		l.mu.Lock()
		l.last[reg.Name] = accepted[len(accepted)-1]
		l.mu.Unlock()
	}
	return errors.Join(errs...)
}

// DeliverError reports a location service failure to every registered task.
func (l *Local) DeliverError(ctx context.Context, cause error) error {
	regs, err := l.Registrations(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, reg := range regs {
		if fn := l.callback(reg.Name); fn != nil {
			if err := l.invoke(ctx, reg.Name, fn, TaskEvent{Err: cause}); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (l *Local) callback(name string) TaskFunc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tasks[name]
}

// throttle drops invalid fixes and fixes that come sooner or closer than the
// registration allows relative to the last one delivered.
func (l *Local) throttle(reg Registration, fixes []models.Fix) []models.Fix {
	l.mu.Lock()
	last, seen := l.last[reg.Name]
	l.mu.Unlock()

	var out []models.Fix
	for _, fix := range fixes {
		p := geo.Point{Lat: fix.Latitude, Lon: fix.Longitude}
		if !p.Valid() {
			l.logger.Warn("dropping fix with invalid coordinates",
				"task", reg.Name, "latitude", fix.Latitude, "longitude", fix.Longitude)
			continue
		}
		if seen {
			elapsed := fix.Timestamp.Sub(last.Timestamp)
			moved := geo.DistanceMeters(geo.Point{Lat: last.Latitude, Lon: last.Longitude}, p)
			if elapsed < reg.Options.TimeInterval || moved < reg.Options.DistanceInterval {
				continue
			}
		}
		out = append(out, fix)
		last, seen = fix, true
	}
	return out
}

func (l *Local) invoke(ctx context.Context, name string, fn TaskFunc, event TaskEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("platform: task %s panicked: %v", name, r)
		}
		if err != nil {
			l.logger.Error("location task failed", "task", name, "error", err)
		}
	}()
	return fn(ctx, event)
}
