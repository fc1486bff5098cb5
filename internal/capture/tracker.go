// Package capture turns location service deliveries into queued records.
//
// The task callback may run in a process that was started only to handle one
// delivery, so it keeps nothing in memory between calls: every fix it accepts
// goes straight into the durable queue, and the queue is initialized on entry.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"crimelink/internal/models"
	"crimelink/internal/platform"
)

// TaskName is the background task the tracker registers with the location
// service.
const TaskName = "CRIMELINK_LOCATION_TASK"

// DefaultAccuracyThreshold is the worst accuracy in meters a fix may report
// and still be queued.
const DefaultAccuracyThreshold = 50.0

// ErrPermissionDenied is returned by Start when the user refused foreground
// or background location access.
var ErrPermissionDenied = errors.New("location permission denied")

// State is the tracking lifecycle as seen by the UI.
type State string

const (
	Stopped  State = "stopped"
	Starting State = "starting"
	Tracking State = "tracking"
)

// Queue is the part of the pending location store capture writes to.
type Queue interface {
	Initialize(ctx context.Context) error
	Enqueue(ctx context.Context, r models.LocationRecord) error
}

// Flusher uploads queued records.
type Flusher interface {
	Flush(ctx context.Context) error
}

// DefaultOptions is the cadence tracking registers with: a high accuracy fix
// every 15 seconds or 15 meters, with the background indicator shown.
func DefaultOptions() platform.Options {
	return platform.Options{
		Accuracy:                   platform.AccuracyHigh,
		TimeInterval:               15 * time.Second,
		DistanceInterval:           15,
		ShowsBackgroundIndicator:   true,
		PausesUpdatesAutomatically: false,
	}
}

// Tracker starts and stops background tracking and handles its deliveries.
type Tracker struct {
	permissions platform.Permissions
	tasks       platform.TaskManager
	queue       Queue
	flusher     Flusher

	options   platform.Options
	threshold float64
	newID     func(models.Fix) string
	logger    *slog.Logger

	lifecycle sync.Mutex
	starting  atomic.Bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithAccuracyThreshold overrides DefaultAccuracyThreshold. Non-positive
// values are ignored.
func WithAccuracyThreshold(meters float64) Option {
	return func(t *Tracker) {
		if meters > 0 {
			t.threshold = meters
		}
	}
}

// WithOptions overrides DefaultOptions.
func WithOptions(opts platform.Options) Option {
	return func(t *Tracker) { t.options = opts }
}

// WithIDGenerator replaces models.Fix.StableID as the source of ids for fixes
// delivered without one.
func WithIDGenerator(fn func(models.Fix) string) Option {
	return func(t *Tracker) {
		if fn != nil {
			t.newID = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New builds a Tracker. flusher may be nil, in which case deliveries only
// queue records.
func New(permissions platform.Permissions, tasks platform.TaskManager, queue Queue, flusher Flusher, opts ...Option) *Tracker {
	t := &Tracker{
		permissions: permissions,
		tasks:       tasks,
		queue:       queue,
		flusher:     flusher,
		options:     DefaultOptions(),
		threshold:   DefaultAccuracyThreshold,
		newID:       models.Fix.StableID,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register defines the task callback with the location service. Call it on
// every process start, before the service can deliver.
func (t *Tracker) Register() {
	t.tasks.Define(TaskName, t.HandleTask)
}

// Start asks for foreground then background permission and registers the
// location task. It is a no-op when the task is already registered.
func (t *Tracker) Start(ctx context.Context) error {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()
	t.starting.Store(true)
	defer t.starting.Store(false)

	foreground, err := t.permissions.RequestForeground(ctx)
	if err != nil {
		return fmt.Errorf("requesting foreground location permission: %w", err)
	}
	if foreground != platform.Granted {
		return fmt.Errorf("foreground %w", ErrPermissionDenied)
	}

	background, err := t.permissions.RequestBackground(ctx)
	if err != nil {
		return fmt.Errorf("requesting background location permission: %w", err)
	}
	if background != platform.Granted {
		return fmt.Errorf("background %w", ErrPermissionDenied)
	}

	started, err := t.tasks.HasStartedLocationUpdates(ctx, TaskName)
	if err != nil {
		return err
	}
	if started {
		t.logger.Debug("location task already registered", "task", TaskName)
		return nil
	}

	if err := t.tasks.StartLocationUpdates(ctx, TaskName, t.options); err != nil {
		return err
	}
	t.logger.Info("on-duty tracking started", "task", TaskName)
	return nil
}

// Stop unregisters the location task. It is a no-op when tracking is not
// running. An upload already in flight is not cancelled.
func (t *Tracker) Stop(ctx context.Context) error {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	started, err := t.tasks.HasStartedLocationUpdates(ctx, TaskName)
	if err != nil {
		return err
	}
	if !started {
		return nil
	}
	if err := t.tasks.StopLocationUpdates(ctx, TaskName); err != nil {
		return err
	}
	t.logger.Info("on-duty tracking stopped", "task", TaskName)
	return nil
}

// Status derives the current state from the location service registry.
func (t *Tracker) Status(ctx context.Context) (State, error) {
	if t.starting.Load() {
		return Starting, nil
	}
	started, err := t.tasks.HasStartedLocationUpdates(ctx, TaskName)
	if err != nil {
		return "", err
	}
	if started {
		return Tracking, nil
	}
	return Stopped, nil
}

// Accept reports whether fix is good enough to queue. Fixes without an
// accuracy estimate are accepted.
func (t *Tracker) Accept(fix models.Fix) bool {
	return fix.Accuracy == nil || *fix.Accuracy <= t.threshold
}

// HandleTask is the location task callback. A delivery carrying an error is
// logged and otherwise ignored. Accepted fixes are queued and then a flush is
// attempted; a failed flush is logged and left for the next delivery. Only
// queue failures are returned.
func (t *Tracker) HandleTask(ctx context.Context, event platform.TaskEvent) error {
	if event.Err != nil {
		t.logger.Error("location task reported an error", "task", TaskName, "error", event.Err)
		return nil
	}
	if len(event.Locations) == 0 {
		return nil
	}

	if err := t.queue.Initialize(ctx); err != nil {
		return err
	}

	queued := 0
	for _, fix := range event.Locations {
		if !t.Accept(fix) {
			continue
		}
		record, err := t.record(fix)
		if err != nil {
			return err
		}
		if err := t.queue.Enqueue(ctx, record); err != nil {
			return err
		}
		queued++
	}
	if queued == 0 {
		return nil
	}
	t.logger.Debug("fixes queued", "count", queued)

	if t.flusher != nil {
		if err := t.flusher.Flush(ctx); err != nil {
			t.logger.Warn("upload after capture failed, records stay queued", "error", err)
		}
	}
	return nil
}

func (t *Tracker) record(fix models.Fix) (models.LocationRecord, error) {
	id := fix.ID
	if id == "" {
		id = t.newID(fix)
	}
	meta, err := json.Marshal(map[string]*float64{"battery": fix.Battery})
	if err != nil {
		return models.LocationRecord{}, fmt.Errorf("encoding meta for %s: %w", id, err)
	}

	return models.LocationRecord{
		ID:                   id,
		CapturedAt:           fix.Timestamp,
		Latitude:             fix.Latitude,
		Longitude:            fix.Longitude,
		AccuracyMeters:       fix.Accuracy,
		SpeedMetersPerSecond: fix.Speed,
		HeadingDegrees:       fix.Heading,
		Provider:             models.ProviderGPS,
		Meta:                 meta,
	}, nil
}
