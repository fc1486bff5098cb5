// Package uploader drains the pending location queue to a sink in bounded
// batches. Records leave the queue only after the sink acknowledged the batch
// that carried them.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"crimelink/internal/models"
)

// DefaultBatchSize bounds one upload request.
const DefaultBatchSize = 200

// MaxBatchSize is the largest batch a Reconciler will peek.
const MaxBatchSize = 1000

// Queue is the part of the pending location store the reconciler needs.
type Queue interface {
	PeekBatch(ctx context.Context, limit int) ([]models.LocationRecord, error)
	Remove(ctx context.Context, ids []string) error
	Count(ctx context.Context) (int, error)
}

// Sink accepts a batch. A nil error is the acknowledgment that lets the batch
// be deleted locally.
type Sink interface {
	Upload(ctx context.Context, batch models.Batch) error
}

// UploadError reports a batch the sink did not acknowledge. Nothing was
// deleted; the batch stays queued for the next flush.
type UploadError struct {
	BatchID string
	Records int
	Err     error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload of batch %s (%d records) failed: %v", e.BatchID, e.Records, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Reconciler performs flushes. Flushes from the same Reconciler are
// serialized; overlapping flushes from separate processes may upload the
// same batch twice, which never loses data.
type Reconciler struct {
	queue     Queue
	sink      Sink
	batchSize int
	logger    *slog.Logger

	mu sync.Mutex
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithBatchSize overrides DefaultBatchSize. Non-positive values are ignored
// and values above MaxBatchSize are clamped.
func WithBatchSize(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.batchSize = min(n, MaxBatchSize)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewReconciler(queue Queue, sink Sink, opts ...Option) *Reconciler {
	r := &Reconciler{
		queue:     queue,
		sink:      sink,
		batchSize: DefaultBatchSize,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Flush uploads the oldest batch. It returns nil without contacting the sink
// when the queue is empty. On an upload failure it returns *UploadError and
// leaves the queue untouched; store failures are returned as is.
func (r *Reconciler) Flush(ctx context.Context) error {
	_, err := r.flush(ctx)
	return err
}

// Drain flushes until the queue is empty or a flush fails, returning the
// number of records uploaded.
func (r *Reconciler) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := r.flush(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

func (r *Reconciler) flush(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.queue.PeekBatch(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	batch := models.NewBatch(records)
	r.logger.Debug("uploading batch", "batch", batch.ID, "records", len(records))

	if err := r.sink.Upload(ctx, batch); err != nil {
		r.logger.Warn("batch upload failed, keeping records queued",
			"batch", batch.ID,
			"records", len(records),
			"oldest", batch.Oldest(),
			"error", err,
		)
		return 0, &UploadError{BatchID: batch.ID, Records: len(records), Err: err}
	}

	if err := r.queue.Remove(ctx, batch.IDs()); err != nil {
		// Acknowledged but still queued; the next flush uploads it again.
		return 0, fmt.Errorf("removing acknowledged batch %s: %w", batch.ID, err)
	}

	r.logger.Info("batch uploaded", "batch", batch.ID, "records", len(records))
	return len(records), nil
}

// IsUploadError reports whether err is an upload failure rather than a local
// store failure.
func IsUploadError(err error) bool {
	var uploadErr *UploadError
	return errors.As(err, &uploadErr)
}
