// Package feed moves fixes from a message stream into the location service.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"crimelink/internal/models"
)

// Source is a stream of messages with manual offset commits, as provided by
// kafkaclient.Consumer. Messages must be closed when the stream ends.
type Source interface {
	Messages() <-chan kafka.Message
	CommitOffset(ctx context.Context, msg kafka.Message) error
}

// Deliverer hands fixes to the registered location tasks.
type Deliverer interface {
	Deliver(ctx context.Context, fixes []models.Fix) error
}

// Stats counts what Run did with the messages it saw.
type Stats struct {
	Delivered int
	Malformed int
	Failed    int
}

type Feed struct {
	source    Source
	deliverer Deliverer
	logger    *slog.Logger
	now       func() time.Time
}

func New(source Source, deliverer Deliverer, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Feed{source: source, deliverer: deliverer, logger: logger, now: time.Now}
}

// Run delivers every message until the source closes or ctx is canceled. A
// message's offset is committed only after a successful delivery. Malformed
// messages are logged and committed past; a failed delivery stops Run with
// the error so nothing after it is committed and the group resumes from it.
func (f *Feed) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	for {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case msg, ok := <-f.source.Messages():
			if !ok {
				return stats, nil
			}
			if err := f.handle(ctx, msg, &stats); err != nil {
				return stats, err
			}
		}
	}
}

func (f *Feed) handle(ctx context.Context, msg kafka.Message, stats *Stats) error {
	received := msg.Time
	if received.IsZero() {
		received = f.now()
	}

	fixes, err := DecodeFixes(msg.Value, received)
	if err != nil {
		stats.Malformed++
		f.logger.Warn("skipping malformed fix message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		f.commit(ctx, msg)
		return nil
	}

	if err := f.deliverer.Deliver(ctx, fixes); err != nil {
		stats.Failed++
		return fmt.Errorf("delivering fixes at partition %d offset %d: %w", msg.Partition, msg.Offset, err)
	}
	stats.Delivered++
	f.commit(ctx, msg)
	return nil
}

func (f *Feed) commit(ctx context.Context, msg kafka.Message) {
	if err := f.source.CommitOffset(ctx, msg); err != nil {
		f.logger.Warn("committing offset", "partition", msg.Partition, "offset", msg.Offset, "error", err)
	}
}
