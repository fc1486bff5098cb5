// Package kafkaclient wraps a kafka-go reader in a consumer loop with manual
// offset commits.
package kafkaclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Reader is the part of *kafka.Reader the consumer uses.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config selects the topic and consumer group to read.
type Config struct {
	Broker  string
	Topic   string
	GroupID string
}

// Consumer reads messages in a background goroutine and hands them out on
// Messages. Offsets are committed only through CommitOffset.
type Consumer struct {
	reader     Reader
	logger     *slog.Logger
	messages   chan kafka.Message
	retryDelay time.Duration

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewConsumer creates a group consumer for cfg. logger may be nil.
func NewConsumer(cfg Config, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: []string{cfg.Broker},
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
		// Offsets are committed explicitly after a message is handled.
		CommitInterval: 0,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
	})
	return newConsumer(reader, logger)
}

func newConsumer(reader Reader, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Consumer{
		reader:     reader,
		logger:     logger,
		messages:   make(chan kafka.Message),
		retryDelay: time.Second,
	}
}

// Messages is closed once the consumer loop exits.
func (c *Consumer) Messages() <-chan kafka.Message {
	return c.messages
}

func (c *Consumer) CommitOffset(ctx context.Context, msg kafka.Message) error {
	c.logger.Debug("committing offset", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
	return c.reader.CommitMessages(ctx, msg)
}

// Start runs the read loop until ctx is canceled, Stop is called or the reader
// is closed.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(c.messages)

		c.logger.Info("kafka consumer started")
		for {
			msg, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, io.EOF) {
					c.logger.Info("kafka consumer loop exiting", "reason", err)
					return
				}
				c.logger.Warn("reading kafka message", "error", err)
				select {
				case <-time.After(c.retryDelay):
					continue
				case <-ctx.Done():
					return
				}
			}

			select {
			case c.messages <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the read loop, waits for it and closes the reader. It is safe to
// call more than once.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		} else {
			close(c.messages)
		}
		c.wg.Wait()
		if err := c.reader.Close(); err != nil {
			c.logger.Warn("closing kafka reader", "error", err)
		}
		c.logger.Info("kafka consumer stopped")
	})
}
