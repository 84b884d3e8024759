// Package events consumes the game-settlement bet feed and the payments
// deposit feed from Kafka.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"bonus_ledger/internal/apperr"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const (
	retryBackoff    = 100 * time.Millisecond
	maxRetryBackoff = 5 * time.Second
)

// Handler processes one message. Errors of a known domain kind are final;
// anything else is retried until it succeeds or the consumer stops.
type Handler func(ctx context.Context, msg kafka.Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	Logger        zerolog.Logger
}

// NewReader builds a group reader for one topic.
func NewReader(cfg ConsumerConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0, // commit synchronously
		StartOffset:    kafka.FirstOffset,
	})
}

// Consumer runs a Handler over every message of a reader, committing each
// message once it is handled.
type Consumer struct {
	name    string
	reader  messageReader
	handler Handler
	logger  zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConsumer(cfg ConsumerConfig, handler Handler) *Consumer {
	return newConsumer(cfg.Topic, NewReader(cfg), handler, cfg.Logger)
}

func newConsumer(name string, reader messageReader, handler Handler, logger zerolog.Logger) *Consumer {
	return &Consumer{
		name:    name,
		reader:  reader,
		handler: handler,
		logger:  logger.With().Str("topic", name).Logger(),
	}
}

func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.consume(ctx)
	c.logger.Info().Msg("Kafka consumer started")
}

func (c *Consumer) Stop() error {
	c.logger.Info().Msg("Stopping Kafka consumer...")
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		c.logger.Error().Err(err).Msg("Error closing Kafka reader")
		return err
	}
	c.logger.Info().Msg("Kafka consumer stopped")
	return nil
}

func (c *Consumer) consume(ctx context.Context) {
	defer c.wg.Done()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error().Err(err).Msg("Error fetching message from Kafka")
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}

		if !c.handle(ctx, msg) {
			return
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("Error committing message")
		}
	}
}

// handle runs the handler until it succeeds or fails permanently. It returns
// false when the consumer is stopping and msg must not be committed.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	backoff := retryBackoff
	for attempt := 1; ; attempt++ {
		err := c.handler(ctx, msg)
		if err == nil {
			return true
		}
		if permanent(err) {
			c.logger.Error().
				Err(err).
				Str("code", apperr.Code(err)).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Str("key", string(msg.Key)).
				Msg("Message rejected")
			return true
		}

		c.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("Error handling message, retrying")
		if !sleep(ctx, backoff) {
			return false
		}
		if backoff *= 2; backoff > maxRetryBackoff {
			backoff = maxRetryBackoff
		}
	}
}

// permanent reports whether retrying err cannot help. A joined error is
// permanent only when every part is.
func permanent(err error) bool {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, part := range joined.Unwrap() {
			if !permanent(part) {
				return false
			}
		}
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch apperr.Code(err) {
	case "internal_error", "conflict":
		return false
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
