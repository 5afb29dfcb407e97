package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// BatchHandler processes a received batch and returns the messages that
// succeeded. Only those are deleted; the rest are redelivered after their
// visibility timeout.
type BatchHandler interface {
	HandleBatch(ctx context.Context, msgs []Message) []Message
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Queue             Queue
	Handler           BatchHandler
	BatchSize         int
	VisibilityTimeout time.Duration
	// PollInterval is the wait after an empty receive.
	PollInterval time.Duration
	// RateLimit caps received messages per second. Zero disables it.
	RateLimit float64
	Logger    zerolog.Logger
}

// Consumer long-polls a queue and feeds batches to a handler.
type Consumer struct {
	cfg     ConsumerConfig
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewConsumer creates a consumer.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	c := &Consumer{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "queue-consumer").Logger(),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.BatchSize
		if int(cfg.RateLimit) > burst {
			burst = int(cfg.RateLimit)
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

// Poll receives and handles one batch. It returns the number of messages
// received.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	if c.limiter != nil {
		if err := c.limiter.WaitN(ctx, c.cfg.BatchSize); err != nil {
			return 0, err
		}
	}
	msgs, err := c.cfg.Queue.Receive(ctx, c.cfg.BatchSize, c.cfg.VisibilityTimeout)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	done := c.cfg.Handler.HandleBatch(ctx, msgs)
	for _, m := range done {
		if err := c.cfg.Queue.Delete(ctx, m.Receipt); err != nil {
			// The message will be delivered again; handlers are idempotent.
			c.logger.Warn().Err(err).Str("message_id", m.ID).Msg("Failed to delete message")
		}
	}
	if len(done) < len(msgs) {
		c.logger.Debug().
			Int("received", len(msgs)).
			Int("deleted", len(done)).
			Msg("Leaving failed messages for redelivery")
	}
	return len(msgs), nil
}

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		n, err := c.Poll(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error().Err(err).Msg("Queue receive failed")
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.PollInterval):
		}
	}
}
