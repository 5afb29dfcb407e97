package journal

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// BatchHandler processes a batch of stream records. Returning an error
// leaves the checkpoint in place so the batch is read again.
type BatchHandler func(ctx context.Context, records []StreamRecord) error

// PollerConfig holds configuration for a Poller.
type PollerConfig struct {
	Stream    Stream
	Consumer  string
	BatchSize int
	Interval  time.Duration
	Handler   BatchHandler
	Logger    zerolog.Logger
}

// Poller feeds a change stream to a handler, persisting the consumer
// checkpoint after each handled batch.
type Poller struct {
	stream   Stream
	consumer string
	batch    int
	interval time.Duration
	handle   BatchHandler
	logger   zerolog.Logger
}

// NewPoller creates a stream poller.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Poller{
		stream:   cfg.Stream,
		consumer: cfg.Consumer,
		batch:    cfg.BatchSize,
		interval: cfg.Interval,
		handle:   cfg.Handler,
		logger:   cfg.Logger.With().Str("component", "stream-poller").Str("consumer", cfg.Consumer).Logger(),
	}
}

// Poll handles every record currently available and returns how many were
// handled.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	after, err := p.stream.Checkpoint(ctx, p.consumer)
	if err != nil {
		return 0, err
	}

	total := 0
	for {
		records, err := p.stream.ReadStream(ctx, after, p.batch)
		if err != nil {
			return total, err
		}
		if len(records) == 0 {
			return total, nil
		}
		if err := p.handle(ctx, records); err != nil {
			return total, err
		}
		after = records[len(records)-1].SequenceNumber
		if err := p.stream.SaveCheckpoint(ctx, p.consumer, after); err != nil {
			return total, err
		}
		total += len(records)
		if len(records) < p.batch {
			return total, nil
		}
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if n, err := p.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn().Err(err).Msg("stream poll failed")
		} else if n > 0 {
			p.logger.Debug().Int("records", n).Msg("stream batch handled")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
