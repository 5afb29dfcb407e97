package region

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// SweeperConfig holds configuration for a Sweeper.
type SweeperConfig struct {
	Journal  Journal
	Tracking TrackingTable
	// Consumers are the stream checkpoints that must pass a record before
	// it is trimmed.
	Consumers []string
	Logger    zerolog.Logger
}

// SweepResult reports what one sweep removed.
type SweepResult struct {
	JournalRows     int
	TrackingRecords int
	StreamRecords   int64
}

// Sweeper enforces retention: expired journal rows (which the stream reports
// as REMOVE records), expired tracking records, and stream records every
// consumer has acknowledged.
type Sweeper struct {
	cfg    SweeperConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewSweeper creates a sweeper.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	return &Sweeper{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "sweeper").Logger(),
		now:    time.Now,
	}
}

// Sweep runs one pass. Each step runs even when an earlier one fails.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var (
		res  SweepResult
		errs []error
	)
	now := s.now()

	n, err := s.cfg.Journal.DeleteExpired(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	res.JournalRows = n

	n, err = s.cfg.Tracking.DeleteExpired(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	res.TrackingRecords = n

	trimmed, err := s.trim(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	res.StreamRecords = trimmed

	return res, errors.Join(errs...)
}

// trim drops stream records below the lowest consumer checkpoint.
func (s *Sweeper) trim(ctx context.Context) (int64, error) {
	if len(s.cfg.Consumers) == 0 {
		return 0, nil
	}
	low := int64(-1)
	for _, c := range s.cfg.Consumers {
		seq, err := s.cfg.Journal.Checkpoint(ctx, c)
		if err != nil {
			return 0, err
		}
		if low < 0 || seq < low {
			low = seq
		}
	}
	if low <= 0 {
		return 0, nil
	}
	return s.cfg.Journal.TrimStream(ctx, low)
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		res, err := s.Sweep(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Msg("sweep failed")
		}
		if res.JournalRows > 0 || res.TrackingRecords > 0 || res.StreamRecords > 0 {
			s.logger.Debug().
				Int("journal_rows", res.JournalRows).
				Int("tracking_records", res.TrackingRecords).
				Int64("stream_records", res.StreamRecords).
				Msg("swept expired state")
		}
	}
}
