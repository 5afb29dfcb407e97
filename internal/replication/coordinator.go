package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tunnelmesh/regionsync/internal/journal"
	"github.com/tunnelmesh/regionsync/internal/metrics"
	"github.com/tunnelmesh/regionsync/internal/objstore"
	"github.com/tunnelmesh/regionsync/internal/queue"
	"github.com/tunnelmesh/regionsync/internal/tracking"
)

// DefaultClaimLease is how long a claim without an upload blocks other
// coordinators.
const DefaultClaimLease = 5 * time.Minute

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Region      string
	Store       objstore.Store
	Tracking    tracking.Table
	Queue       queue.Queue
	Sizing      Sizing
	ClaimLease  time.Duration
	Retention   time.Duration
	Concurrency int
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

// Coordinator starts multipart copies of large objects and fans their parts
// out to the region queue.
type Coordinator struct {
	cfg    CoordinatorConfig
	logger zerolog.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Sizing == (Sizing{}) {
		cfg.Sizing = DefaultSizing()
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = DefaultClaimLease
	}
	if cfg.Retention <= 0 {
		cfg.Retention = tracking.DefaultRetention
	}
	return &Coordinator{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "coordinator").Str("region", cfg.Region).Logger(),
	}
}

// Start begins the multipart copy of e from remoteBucket into localBucket.
// A second Start for the same journal entry is a no-op.
func (c *Coordinator) Start(ctx context.Context, e *journal.Entry, localBucket, remoteBucket string) error {
	if e.Size == nil {
		return fmt.Errorf("multipart copy of %s: entry has no size", e.Key)
	}
	size := *e.Size
	hash := JournalItemHash(e)
	logger := c.logger.With().Str("key", e.Key).Str("hash", hash).Logger()

	token := uuid.NewString()
	_, outcome, err := c.cfg.Tracking.Claim(ctx, e.Key, hash, token, c.cfg.ClaimLease)
	if err != nil {
		c.cfg.Metrics.RecordMultipart(c.cfg.Region, metrics.ResultError)
		return fmt.Errorf("claim %s: %w", e.Key, err)
	}
	if outcome != tracking.ClaimAcquired {
		logger.Info().Str("outcome", outcome.String()).Msg("Skipping duplicate multipart copy")
		c.cfg.Metrics.RecordMultipart(c.cfg.Region, metrics.ResultSkipped)
		return nil
	}

	uploadID, err := c.cfg.Store.CreateMultipartUpload(ctx, localBucket, e.Key)
	if err != nil {
		c.cfg.Metrics.RecordMultipart(c.cfg.Region, metrics.ResultError)
		return fmt.Errorf("create multipart upload for %s: %w", e.Key, err)
	}

	partSize := c.cfg.Sizing.PartSizeFor(size)
	parts := Partition(size, partSize)
	_, err = c.cfg.Tracking.Queue(ctx, e.Key, hash, token, tracking.QueueParams{
		UploadID:     uploadID,
		TotalParts:   len(parts),
		MaxPartSize:  partSize,
		RemoteBucket: remoteBucket,
		LocalBucket:  localBucket,
		EncodedKey:   e.EncodedKey,
		Retention:    c.cfg.Retention,
	})
	if err != nil {
		if abortErr := c.cfg.Store.AbortMultipartUpload(ctx, localBucket, e.Key, uploadID); abortErr != nil {
			logger.Warn().Err(abortErr).Str("upload_id", uploadID).Msg("Failed to abort orphaned upload")
		}
		if errors.Is(err, tracking.ErrClaimLost) {
			logger.Info().Msg("Claim lost before queueing, another coordinator owns the copy")
			c.cfg.Metrics.RecordMultipart(c.cfg.Region, metrics.ResultSkipped)
			return nil
		}
		c.cfg.Metrics.RecordMultipart(c.cfg.Region, metrics.ResultError)
		return fmt.Errorf("queue %s: %w", e.Key, err)
	}

	attrs := map[string]string{
		queue.AttrEventName: EventUploadPartCopy,
		AttrJournalItemHash: hash,
	}
	var failed atomic.Int32
	runBatch(ctx, c.cfg.Concurrency, parts, func(ctx context.Context, _ int, r ByteRange) {
		task := NewPartCopyTask(localBucket, e.Key, uploadID, remoteBucket, e.EncodedKey, r)
		body, err := json.Marshal(task)
		if err == nil {
			err = c.cfg.Queue.Send(ctx, body, attrs)
		}
		if err != nil {
			failed.Add(1)
			logger.Error().Err(err).Int("part", r.PartNumber).Msg("Failed to enqueue part copy")
		}
	})

	if n := failed.Load(); n > 0 {
		c.cfg.Metrics.RecordMultipart(c.cfg.Region, metrics.ResultError)
		return fmt.Errorf("enqueue %s: %d of %d parts failed", e.Key, n, len(parts))
	}
	c.cfg.Metrics.RecordMultipart(c.cfg.Region, metrics.ResultSuccess)
	logger.Info().
		Str("upload_id", uploadID).
		Int("parts", len(parts)).
		Int64("size", size).
		Msg("Queued multipart copy")
	return nil
}
