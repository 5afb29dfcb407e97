package replication

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/regionsync/internal/metrics"
	"github.com/tunnelmesh/regionsync/internal/objstore"
	"github.com/tunnelmesh/regionsync/internal/queue"
	"github.com/tunnelmesh/regionsync/internal/tracking"
)

// PartWorkerConfig configures a PartWorker.
type PartWorkerConfig struct {
	Region    string
	Principal string
	Store     objstore.Store
	Tracking  tracking.Table
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

// PartWorker copies one part per task message and finalizes the upload once
// every part is present.
type PartWorker struct {
	cfg    PartWorkerConfig
	logger zerolog.Logger
}

// NewPartWorker creates a part worker.
func NewPartWorker(cfg PartWorkerConfig) *PartWorker {
	return &PartWorker{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "part-worker").Str("region", cfg.Region).Logger(),
	}
}

// Handle processes one part-copy message. A nil return acknowledges it.
func (w *PartWorker) Handle(ctx context.Context, msg queue.Message) error {
	task, err := DecodePartCopyTask(msg.Body)
	if err != nil {
		return err
	}
	hash, ok := msg.Attr(AttrJournalItemHash)
	if !ok || hash == "" {
		return fmt.Errorf("part copy task without %s: %w", AttrJournalItemHash, ErrMalformedMessage)
	}
	return w.CopyPart(ctx, task, hash)
}

// CopyPart copies the task's range, records its marker and finalizes the
// upload when the marker set is complete.
func (w *PartWorker) CopyPart(ctx context.Context, task PartCopyTask, hash string) error {
	ctx = asReplicator(ctx, w.cfg.Principal)
	logger := w.logger.With().Str("key", task.Key).Int("part", task.PartNumber).Logger()

	rec, err := w.cfg.Tracking.Get(ctx, task.Key, hash)
	if errors.Is(err, tracking.ErrNotFound) {
		logger.Warn().Str("hash", hash).Msg("No tracking record for part, dropping task")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load tracking record: %w", err)
	}
	if rec.Status == tracking.StatusComplete {
		logger.Debug().Msg("Upload already complete")
		return nil
	}

	srcBucket, srcKey, err := ParseCopySource(task.CopySource)
	if err != nil {
		return err
	}
	first, last, err := ParseRange(task.CopySourceRange)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrMalformedMessage)
	}

	etag, err := w.cfg.Store.UploadPartCopy(ctx, task.Bucket, task.Key, task.UploadID, task.PartNumber, srcBucket, srcKey, first, last)
	w.cfg.Metrics.RecordPart(w.cfg.Region, last-first+1, err)
	if err != nil {
		return fmt.Errorf("upload part copy %d of %s: %w", task.PartNumber, task.Key, err)
	}

	rec, err = w.cfg.Tracking.RecordPart(ctx, task.Key, hash, task.PartNumber, etag)
	if errors.Is(err, tracking.ErrAlreadyComplete) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record part %d of %s: %w", task.PartNumber, task.Key, err)
	}
	logger.Debug().
		Int("present", len(rec.Parts)).
		Int("total", rec.TotalParts).
		Msg("Part copied")

	if !rec.HasAllParts() {
		return nil
	}
	return w.finalize(ctx, rec, logger)
}

func (w *PartWorker) finalize(ctx context.Context, rec *tracking.Record, logger zerolog.Logger) error {
	var objectETag string
	info, err := w.cfg.Store.CompleteMultipartUpload(ctx, rec.LocalBucket, rec.Key, rec.UploadID, rec.CompletedParts())
	switch {
	case err == nil:
		objectETag = info.ETag
	case errors.Is(err, objstore.ErrNoSuchUpload):
		// Another finalizer completed the upload first.
		head, headErr := w.cfg.Store.HeadObject(ctx, rec.LocalBucket, rec.Key)
		if headErr != nil {
			w.cfg.Metrics.RecordFinalization(w.cfg.Region, metrics.ResultError)
			return fmt.Errorf("complete %s: %w (head: %v)", rec.Key, err, headErr)
		}
		objectETag = head.ETag
	default:
		w.cfg.Metrics.RecordFinalization(w.cfg.Region, metrics.ResultError)
		return fmt.Errorf("complete multipart upload of %s: %w", rec.Key, err)
	}

	if _, err := w.cfg.Tracking.Complete(ctx, rec.Key, rec.JournalItemHash, objectETag); err != nil {
		if errors.Is(err, tracking.ErrAlreadyComplete) {
			w.cfg.Metrics.RecordFinalization(w.cfg.Region, metrics.ResultSkipped)
			return nil
		}
		w.cfg.Metrics.RecordFinalization(w.cfg.Region, metrics.ResultError)
		return fmt.Errorf("mark %s complete: %w", rec.Key, err)
	}
	w.cfg.Metrics.RecordFinalization(w.cfg.Region, metrics.ResultSuccess)
	logger.Info().
		Str("upload_id", rec.UploadID).
		Str("etag", objectETag).
		Int("parts", rec.TotalParts).
		Msg("Multipart copy complete")
	return nil
}
