package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/regionsync/internal/journal"
	"github.com/tunnelmesh/regionsync/internal/metrics"
	"github.com/tunnelmesh/regionsync/internal/objstore"
)

// Replay operations, used as metric labels.
const (
	OpCopy      = "copy"
	OpMultipart = "multipart"
	OpDelete    = "delete"
)

// MultipartStarter starts a multipart copy of a large object.
type MultipartStarter interface {
	Start(ctx context.Context, e *journal.Entry, localBucket, remoteBucket string) error
}

// ReactorConfig configures a Reactor.
type ReactorConfig struct {
	Region string
	// Principal attributes replayed mutations to the replication identity.
	Principal   string
	Store       objstore.Store
	Multipart   MultipartStarter
	Sizing      Sizing
	Concurrency int
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

// Reactor replays journal stream records from other regions against the
// local bucket.
type Reactor struct {
	cfg    ReactorConfig
	logger zerolog.Logger
}

// NewReactor creates a reactor for the local region.
func NewReactor(cfg ReactorConfig) *Reactor {
	if cfg.Sizing == (Sizing{}) {
		cfg.Sizing = DefaultSizing()
	}
	return &Reactor{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "reactor").Str("region", cfg.Region).Logger(),
	}
}

// HandleBatch replays a batch of stream records concurrently. Failures are
// logged per record and never fail the batch, so the stream checkpoint
// advances past them.
func (r *Reactor) HandleBatch(ctx context.Context, records []journal.StreamRecord) error {
	r.logger.Debug().Int("records", len(records)).Msg("Processing stream batch")
	runBatch(ctx, r.cfg.Concurrency, records, func(ctx context.Context, _ int, rec journal.StreamRecord) {
		if err := r.HandleRecord(ctx, rec); err != nil {
			r.logger.Error().
				Err(err).
				Int64("seq", rec.SequenceNumber).
				Str("key", rec.Keys.Key).
				Msg("Failed to replay stream record")
		}
	})
	return nil
}

// HandleRecord replays one stream record.
func (r *Reactor) HandleRecord(ctx context.Context, rec journal.StreamRecord) error {
	if rec.EventName == journal.StreamRemove || rec.NewImage == nil {
		return nil
	}
	e := rec.NewImage
	if e.UpdateRegion == "" || e.UpdateRegion == r.cfg.Region {
		return nil
	}

	ctx = asReplicator(ctx, r.cfg.Principal)
	base, err := journal.BaseFromTable(rec.SourceTable)
	if err != nil {
		return err
	}
	deployment := journal.Deployment{BaseName: base}
	local := deployment.BucketName(r.cfg.Region)
	remote := deployment.BucketName(e.UpdateRegion)

	switch {
	case e.IsCreate():
		if e.Size == nil {
			return fmt.Errorf("replay %s: create entry has no size", e.Key)
		}
		if r.cfg.Sizing.UseMultipart(*e.Size) {
			return r.replay(OpMultipart, func() error {
				return r.cfg.Multipart.Start(ctx, e, local, remote)
			})
		}
		return r.replay(OpCopy, func() error {
			info, err := r.cfg.Store.CopyObject(ctx, local, e.Key, remote, e.Key)
			if err != nil {
				return fmt.Errorf("copy /%s/%s to %s: %w", remote, e.EncodedKey, local, err)
			}
			r.cfg.Metrics.RecordBytes(r.cfg.Region, info.Size)
			r.logger.Debug().Str("key", e.Key).Str("from", remote).Msg("Copied object")
			return nil
		})
	case e.IsRemove():
		return r.replay(OpDelete, func() error {
			err := r.cfg.Store.DeleteObject(ctx, local, e.Key)
			if err != nil && !errors.Is(err, objstore.ErrObjectNotFound) {
				return fmt.Errorf("delete %s from %s: %w", e.Key, local, err)
			}
			r.logger.Debug().Str("key", e.Key).Msg("Deleted object")
			return nil
		})
	default:
		r.logger.Debug().Str("event", e.EventName).Str("key", e.Key).Msg("Ignoring event")
		return nil
	}
}

func (r *Reactor) replay(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	r.cfg.Metrics.RecordReplay(r.cfg.Region, op, err, time.Since(start).Seconds())
	return err
}

func asReplicator(ctx context.Context, principal string) context.Context {
	if principal == "" {
		return ctx
	}
	return objstore.WithActor(ctx, objstore.Actor{Principal: principal})
}
