package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/regionsync/internal/metrics"
	"github.com/tunnelmesh/regionsync/internal/objstore"
)

// Table stores journal entries.
type Table interface {
	// Put writes e. Writing an existing key replaces the row.
	Put(ctx context.Context, e Entry) error
}

// ReplicationIdentity recognizes the principal used by replication itself.
type ReplicationIdentity interface {
	Matches(principal string) bool
}

// DefaultRetention is how long journal rows live.
const DefaultRetention = 24 * time.Hour

// WriterConfig holds configuration for a Writer.
type WriterConfig struct {
	Deployment Deployment
	// Tables holds the journal table of each region.
	Tables    map[string]Table
	Identity  ReplicationIdentity
	Retention time.Duration
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

// Writer turns object-store notifications into journal rows.
type Writer struct {
	deployment Deployment
	tables     map[string]Table
	identity   ReplicationIdentity
	retention  time.Duration
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewWriter creates a journal writer.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.Identity == nil {
		return nil, errors.New("journal writer requires a replication identity")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &Writer{
		deployment: cfg.Deployment,
		tables:     cfg.Tables,
		identity:   cfg.Identity,
		retention:  cfg.Retention,
		logger:     cfg.Logger.With().Str("component", "journal-writer").Logger(),
		metrics:    cfg.Metrics,
		now:        time.Now,
	}, nil
}

// HandleNotification journals every record of a notification batch.
// Records are independent: a record that can never be journaled (malformed
// or outside the deployment) is logged and skipped, and the others still
// proceed. The returned error joins only the transient failures, so a
// redelivered batch retries what can still succeed. Put is keyed by the
// event itself, which makes the retry safe.
func (w *Writer) HandleNotification(ctx context.Context, n objstore.Notification) error {
	if n.Event == objstore.TestEvent {
		w.logger.Debug().Str("bucket", n.Bucket).Msg("dropping test event")
		return nil
	}
	var failed []error
	for i := range n.Records {
		err := w.HandleRecord(ctx, n.Records[i])
		switch {
		case err == nil:
		case isPermanent(err):
			w.logger.Error().
				Err(err).
				Str("bucket", n.Records[i].S3.Bucket.Name).
				Str("key", n.Records[i].S3.Object.Key).
				Msg("dropping record that cannot be journaled")
		default:
			failed = append(failed, err)
		}
	}
	return errors.Join(failed...)
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrMalformedRecord) || errors.Is(err, ErrUnknownBucket)
}

// HandleRecord journals a single notification record.
func (w *Writer) HandleRecord(ctx context.Context, rec objstore.EventRecord) error {
	region := rec.AwsRegion
	principal := rec.UserIdentity.PrincipalID

	// Writes made by replication must never be journaled again.
	if w.identity.Matches(principal) {
		w.logger.Debug().Str("principal", principal).Str("key", rec.S3.Object.Key).Msg("skipping replication write")
		w.metrics.RecordJournal(region, metrics.ResultSkipped)
		return nil
	}

	entry, err := w.entryFor(rec)
	if err != nil {
		w.metrics.RecordJournal(region, metrics.ResultError)
		return err
	}

	if _, err := w.deployment.TableForBucket(rec.S3.Bucket.Name, region); err != nil {
		w.metrics.RecordJournal(region, metrics.ResultError)
		return err
	}
	table, ok := w.tables[region]
	if !ok {
		w.metrics.RecordJournal(region, metrics.ResultError)
		return fmt.Errorf("no journal table for region %s: %w", region, ErrUnknownBucket)
	}

	if err := table.Put(ctx, entry); err != nil {
		w.metrics.RecordJournal(region, metrics.ResultError)
		return fmt.Errorf("put journal entry %s: %w", entry.Key, err)
	}

	w.metrics.RecordJournal(region, metrics.ResultSuccess)
	w.logger.Debug().
		Str("region", region).
		Str("key", entry.Key).
		Str("event", entry.EventName).
		Msg("journaled mutation")
	return nil
}

func (w *Writer) entryFor(rec objstore.EventRecord) (Entry, error) {
	key, err := objstore.DecodeKey(rec.S3.Object.Key)
	if err != nil {
		return Entry{}, fmt.Errorf("decode key %q: %v: %w", rec.S3.Object.Key, err, ErrMalformedRecord)
	}
	at, err := time.Parse(time.RFC3339Nano, rec.EventTime)
	if err != nil {
		return Entry{}, fmt.Errorf("parse event time %q: %v: %w", rec.EventTime, err, ErrMalformedRecord)
	}

	e := Entry{
		Key:        key,
		EncodedKey: rec.S3.Object.Key,
		EventName:  rec.EventName,
		Time:       at.UTC().Truncate(time.Millisecond),
		Region:     rec.AwsRegion,
		Principal:  rec.UserIdentity.PrincipalID,
		IPAddress:  rec.RequestParameters.SourceIPAddress,
		Source:     rec.EventSource,
		Expire:     w.now().Add(w.retention).UTC().Truncate(time.Second),
	}
	if e.IsCreate() {
		size := rec.S3.Object.Size
		e.Size = &size
	}
	return e, nil
}
