package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// MirrorConsumer is the checkpoint name used by the mirror.
const MirrorConsumer = "mirror"

// RegionTable is a regional replica of the journal table.
type RegionTable interface {
	Table
	Stream
	Region() string
}

// Mirror replicates journal rows between regional replicas the way a global
// table does: a row first written in one region is tagged with its origin
// in place (MODIFY) and inserted, tagged, into every other region (INSERT).
// Rows that already carry an origin are never mirrored again.
type Mirror struct {
	tables  []RegionTable
	pollers []*Poller
	logger  zerolog.Logger
}

// NewMirror creates a mirror across tables.
func NewMirror(tables []RegionTable, interval time.Duration, logger zerolog.Logger) *Mirror {
	m := &Mirror{
		tables: tables,
		logger: logger.With().Str("component", "journal-mirror").Logger(),
	}
	for _, t := range tables {
		origin := t
		m.pollers = append(m.pollers, NewPoller(PollerConfig{
			Stream:   origin,
			Consumer: MirrorConsumer,
			Interval: interval,
			Handler: func(ctx context.Context, records []StreamRecord) error {
				return m.replicate(ctx, origin, records)
			},
			Logger: m.logger,
		}))
	}
	return m
}

// SyncOnce mirrors everything currently pending in every region.
func (m *Mirror) SyncOnce(ctx context.Context) (int, error) {
	total := 0
	for _, p := range m.pollers {
		n, err := p.Poll(ctx)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Run mirrors until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) {
	done := make(chan struct{}, len(m.pollers))
	for _, p := range m.pollers {
		go func(p *Poller) {
			p.Run(ctx)
			done <- struct{}{}
		}(p)
	}
	for range m.pollers {
		<-done
	}
}

func (m *Mirror) replicate(ctx context.Context, origin RegionTable, records []StreamRecord) error {
	for _, rec := range records {
		if rec.EventName == StreamRemove || rec.NewImage == nil || rec.NewImage.UpdateRegion != "" {
			continue
		}

		e := *rec.NewImage
		e.UpdateRegion = origin.Region()
		if err := origin.Put(ctx, e); err != nil {
			return fmt.Errorf("tag origin of %s in %s: %w", e.Key, origin.Region(), err)
		}
		for _, t := range m.tables {
			if t.Region() == origin.Region() {
				continue
			}
			if err := t.Put(ctx, e); err != nil {
				return fmt.Errorf("mirror %s to %s: %w", e.Key, t.Region(), err)
			}
		}
		m.logger.Debug().
			Str("origin", origin.Region()).
			Str("key", e.Key).
			Str("event", e.EventName).
			Msg("mirrored journal entry")
	}
	return nil
}
