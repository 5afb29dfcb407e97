package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// BacklogSource reports the replication backlog of one region.
type BacklogSource interface {
	// TrackingCounts returns the number of tracking records per status.
	TrackingCounts(ctx context.Context) (map[string]int, error)
	// QueueDepth returns the number of messages waiting in the queue.
	QueueDepth(ctx context.Context) (int, error)
}

// Collector periodically refreshes the backlog gauges of one region.
type Collector struct {
	metrics *Metrics
	region  string
	source  BacklogSource
	logger  zerolog.Logger

	// statuses seen on earlier passes, reset to zero when they disappear
	seen map[string]struct{}
}

// NewCollector creates a new backlog collector.
func NewCollector(m *Metrics, region string, source BacklogSource, logger zerolog.Logger) *Collector {
	return &Collector{
		metrics: m,
		region:  region,
		source:  source,
		logger:  logger.With().Str("component", "metrics-collector").Str("region", region).Logger(),
		seen:    make(map[string]struct{}),
	}
}

// Collect performs a single collection pass.
func (c *Collector) Collect(ctx context.Context) {
	if c.metrics == nil || c.source == nil {
		return
	}

	counts, err := c.source.TrackingCounts(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("tracking counts unavailable")
	} else {
		for status := range c.seen {
			if _, ok := counts[status]; !ok {
				c.metrics.TrackingRecords.WithLabelValues(c.region, status).Set(0)
			}
		}
		for status, n := range counts {
			c.seen[status] = struct{}{}
			c.metrics.TrackingRecords.WithLabelValues(c.region, status).Set(float64(n))
		}
	}

	depth, err := c.source.QueueDepth(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("queue depth unavailable")
		return
	}
	c.metrics.QueueDepth.WithLabelValues(c.region).Set(float64(depth))
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}
