// Package region wires the replication engine of one region: the queue
// consumer that feeds the journal writer and part workers, the stream poller
// that feeds the reactor, and the background sweeps.
package region

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/regionsync/internal/journal"
	"github.com/tunnelmesh/regionsync/internal/metrics"
	"github.com/tunnelmesh/regionsync/internal/objstore"
	"github.com/tunnelmesh/regionsync/internal/queue"
	"github.com/tunnelmesh/regionsync/internal/replication"
	"github.com/tunnelmesh/regionsync/internal/tracing"
	"github.com/tunnelmesh/regionsync/internal/tracking"
	"golang.org/x/sync/errgroup"
)

// ReactorConsumer is the stream checkpoint name of the reactor.
const ReactorConsumer = "reactor"

// CollectInterval is how often backlog gauges are refreshed.
const CollectInterval = 15 * time.Second

// Queue is a region queue that can report its depth.
type Queue interface {
	queue.Queue
	Depth(ctx context.Context) (int, error)
}

// TrackingTable is a tracking table that can count records by status.
type TrackingTable interface {
	tracking.Table
	Counts(ctx context.Context) (map[string]int, error)
}

// Journal is the region's replica of the journal table.
type Journal interface {
	journal.RegionTable
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	TrimStream(ctx context.Context, seq int64) (int64, error)
}

// Settings tunes the loops of a node.
type Settings struct {
	Sizing            replication.Sizing
	ClaimLease        time.Duration
	TrackingRetention time.Duration
	JournalRetention  time.Duration
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	SweepInterval     time.Duration
	Concurrency       int
	ReceiveBatch      int
	RateLimit         float64
}

// Config holds configuration for a Node.
type Config struct {
	Region     string
	Deployment journal.Deployment
	Store      objstore.Store
	Journal    Journal
	Tracking   TrackingTable
	Queue      Queue
	Identity   replication.IdentityMatcher
	// Principal is the identity replayed mutations are attributed to.
	Principal string
	Settings  Settings
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

// Node runs the replication engine of one region.
type Node struct {
	cfg    Config
	logger zerolog.Logger

	writer      *journal.Writer
	coordinator *replication.Coordinator
	worker      *replication.PartWorker
	dispatcher  *replication.Dispatcher
	reactor     *replication.Reactor
	consumer    *queue.Consumer
	poller      *journal.Poller
	sweeper     *Sweeper
	collector   *metrics.Collector
	sink        *queue.NotificationSink
}

// NewNode wires the components of a region.
func NewNode(cfg Config) (*Node, error) {
	if cfg.Region == "" {
		return nil, errors.New("region is required")
	}
	if !cfg.Deployment.HasRegion(cfg.Region) {
		return nil, fmt.Errorf("region %s is not part of deployment %s", cfg.Region, cfg.Deployment.BaseName)
	}
	if cfg.Identity == nil {
		return nil, errors.New("replication identity is required")
	}
	if cfg.Principal != "" && !cfg.Identity.Matches(cfg.Principal) {
		return nil, fmt.Errorf("replicator principal %q does not match the replication identity", cfg.Principal)
	}
	s := cfg.Settings
	if s.Sizing == (replication.Sizing{}) {
		s.Sizing = replication.DefaultSizing()
	}
	cfg.Settings = s

	logger := cfg.Logger.With().Str("region", cfg.Region).Logger()
	n := &Node{cfg: cfg, logger: logger.With().Str("component", "region-node").Logger()}

	writer, err := journal.NewWriter(journal.WriterConfig{
		Deployment: cfg.Deployment,
		Tables:     map[string]journal.Table{cfg.Region: cfg.Journal},
		Identity:   cfg.Identity,
		Retention:  s.JournalRetention,
		Logger:     logger,
		Metrics:    cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	n.writer = writer

	n.coordinator = replication.NewCoordinator(replication.CoordinatorConfig{
		Region:      cfg.Region,
		Store:       cfg.Store,
		Tracking:    cfg.Tracking,
		Queue:       cfg.Queue,
		Sizing:      s.Sizing,
		ClaimLease:  s.ClaimLease,
		Retention:   s.TrackingRetention,
		Concurrency: s.Concurrency,
		Logger:      logger,
		Metrics:     cfg.Metrics,
	})
	n.worker = replication.NewPartWorker(replication.PartWorkerConfig{
		Region:    cfg.Region,
		Principal: cfg.Principal,
		Store:     cfg.Store,
		Tracking:  cfg.Tracking,
		Logger:    logger,
		Metrics:   cfg.Metrics,
	})
	n.dispatcher = replication.NewDispatcher(replication.DispatcherConfig{
		Region:        cfg.Region,
		Notifications: writer,
		PartCopies:    n.worker,
		Concurrency:   s.Concurrency,
		Logger:        logger,
		Metrics:       cfg.Metrics,
	})
	n.reactor = replication.NewReactor(replication.ReactorConfig{
		Region:      cfg.Region,
		Principal:   cfg.Principal,
		Store:       cfg.Store,
		Multipart:   n.coordinator,
		Sizing:      s.Sizing,
		Concurrency: s.Concurrency,
		Logger:      logger,
		Metrics:     cfg.Metrics,
	})

	n.consumer = queue.NewConsumer(queue.ConsumerConfig{
		Queue:             cfg.Queue,
		Handler:           n.dispatcher,
		BatchSize:         s.ReceiveBatch,
		VisibilityTimeout: s.VisibilityTimeout,
		PollInterval:      s.PollInterval,
		RateLimit:         s.RateLimit,
		Logger:            logger,
	})
	n.poller = journal.NewPoller(journal.PollerConfig{
		Stream:   cfg.Journal,
		Consumer: ReactorConsumer,
		Interval: s.PollInterval,
		Handler:  n.handleStream,
		Logger:   logger,
	})
	n.sweeper = NewSweeper(SweeperConfig{
		Journal:   cfg.Journal,
		Tracking:  cfg.Tracking,
		Consumers: []string{ReactorConsumer, journal.MirrorConsumer},
		Logger:    logger,
	})
	n.collector = metrics.NewCollector(cfg.Metrics, cfg.Region, n, logger)
	n.sink = queue.NewNotificationSink(cfg.Queue, logger)
	return n, nil
}

// Region returns the region of the node.
func (n *Node) Region() string { return n.cfg.Region }

// Bucket returns the local bucket of the node.
func (n *Node) Bucket() string { return n.cfg.Deployment.BucketName(n.cfg.Region) }

// Notifier returns the sink that enqueues object-store notifications for
// this region's journal writer.
func (n *Node) Notifier() objstore.Notifier { return n.sink }

// Tracking returns the region's tracking table.
func (n *Node) Tracking() TrackingTable { return n.cfg.Tracking }

// Journal returns the region's journal replica.
func (n *Node) Journal() Journal { return n.cfg.Journal }

func (n *Node) handleStream(ctx context.Context, records []journal.StreamRecord) error {
	defer tracing.Region(ctx, "reactor-batch")()
	return n.reactor.HandleBatch(ctx, records)
}

// TrackingCounts implements metrics.BacklogSource.
func (n *Node) TrackingCounts(ctx context.Context) (map[string]int, error) {
	return n.cfg.Tracking.Counts(ctx)
}

// QueueDepth implements metrics.BacklogSource.
func (n *Node) QueueDepth(ctx context.Context) (int, error) {
	return n.cfg.Queue.Depth(ctx)
}

// DrainQueue handles queue batches until the queue yields nothing. It
// returns the number of messages received.
func (n *Node) DrainQueue(ctx context.Context) (int, error) {
	total := 0
	for {
		got, err := n.consumer.Poll(ctx)
		total += got
		if err != nil || got == 0 {
			return total, err
		}
	}
}

// PollStream replays every pending stream record once.
func (n *Node) PollStream(ctx context.Context) (int, error) {
	return n.poller.Poll(ctx)
}

// Sweep runs one TTL sweep.
func (n *Node) Sweep(ctx context.Context) (SweepResult, error) {
	return n.sweeper.Sweep(ctx)
}

// Run runs every loop of the node until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	n.logger.Info().
		Str("bucket", n.Bucket()).
		Int64("multipart_threshold", n.cfg.Settings.Sizing.MultipartThreshold).
		Msg("region node started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { n.consumer.Run(ctx); return nil })
	g.Go(func() error { n.poller.Run(ctx); return nil })
	g.Go(func() error { n.sweeper.Run(ctx, n.cfg.Settings.SweepInterval); return nil })
	g.Go(func() error { n.collector.Run(ctx, CollectInterval); return nil })
	err := g.Wait()

	n.logger.Info().Msg("region node stopped")
	return err
}
