package region

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/regionsync/internal/config"
	"github.com/tunnelmesh/regionsync/internal/database"
	"github.com/tunnelmesh/regionsync/internal/journal"
	"github.com/tunnelmesh/regionsync/internal/metrics"
	"github.com/tunnelmesh/regionsync/internal/objstore"
	"github.com/tunnelmesh/regionsync/internal/queue"
	"github.com/tunnelmesh/regionsync/internal/replication"
	"github.com/tunnelmesh/regionsync/internal/tracking"
	"golang.org/x/sync/errgroup"
)

// Deployment is every region of a configuration, sharing one object store.
type Deployment struct {
	Naming   journal.Deployment
	Store    objstore.Store
	FS       *objstore.FSStore // nil unless the fs backend is configured
	Identity replication.IdentityMatcher
	Nodes    []*Node
	Mirror   *journal.Mirror
	Router   *Router

	minio   *objstore.MinioNotifier
	closers []func() error
	logger  zerolog.Logger
}

// Identity builds the replication identity matcher of a configuration.
func Identity(cfg config.IdentityConfig) replication.IdentityMatcher {
	return replication.AnyIdentity{
		replication.NewPrincipalSet(cfg.Principals...),
		replication.PrincipalContains(cfg.Contains),
	}
}

// SettingsFrom converts replication configuration into node settings.
func SettingsFrom(r config.ReplicationConfig) Settings {
	return Settings{
		Sizing: replication.Sizing{
			MultipartThreshold:   r.MultipartThreshold.Bytes(),
			PartSize:             r.PartSize.Bytes(),
			LargePartSize:        r.LargePartSize.Bytes(),
			LargeObjectThreshold: r.LargeObjectThreshold.Bytes(),
		},
		ClaimLease:        r.ClaimLease,
		TrackingRetention: r.TrackingRetention,
		JournalRetention:  r.JournalRetention,
		VisibilityTimeout: r.VisibilityTimeout,
		PollInterval:      r.PollInterval,
		SweepInterval:     r.SweepInterval,
		Concurrency:       r.Concurrency,
		ReceiveBatch:      r.ReceiveBatch,
		RateLimit:         r.RateLimit,
	}
}

// JournalPath is the SQLite file of a region's journal replica.
func JournalPath(dataDir, region string) string {
	return filepath.Join(dataDir, "journal", region+".db")
}

// StatePath is the SQLite file holding a region's tracking table and queue.
func StatePath(dataDir, region string) string {
	return filepath.Join(dataDir, "state", region+".db")
}

// schemaName is the Postgres schema of a region.
func schemaName(base, region string) string {
	name := strings.ToLower(base + "_" + region)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, name)
}

// OpenState opens the database holding the tracking table and queue of
// region. Regions never share tables: SQLite uses one file per region and
// Postgres one schema per region.
func OpenState(ctx context.Context, cfg *config.Config, region string) (*sql.DB, database.Dialect, error) {
	dialect, err := database.DialectFor(cfg.Database.Driver)
	if err != nil {
		return nil, database.Dialect{}, err
	}
	var db *sql.DB
	if dialect.Driver == database.DriverPostgres {
		db, err = database.OpenSchema(ctx, cfg.Database.DSN, schemaName(cfg.Deployment.BaseName, region))
	} else {
		db, err = database.Open(ctx, dialect, database.SQLitePath(StatePath(cfg.Deployment.DataDir, region)))
	}
	if err != nil {
		return nil, database.Dialect{}, fmt.Errorf("open state of %s: %w", region, err)
	}
	return db, dialect, nil
}

// OpenJournal opens the journal replica of region.
func OpenJournal(ctx context.Context, cfg *config.Config, region string) (*journal.SQLTable, error) {
	naming := journal.Deployment{BaseName: cfg.Deployment.BaseName, Regions: cfg.Deployment.Regions}
	return journal.OpenSQLTable(ctx, JournalPath(cfg.Deployment.DataDir, region), naming.TableName(), region)
}

// Build opens the stores of every configured region and wires their nodes.
// Close releases everything Build opened.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics) (*Deployment, error) {
	d := &Deployment{
		Naming:   journal.Deployment{BaseName: cfg.Deployment.BaseName, Regions: cfg.Deployment.Regions},
		Identity: Identity(cfg.Identity),
		Router:   NewRouter(logger),
		logger:   logger.With().Str("component", "deployment").Logger(),
	}
	if err := d.openStore(ctx, cfg, logger); err != nil {
		return nil, err
	}

	principal := ""
	if d.FS != nil {
		principal = cfg.Identity.Replicator
	}

	var tables []journal.RegionTable
	for _, region := range cfg.Deployment.Regions {
		jt, err := OpenJournal(ctx, cfg, region)
		if err != nil {
			_ = d.Close()
			return nil, err
		}
		d.closers = append(d.closers, jt.Close)
		tables = append(tables, jt)

		db, dialect, err := OpenState(ctx, cfg, region)
		if err != nil {
			_ = d.Close()
			return nil, err
		}
		d.closers = append(d.closers, db.Close)

		tt, err := tracking.NewSQLTable(db, dialect)
		if err != nil {
			_ = d.Close()
			return nil, err
		}
		q, err := queue.NewSQLQueue(db, dialect, d.Naming.BucketName(region))
		if err != nil {
			_ = d.Close()
			return nil, err
		}

		node, err := NewNode(Config{
			Region:     region,
			Deployment: d.Naming,
			Store:      d.Store,
			Journal:    jt,
			Tracking:   tt,
			Queue:      q,
			Identity:   d.Identity,
			Principal:  principal,
			Settings:   SettingsFrom(cfg.Replication),
			Logger:     logger,
			Metrics:    m,
		})
		if err != nil {
			_ = d.Close()
			return nil, err
		}
		d.Router.Add(region, node.Notifier())
		d.Nodes = append(d.Nodes, node)
	}

	d.Mirror = journal.NewMirror(tables, cfg.Replication.PollInterval, logger)
	return d, nil
}

func (d *Deployment) openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	switch cfg.ObjectStore.Backend {
	case config.BackendMinio:
		mc := cfg.ObjectStore.Minio
		store, err := objstore.NewMinioStore(objstore.MinioConfig{
			Endpoint:  mc.Endpoint,
			AccessKey: mc.AccessKey,
			SecretKey: mc.SecretKey,
			Secure:    mc.Secure,
			Region:    mc.Region,
		})
		if err != nil {
			return err
		}
		d.Store = store
		d.minio = objstore.NewMinioNotifier(store.Client(), d.Router, logger)
		return nil
	default:
		fs, err := objstore.NewFSStore(filepath.Join(cfg.Deployment.DataDir, "objects"), d.Router)
		if err != nil {
			return err
		}
		for _, region := range cfg.Deployment.Regions {
			if err := fs.EnsureBucket(ctx, d.Naming.BucketName(region), region); err != nil {
				return fmt.Errorf("ensure bucket of %s: %w", region, err)
			}
		}
		d.Store = fs
		d.FS = fs
		return nil
	}
}

// Node returns the node of region, or nil.
func (d *Deployment) Node(region string) *Node {
	for _, n := range d.Nodes {
		if n.Region() == region {
			return n
		}
	}
	return nil
}

// Settle runs every loop once in every region until nothing is left to do:
// queues are drained, journals mirrored, and streams replayed. It returns
// the number of rounds that made progress.
func (d *Deployment) Settle(ctx context.Context, maxRounds int) (int, error) {
	for round := 0; round < maxRounds; round++ {
		progress := 0
		for _, n := range d.Nodes {
			got, err := n.DrainQueue(ctx)
			if err != nil {
				return round, err
			}
			progress += got
		}
		mirrored, err := d.Mirror.SyncOnce(ctx)
		if err != nil {
			return round, err
		}
		progress += mirrored
		for _, n := range d.Nodes {
			got, err := n.PollStream(ctx)
			if err != nil {
				return round, err
			}
			progress += got
		}
		if progress == 0 {
			return round, nil
		}
	}
	return maxRounds, errors.New("deployment did not settle")
}

// Run runs every node, the journal mirror and, on MinIO, the bucket
// notification listeners until ctx is cancelled.
func (d *Deployment) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, n := range d.Nodes {
		g.Go(func() error { return n.Run(ctx) })
		if d.minio != nil {
			g.Go(func() error { d.minio.Listen(ctx, n.Bucket(), n.Region()); return nil })
		}
	}
	g.Go(func() error { d.Mirror.Run(ctx); return nil })
	return g.Wait()
}

// Close releases the databases opened by Build.
func (d *Deployment) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
