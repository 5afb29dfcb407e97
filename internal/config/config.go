// Package config handles configuration loading and validation for regionsync.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tunnelmesh/regionsync/pkg/bytesize"
	"gopkg.in/yaml.v3"
)

// Object store backends.
const (
	BackendFS    = "fs"
	BackendMinio = "minio"
)

// DefaultReplicatorPrincipal is the principal replayed mutations are
// attributed to on the local filesystem store.
const DefaultReplicatorPrincipal = "regionsync-replicator"

// DeploymentConfig names the deployment and its regions. Region buckets are
// "<base_name>-<region>" and the journal table is "<base_name>-journal".
type DeploymentConfig struct {
	BaseName string   `yaml:"base_name"`
	Regions  []string `yaml:"regions"`
	DataDir  string   `yaml:"data_dir"` // Local state directory (default: /var/lib/regionsync)
}

// AdminConfig holds configuration for the admin HTTP server.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// GatewayConfig holds configuration for the S3-compatible gateway.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Secret  string `yaml:"secret"` // HMAC secret for bearer tokens; generated under data_dir when empty
}

// MinioConfig holds the connection settings for a MinIO or S3 endpoint.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	Region    string `yaml:"region"`
}

// ObjectStoreConfig selects the object store backend.
type ObjectStoreConfig struct {
	Backend string      `yaml:"backend"` // "fs" or "minio"
	Minio   MinioConfig `yaml:"minio"`
}

// DatabaseConfig selects the backend for tracking records and queues.
// Journal tables always live in per-region SQLite files.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

// ReplicationConfig tunes the copy path.
type ReplicationConfig struct {
	MultipartThreshold   bytesize.Size `yaml:"multipart_threshold"`
	PartSize             bytesize.Size `yaml:"part_size"`
	LargePartSize        bytesize.Size `yaml:"large_part_size"`
	LargeObjectThreshold bytesize.Size `yaml:"large_object_threshold"`

	TrackingRetention time.Duration `yaml:"tracking_retention"`
	JournalRetention  time.Duration `yaml:"journal_retention"`
	ClaimLease        time.Duration `yaml:"claim_lease"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`

	Concurrency  int     `yaml:"concurrency"`
	ReceiveBatch int     `yaml:"receive_batch"`
	RateLimit    float64 `yaml:"rate_limit"` // Queue messages per second per region; 0 disables
}

// IdentityConfig recognizes the principal replication writes as. Mutations by
// a matching principal are never journaled, which breaks replication loops.
type IdentityConfig struct {
	Principals []string `yaml:"principals"`
	Contains   string   `yaml:"contains"` // Substring marker, e.g. a role name tag
	// Replicator is the principal attributed to replayed writes on the
	// filesystem store. It must match one of the rules above.
	Replicator string `yaml:"replicator"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level   string `yaml:"level"`
	LokiURL string `yaml:"loki_url"`
}

// TracingConfig enables the runtime flight recorder.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the regionsync configuration file.
type Config struct {
	Deployment  DeploymentConfig  `yaml:"deployment"`
	Admin       AdminConfig       `yaml:"admin"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Database    DatabaseConfig    `yaml:"database"`
	Replication ReplicationConfig `yaml:"replication"`
	Identity    IdentityConfig    `yaml:"identity"`
	Log         LogConfig         `yaml:"log"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// Load loads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration YAML and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{Admin: AdminConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Deployment.DataDir == "" {
		c.Deployment.DataDir = "/var/lib/regionsync"
	}
	c.Deployment.DataDir = expandHome(c.Deployment.DataDir)

	if c.Admin.Listen == "" {
		c.Admin.Listen = "127.0.0.1:9090"
	}
	if c.Gateway.Listen == "" {
		c.Gateway.Listen = "127.0.0.1:9000"
	}
	if c.ObjectStore.Backend == "" {
		c.ObjectStore.Backend = BackendFS
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	r := &c.Replication
	if r.MultipartThreshold == 0 {
		r.MultipartThreshold = bytesize.Size(16 * bytesize.MB)
	}
	if r.PartSize == 0 {
		r.PartSize = bytesize.Size(16 * bytesize.MB)
	}
	if r.LargePartSize == 0 {
		r.LargePartSize = bytesize.Size(32 * bytesize.MB)
	}
	if r.LargeObjectThreshold == 0 {
		r.LargeObjectThreshold = bytesize.Size(bytesize.GB)
	}
	if r.TrackingRetention == 0 {
		r.TrackingRetention = 7 * 24 * time.Hour
	}
	if r.JournalRetention == 0 {
		r.JournalRetention = 24 * time.Hour
	}
	if r.ClaimLease == 0 {
		r.ClaimLease = 5 * time.Minute
	}
	if r.VisibilityTimeout == 0 {
		r.VisibilityTimeout = 5 * time.Minute
	}
	if r.PollInterval == 0 {
		r.PollInterval = time.Second
	}
	if r.SweepInterval == 0 {
		r.SweepInterval = time.Minute
	}
	if r.Concurrency == 0 {
		r.Concurrency = 16
	}
	if r.ReceiveBatch == 0 {
		r.ReceiveBatch = 10
	}

	if c.Identity.Replicator == "" {
		c.Identity.Replicator = DefaultReplicatorPrincipal
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Deployment.BaseName == "" {
		return fmt.Errorf("deployment.base_name is required")
	}
	if strings.ContainsAny(c.Deployment.BaseName, "/ ") {
		return fmt.Errorf("deployment.base_name %q must not contain slashes or spaces", c.Deployment.BaseName)
	}
	if len(c.Deployment.Regions) < 2 {
		return fmt.Errorf("deployment.regions needs at least two regions")
	}
	seen := make(map[string]bool, len(c.Deployment.Regions))
	for _, r := range c.Deployment.Regions {
		if r == "" {
			return fmt.Errorf("deployment.regions contains an empty region")
		}
		if seen[r] {
			return fmt.Errorf("deployment.regions lists %q twice", r)
		}
		seen[r] = true
	}

	if c.Admin.Enabled {
		if _, _, err := net.SplitHostPort(c.Admin.Listen); err != nil {
			return fmt.Errorf("invalid admin.listen: %w", err)
		}
	}
	if c.Gateway.Enabled {
		if _, _, err := net.SplitHostPort(c.Gateway.Listen); err != nil {
			return fmt.Errorf("invalid gateway.listen: %w", err)
		}
		if c.ObjectStore.Backend != BackendFS {
			return fmt.Errorf("gateway requires the fs object store backend")
		}
	}

	switch c.ObjectStore.Backend {
	case BackendFS:
	case BackendMinio:
		if c.ObjectStore.Minio.Endpoint == "" {
			return fmt.Errorf("object_store.minio.endpoint is required")
		}
	default:
		return fmt.Errorf("unknown object_store.backend %q", c.ObjectStore.Backend)
	}

	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}

	r := c.Replication
	for name, v := range map[string]bytesize.Size{
		"multipart_threshold":    r.MultipartThreshold,
		"part_size":              r.PartSize,
		"large_part_size":        r.LargePartSize,
		"large_object_threshold": r.LargeObjectThreshold,
	} {
		if v <= 0 {
			return fmt.Errorf("replication.%s must be positive", name)
		}
	}
	if r.PartSize > r.LargePartSize {
		return fmt.Errorf("replication.part_size (%s) exceeds large_part_size (%s)", r.PartSize, r.LargePartSize)
	}
	for name, v := range map[string]time.Duration{
		"tracking_retention": r.TrackingRetention,
		"journal_retention":  r.JournalRetention,
		"claim_lease":        r.ClaimLease,
		"visibility_timeout": r.VisibilityTimeout,
		"poll_interval":      r.PollInterval,
		"sweep_interval":     r.SweepInterval,
	} {
		if v <= 0 {
			return fmt.Errorf("replication.%s must be positive", name)
		}
	}
	if r.Concurrency < 1 || r.ReceiveBatch < 1 {
		return fmt.Errorf("replication.concurrency and receive_batch must be at least 1")
	}
	if r.RateLimit < 0 {
		return fmt.Errorf("replication.rate_limit must not be negative")
	}

	if len(c.Identity.Principals) == 0 && c.Identity.Contains == "" {
		return fmt.Errorf("identity needs principals or contains, otherwise replicated writes loop")
	}
	if c.ObjectStore.Backend == BackendFS && !c.Identity.Recognizes(c.Identity.Replicator) {
		return fmt.Errorf("identity.replicator %q is not matched by the identity rules", c.Identity.Replicator)
	}
	return nil
}

// Recognizes reports whether principal matches the identity rules.
func (i IdentityConfig) Recognizes(principal string) bool {
	for _, p := range i.Principals {
		if p == principal {
			return true
		}
	}
	return i.Contains != "" && strings.Contains(principal, i.Contains)
}

// Bucket returns the bucket name of region.
func (c *Config) Bucket(region string) string {
	return c.Deployment.BaseName + "-" + region
}
