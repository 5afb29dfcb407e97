package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/regionsync/testutil"
)

const minimalConfig = `
deployment:
  base_name: app
  regions: [us-east-1, eu-west-1]
identity:
  principals: [regionsync-replicator]
`

func TestLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
deployment:
  base_name: app
  regions: [us-east-1, eu-west-1, ap-south-1]
  data_dir: /srv/regionsync
admin:
  listen: "0.0.0.0:9191"
gateway:
  enabled: true
  listen: "127.0.0.1:9500"
  secret: s3cret
database:
  driver: postgres
  dsn: "host=db user=regionsync sslmode=disable"
replication:
  multipart_threshold: 8MB
  part_size: 8MB
  large_part_size: 64MiB
  large_object_threshold: 2GB
  claim_lease: 30s
  poll_interval: 250ms
  concurrency: 4
  rate_limit: 50
identity:
  contains: ReplicationRole
  replicator: "arn:aws:iam::1:role/ReplicationRole"
log:
  level: debug
  loki_url: "http://loki:3100"
tracing:
  enabled: true
`
	cfg, err := Load(testutil.TempFile(t, dir, "regionsync.yaml", content))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "app", cfg.Deployment.BaseName)
	assert.Equal(t, []string{"us-east-1", "eu-west-1", "ap-south-1"}, cfg.Deployment.Regions)
	assert.Equal(t, "/srv/regionsync", cfg.Deployment.DataDir)
	assert.Equal(t, "0.0.0.0:9191", cfg.Admin.Listen)
	assert.True(t, cfg.Gateway.Enabled)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, int64(8_000_000), cfg.Replication.MultipartThreshold.Bytes())
	assert.Equal(t, int64(64*1024*1024), cfg.Replication.LargePartSize.Bytes())
	assert.Equal(t, int64(2_000_000_000), cfg.Replication.LargeObjectThreshold.Bytes())
	assert.Equal(t, 30*time.Second, cfg.Replication.ClaimLease)
	assert.Equal(t, 250*time.Millisecond, cfg.Replication.PollInterval)
	assert.Equal(t, 4, cfg.Replication.Concurrency)
	assert.Equal(t, 50.0, cfg.Replication.RateLimit)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "app-eu-west-1", cfg.Bucket("eu-west-1"))
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/var/lib/regionsync", cfg.Deployment.DataDir)
	assert.True(t, cfg.Admin.Enabled)
	assert.Equal(t, "127.0.0.1:9090", cfg.Admin.Listen)
	assert.False(t, cfg.Gateway.Enabled)
	assert.Equal(t, "127.0.0.1:9000", cfg.Gateway.Listen)
	assert.Equal(t, BackendFS, cfg.ObjectStore.Backend)
	assert.Equal(t, "sqlite", cfg.Database.Driver)

	r := cfg.Replication
	assert.Equal(t, int64(16_000_000), r.MultipartThreshold.Bytes())
	assert.Equal(t, int64(16_000_000), r.PartSize.Bytes())
	assert.Equal(t, int64(32_000_000), r.LargePartSize.Bytes())
	assert.Equal(t, int64(1_000_000_000), r.LargeObjectThreshold.Bytes())
	assert.Equal(t, 7*24*time.Hour, r.TrackingRetention)
	assert.Equal(t, 24*time.Hour, r.JournalRetention)
	assert.Equal(t, 5*time.Minute, r.ClaimLease)
	assert.Equal(t, 5*time.Minute, r.VisibilityTimeout)
	assert.Equal(t, time.Second, r.PollInterval)
	assert.Equal(t, time.Minute, r.SweepInterval)
	assert.Equal(t, 16, r.Concurrency)
	assert.Equal(t, 10, r.ReceiveBatch)
	assert.Zero(t, r.RateLimit)

	assert.Equal(t, DefaultReplicatorPrincipal, cfg.Identity.Replicator)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_ExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg, err := Parse([]byte(strings.Replace(minimalConfig, "base_name: app", "base_name: app\n  data_dir: ~/.regionsync", 1)))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".regionsync"), cfg.Deployment.DataDir)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/regionsync.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	_, err := Load(testutil.TempFile(t, dir, "regionsync.yaml", "deployment: [invalid yaml\n"))
	assert.Error(t, err)

	_, err = Load(testutil.TempFile(t, dir, "size.yaml", "replication:\n  part_size: 16XB\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing base name", func(c *Config) { c.Deployment.BaseName = "" }, "base_name is required"},
		{"base name with slash", func(c *Config) { c.Deployment.BaseName = "a/b" }, "must not contain"},
		{"single region", func(c *Config) { c.Deployment.Regions = []string{"us-east-1"} }, "at least two regions"},
		{"duplicate region", func(c *Config) { c.Deployment.Regions = []string{"us-east-1", "us-east-1"} }, "twice"},
		{"empty region", func(c *Config) { c.Deployment.Regions = []string{"us-east-1", ""} }, "empty region"},
		{"bad admin listen", func(c *Config) { c.Admin.Listen = "nope" }, "admin.listen"},
		{"admin disabled ignores listen", func(c *Config) { c.Admin.Enabled = false; c.Admin.Listen = "nope" }, ""},
		{"gateway on minio", func(c *Config) {
			c.Gateway.Enabled = true
			c.ObjectStore.Backend = BackendMinio
			c.ObjectStore.Minio.Endpoint = "minio:9000"
		}, "gateway requires"},
		{"minio without endpoint", func(c *Config) { c.ObjectStore.Backend = BackendMinio }, "endpoint is required"},
		{"unknown backend", func(c *Config) { c.ObjectStore.Backend = "gcs" }, "unknown object_store.backend"},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }, "dsn is required"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "unknown database.driver"},
		{"zero part size", func(c *Config) { c.Replication.PartSize = -1 }, "part_size must be positive"},
		{"part larger than large part", func(c *Config) { c.Replication.PartSize = c.Replication.LargePartSize + 1 }, "exceeds large_part_size"},
		{"negative lease", func(c *Config) { c.Replication.ClaimLease = -time.Second }, "claim_lease must be positive"},
		{"zero concurrency", func(c *Config) { c.Replication.Concurrency = 0 }, "at least 1"},
		{"negative rate", func(c *Config) { c.Replication.RateLimit = -1 }, "rate_limit"},
		{"no identity rule", func(c *Config) { c.Identity.Principals = nil }, "identity needs"},
		{"replicator not recognized", func(c *Config) { c.Identity.Replicator = "someone-else" }, "not matched"},
		{"replicator by marker", func(c *Config) {
			c.Identity.Principals = nil
			c.Identity.Contains = "replicator"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(minimalConfig))
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIdentityRecognizes(t *testing.T) {
	id := IdentityConfig{Principals: []string{"AIDAREPL"}, Contains: "ReplicationRole"}

	assert.True(t, id.Recognizes("AIDAREPL"))
	assert.True(t, id.Recognizes("AROA123:ReplicationRole-session"))
	assert.False(t, id.Recognizes("AIDAREPL2"))
	assert.False(t, id.Recognizes("alice"))
	assert.False(t, IdentityConfig{}.Recognizes(""))
}

func TestGatewaySecret(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	cfg, err := Parse([]byte(minimalConfig))
	require.NoError(t, err)
	cfg.Deployment.DataDir = filepath.Join(dir, "state")

	first, err := cfg.GatewaySecret()
	require.NoError(t, err)
	assert.Len(t, first, 2*secretBytes)

	info, err := os.Stat(filepath.Join(dir, "state", secretFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, err := cfg.GatewaySecret()
	require.NoError(t, err)
	assert.Equal(t, first, second, "secret must be stable across loads")

	cfg.Gateway.Secret = "configured"
	configured, err := cfg.GatewaySecret()
	require.NoError(t, err)
	assert.Equal(t, "configured", configured)
}

func TestLoadSecret_Empty(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	_, err := LoadSecret(testutil.TempFile(t, dir, "empty.secret", "\n"))
	assert.Error(t, err)

	_, err = EnsureSecret(testutil.TempFile(t, dir, "empty2.secret", ""))
	assert.Error(t, err, "an empty secret file is not regenerated")
}
