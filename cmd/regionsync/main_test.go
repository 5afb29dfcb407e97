package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/regionsync/internal/config"
	"github.com/tunnelmesh/regionsync/internal/gateway"
	"github.com/tunnelmesh/regionsync/internal/journal"
	"github.com/tunnelmesh/regionsync/internal/objstore"
	"github.com/tunnelmesh/regionsync/internal/region"
	"github.com/tunnelmesh/regionsync/testutil"
)

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	t.Setenv("REGIONSYNC_TEST", "1")
	dir, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)

	path := testutil.TempFile(t, dir, "regionsync.yaml", fmt.Sprintf(`
deployment:
  base_name: app
  regions: [us-east-1, eu-west-1]
  data_dir: %s
identity:
  principals: [regionsync-replicator]
gateway:
  secret: test-secret
`, dir))
	return path, dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "regionsync dev")
}

func TestTokenCommand(t *testing.T) {
	path, _ := writeConfig(t)

	out, err := run(t, "token", "alice", "--config", path, "--ttl", "1h")
	require.NoError(t, err)

	tokens, err := gateway.NewTokens("test-secret")
	require.NoError(t, err)
	principal, err := tokens.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", principal)

	_, err = run(t, "token", "regionsync-replicator", "--config", path)
	assert.ErrorContains(t, err, "reserved for replication")
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := run(t, "tracking", "list", "--region", "us-east-1", "--config", "/nonexistent/regionsync.yaml")
	assert.Error(t, err)

	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	bad := testutil.TempFile(t, dir, "bad.yaml", "deployment:\n  base_name: app\n  regions: [only-one]\n")
	_, err = run(t, "tracking", "list", "--region", "only-one", "--config", bad)
	assert.ErrorContains(t, err, "invalid config")
}

func TestTrackingListEmpty(t *testing.T) {
	path, _ := writeConfig(t)

	out, err := run(t, "tracking", "list", "--region", "eu-west-1", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "No tracking records.")

	_, err = run(t, "tracking", "list", "--region", "mars-1", "--config", path)
	assert.ErrorContains(t, err, "not part of deployment")

	_, err = run(t, "tracking", "list", "--region", "eu-west-1", "--status", "Lost", "--config", path)
	assert.Error(t, err)
}

func TestJournalTail(t *testing.T) {
	path, _ := writeConfig(t)

	out, err := run(t, "journal", "tail", "--region", "us-east-1", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "No stream records.")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	table, err := region.OpenJournal(context.Background(), cfg, "us-east-1")
	require.NoError(t, err)
	size := int64(2_000_000)
	require.NoError(t, table.Put(context.Background(), journal.Entry{
		Key: "photos/cat.jpg", EncodedKey: objstore.EncodeKey("photos/cat.jpg"),
		EventName: objstore.EventObjectCreatedPut, Time: time.Now().UTC().Truncate(time.Millisecond),
		Region: "us-east-1", Principal: "alice", Source: objstore.EventSource, Size: &size,
		Expire: time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}))
	require.NoError(t, table.Close())

	out, err = run(t, "journal", "tail", "--region", "us-east-1", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "photos/cat.jpg")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "2 MB")
	assert.Contains(t, out, journal.StreamInsert)
}

func TestApplyLogLevel(t *testing.T) {
	logLevel = ""
	defer func() { logLevel = "" }()
	setupLogging(&bytes.Buffer{})

	applyLogLevel("debug")
	assert.Equal(t, "debug", zerologLevel())

	logLevel = "warn"
	applyLogLevel("debug")
	assert.Equal(t, "warn", zerologLevel())

	logLevel = "nonsense"
	applyLogLevel("debug")
	assert.Equal(t, "info", zerologLevel())
}

func zerologLevel() string {
	return zerolog.GlobalLevel().String()
}
