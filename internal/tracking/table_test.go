package tracking

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/regionsync/internal/database"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type tableFactory func(t *testing.T, clock *fakeClock) Table

func newMemory(t *testing.T, clock *fakeClock) Table {
	m := NewMemoryTable()
	m.now = clock.Now
	return m
}

func newSQLite(t *testing.T, clock *fakeClock) Table {
	ctx := context.Background()
	db, err := database.Open(ctx, database.SQLite, database.SQLitePath(filepath.Join(t.TempDir(), "tracking.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	table, err := NewSQLTable(db, database.SQLite)
	require.NoError(t, err)
	table.now = clock.Now
	return table
}

// newPostgres runs against REGIONSYNC_PGDSN in a throwaway schema.
func newPostgres(t *testing.T, clock *fakeClock) Table {
	dsn := os.Getenv("REGIONSYNC_PGDSN")
	if dsn == "" {
		t.Skip("REGIONSYNC_PGDSN not set")
	}
	ctx := context.Background()
	admin, err := database.Open(ctx, database.Postgres, dsn)
	require.NoError(t, err)
	schema := "tracking_" + uuid.NewString()[:8]
	_, err = admin.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schema))
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.ExecContext(context.Background(), fmt.Sprintf("DROP SCHEMA %s CASCADE", schema))
		_ = admin.Close()
	})

	db, err := database.Open(ctx, database.Postgres, dsn+" search_path="+schema)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	table, err := NewSQLTable(db, database.Postgres)
	require.NoError(t, err)
	table.now = clock.Now
	return table
}

var backends = map[string]tableFactory{
	"memory":   newMemory,
	"sqlite":   newSQLite,
	"postgres": newPostgres,
}

func forEachBackend(t *testing.T, fn func(t *testing.T, table Table, clock *fakeClock)) {
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
			fn(t, factory(t, clock), clock)
		})
	}
}

func queueParams(parts int) QueueParams {
	return QueueParams{
		UploadID:     "upload-1",
		TotalParts:   parts,
		MaxPartSize:  16_000_000,
		RemoteBucket: "app-us-east-1",
		LocalBucket:  "app-eu-west-1",
		EncodedKey:   "big+file",
	}
}

func claimAndQueue(t *testing.T, table Table, key, hash string, parts int) *Record {
	t.Helper()
	ctx := context.Background()
	_, outcome, err := table.Claim(ctx, key, hash, "token-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, ClaimAcquired, outcome)
	r, err := table.Queue(ctx, key, hash, "token-1", queueParams(parts))
	require.NoError(t, err)
	return r
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusClaimed, StatusQueued, true},
		{StatusQueued, StatusProcessing, true},
		{StatusProcessing, StatusProcessing, true},
		{StatusProcessing, StatusComplete, true},
		{StatusClaimed, StatusProcessing, false},
		{StatusClaimed, StatusComplete, false},
		{StatusQueued, StatusComplete, false},
		{StatusQueued, StatusQueued, false},
		{StatusComplete, StatusProcessing, false},
		{StatusComplete, StatusComplete, false},
		{StatusProcessing, StatusQueued, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStatusText(t *testing.T) {
	for s := StatusClaimed; s <= StatusComplete; s++ {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var back Status
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, s, back)
	}
	var s Status
	assert.Error(t, s.UnmarshalText([]byte("Pending")))
}

func TestClaimCreatesRecord(t *testing.T) {
	forEachBackend(t, func(t *testing.T, table Table, clock *fakeClock) {
		ctx := context.Background()
		r, outcome, err := table.Claim(ctx, "k", "h", "token-1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, ClaimAcquired, outcome)
		assert.Equal(t, StatusClaimed, r.Status)
		assert.Equal(t, "token-1", r.ClaimToken)
		assert.Empty(t, r.UploadID)

		got, err := table.Get(ctx, "k", "h")
		require.NoError(t, err)
		assert.Equal(t, StatusClaimed, got.Status)
	})
}

func TestClaimLiveClaimIsInProgress(t *testing.T) {
	forEachBackend(t, func(t *testing.T, table Table, clock *fakeClock) {
		ctx := context.Background()
		_, _, err := table.Claim(ctx, "k", "h", "token-1", time.Minute)
		require.NoError(t, err)

		clock.Advance(30 * time.Second)
		_, outcome, err := table.Claim(ctx, "k", "h", "token-2", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, ClaimInProgress, outcome)

		// The original holder can still queue.
		_, err = table.Queue(ctx, "k", "h", "token-1", queueParams(2))
		assert.NoError(t, err)
	})
}

func TestClaimTakesOverExpiredClaim(t *testing.T) {
	forEachBackend(t, func(t *testing.T, table Table, clock *fakeClock) {
		ctx := context.Background()
		_, _, err := table.Claim(ctx, "k", "h", "token-1", time.Minute)
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)
		_, outcome, err := table.Claim(ctx, "k", "h", "token-2", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, ClaimAcquired, outcome)

		// The stale holder lost its claim.
		_, err = table.Queue(ctx, "k", "h", "token-1", queueParams(2))
		assert.ErrorIs(t, err, ErrClaimLost)
		_, err = table.Queue(ctx, "k", "h", "token-2", queueParams(2))
		assert.NoError(t, err)
	})
}

func TestClaimDuplicateAfterQueue(t *testing.T) {
	forEachBackend(t, func(t *testing.T, table Table, clock *fakeClock) {
		claimAndQueue(t, table, "k", "h", 2)

		clock.Advance(time.Hour)
		r, outcome, err := table.Claim(context.Background(), "k", "h", "token-2", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, ClaimDuplicate, outcome)
		assert.Equal(t, "upload-1", r.UploadID)
	})
}

func TestQueueWritesUpload(t *testing.T) {
	forEachBackend(t, func(t *testing.T, table Table, clock *fakeClock) {
		r := claimAndQueue(t, table, "k", "h", 3)
		assert.Equal(t, StatusQueued, r.Status)
		assert.Equal(t, "upload-1", r.UploadID)
		assert.Equal(t, 3, r.TotalParts)
		assert.Equal(t, int64(16_000_000), r.MaxPartSize)
		assert.True(t, r.Expire.Equal(clock.Now().Add(DefaultRetention)))

		got, err := table.Get(context.Background(), "k", "h")
		require.NoError(t, err)
		assert.Equal(t, "app-us-east-1", got.RemoteBucket)
		assert.Equal(t, "app-eu-west-1", got.LocalBucket)
		assert.Equal(t, "big+file", got.EncodedKey)
	})
}

func TestQueueUnknownRecordIsClaimLost(t *testing.T) {
	forEachBackend(t, func(t *testing.T, table Table, clock *fakeClock) {
		_, err := table.Queue(context.Background(), "k", "h", "token-1", queueParams(1))
		assert.ErrorIs(t, err, ErrClaimLost)
	})
}

func TestRecordPartProgress(t *testing.T) {
	forEachBackend(t, func(t *testing.T, table Table, clock *fakeClock) {
		ctx := context.Background()
		claimAndQueue(t, table, "k", "h", 2)

		r, err := table.RecordPart(ctx, "k", "h", 2, `"etag-2"`)
		require.NoError(t, err)
		assert.Equal(t, StatusProcessing, r.Status)
		assert.Equal(t, 1, r.ProcessingAttempts)
		assert.False(t, r.HasAllParts())

		r, err = table.RecordPart(ctx, "k", "h", 1, `"etag-1"`)
		require.NoError(t, err)
		assert.Equal(t, 2, r.ProcessingAttempts)
		assert.True(t, r.HasAllParts())
		assert.Equal(t, map[int]string{1: `"etag-1"`, 2: `"etag-2"`}, r.Parts)

		parts := r.CompletedParts()
		require.Len(t, parts, 2)
		assert.Equal(t, 1, parts[0].PartNumber)
		assert.Equal(t, 2, parts[1].PartNumber)
	})
}

func TestRecordPartRejectsOutOfRange(t *testing.T) {
	forEachBackend(t, func(t *testing.T, table Table, clock *fakeClock) {
		ctx := context.Background()
		claimAndQueue(t, table, "k", "h", 2)

		_, err := table.RecordPart(ctx, "k", "h", 0, "e")
		assert.ErrorIs(t, err, ErrInvalidPart)
		_, err = table.RecordPart(ctx, "k", "h", 3, "e")
		assert.ErrorIs(t, err, ErrInvalidPart)
	})
}

func TestRecordPartBeforeQueueIsInvalid(t *testing.T) {
	forEachBackend(t, func(t *testing.T, table Table, clock *fakeClock) {
		ctx := context.Background()
		_, _, err := table.Claim(ctx, "k", "h", "token-1", time.Minute)
		require.NoError(t, err)

		_, err = table.RecordPart(ctx, "k", "h", 1, "e")
		assert.Error(t, err)
	})
}

func TestRecordPartNotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, table Table, clock *fakeClock) {
		_, err := table.RecordPart(context.Background(), "k", "h", 1, "e")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCompleteLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, table Table, clock *fakeClock) {
		ctx := context.Background()
		claimAndQueue(t, table, "k", "h", 1)

		// Complete requires every part.
		_, err := table.Complete(ctx, "k", "h", "etag")
		assert.ErrorIs(t, err, ErrInvalidTransition)

		_, err = table.RecordPart(ctx, "k", "h", 1, "p1")
		require.NoError(t, err)
		r, err := table.Complete(ctx, "k", "h", `"final-1"`)
		require.NoError(t, err)
		assert.Equal(t, StatusComplete, r.Status)
		assert.Equal(t, `"final-1"`, r.ObjectETag)
		assert.False(t, r.FinishedAt.IsZero())

		_, err = table.Complete(ctx, "k", "h", `"final-1"`)
		assert.ErrorIs(t, err, ErrAlreadyComplete)
		_, err = table.RecordPart(ctx, "k", "h", 1, "p1")
		assert.ErrorIs(t, err, ErrAlreadyComplete)
	})
}

func TestConcurrentRecordPartKeepsEveryMarker(t *testing.T) {
	forEachBackend(t, func(t *testing.T, table Table, clock *fakeClock) {
		ctx := context.Background()
		const parts = 8
		claimAndQueue(t, table, "k", "h", parts)

		var wg sync.WaitGroup
		errs := make(chan error, parts)
		for n := 1; n <= parts; n++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				_, err := table.RecordPart(ctx, "k", "h", n, fmt.Sprintf("etag-%d", n))
				errs <- err
			}(n)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		r, err := table.Get(ctx, "k", "h")
		require.NoError(t, err)
		assert.True(t, r.HasAllParts())
		assert.Equal(t, parts, r.ProcessingAttempts)
	})
}

func TestListAndDeleteExpired(t *testing.T) {
	forEachBackend(t, func(t *testing.T, table Table, clock *fakeClock) {
		ctx := context.Background()
		claimAndQueue(t, table, "old", "h1", 1)
		clock.Advance(time.Second)
		claimAndQueue(t, table, "new", "h2", 1)
		_, err := table.RecordPart(ctx, "new", "h2", 1, "e")
		require.NoError(t, err)

		all, err := table.List(ctx, ListFilter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "new", all[0].Key)
		assert.Equal(t, map[int]string{1: "e"}, all[0].Parts)

		queued := StatusQueued
		onlyQueued, err := table.List(ctx, ListFilter{Status: &queued})
		require.NoError(t, err)
		require.Len(t, onlyQueued, 1)
		assert.Equal(t, "old", onlyQueued[0].Key)

		limited, err := table.List(ctx, ListFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		n, err := table.DeleteExpired(ctx, clock.Now().Add(DefaultRetention).Add(-500*time.Millisecond))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = table.Get(ctx, "old", "h1")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = table.Get(ctx, "new", "h2")
		assert.NoError(t, err)
	})
}

func TestCounts(t *testing.T) {
	type counter interface {
		Counts(ctx context.Context) (map[string]int, error)
	}
	forEachBackend(t, func(t *testing.T, table Table, clock *fakeClock) {
		ctx := context.Background()
		claimAndQueue(t, table, "a", "h", 1)
		claimAndQueue(t, table, "b", "h", 1)
		_, err := table.RecordPart(ctx, "b", "h", 1, "e")
		require.NoError(t, err)

		counts, err := table.(counter).Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"Queued": 1, "Processing": 1}, counts)
	})
}
