package replication

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/regionsync/internal/objstore"
	"github.com/tunnelmesh/regionsync/internal/queue"
	"github.com/tunnelmesh/regionsync/internal/tracking"
)

type coordinatorFixture struct {
	coord *Coordinator
	store *mockStore
	table tracking.Table
	queue *queue.MemoryQueue
}

func newCoordinatorFixture(t *testing.T, table tracking.Table) *coordinatorFixture {
	t.Helper()
	if table == nil {
		table = tracking.NewMemoryTable()
	}
	f := &coordinatorFixture{store: newMockStore(), table: table, queue: queue.NewMemoryQueue()}
	f.coord = NewCoordinator(CoordinatorConfig{
		Region:   "eu-west-1",
		Store:    f.store,
		Tracking: table,
		Queue:    f.queue,
		Logger:   zerolog.Nop(),
	})
	return f
}

func (f *coordinatorFixture) tasks(t *testing.T) ([]PartCopyTask, []queue.Message) {
	t.Helper()
	msgs, err := f.queue.Receive(context.Background(), 1000, time.Minute)
	require.NoError(t, err)
	tasks := make([]PartCopyTask, len(msgs))
	for i, m := range msgs {
		require.NoError(t, json.Unmarshal(m.Body, &tasks[i]))
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].PartNumber < tasks[j].PartNumber })
	return tasks, msgs
}

func TestCoordinatorQueuesParts(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	e := testEntry("videos/big file.mp4", objstore.EventObjectCreatedPut, 17_000_000)

	require.NoError(t, f.coord.Start(context.Background(), e, "app-eu-west-1", "app-us-east-1"))

	creates := f.store.callsFor("create")
	require.Len(t, creates, 1)
	assert.Equal(t, "app-eu-west-1", creates[0].Bucket)
	assert.Equal(t, "videos/big file.mp4", creates[0].Key)

	hash := JournalItemHash(e)
	rec, err := f.table.Get(context.Background(), e.Key, hash)
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusQueued, rec.Status)
	assert.Equal(t, "upload-1", rec.UploadID)
	assert.Equal(t, 2, rec.TotalParts)
	assert.Equal(t, int64(16_000_000), rec.MaxPartSize)
	assert.Equal(t, "app-us-east-1", rec.RemoteBucket)
	assert.Equal(t, "app-eu-west-1", rec.LocalBucket)

	tasks, msgs := f.tasks(t)
	require.Len(t, tasks, 2)
	assert.Equal(t, PartCopyTask{
		Bucket:          "app-eu-west-1",
		Key:             "videos/big file.mp4",
		PartNumber:      1,
		CopySource:      "/app-us-east-1/" + objstore.EncodeKey("videos/big file.mp4"),
		CopySourceRange: "bytes=0-15999999",
		UploadID:        "upload-1",
	}, tasks[0])
	assert.Equal(t, "bytes=16000000-16999999", tasks[1].CopySourceRange)
	for _, m := range msgs {
		assert.Equal(t, map[string]string{
			queue.AttrEventName: EventUploadPartCopy,
			AttrJournalItemHash: hash,
		}, m.Attributes)
	}
}

func TestCoordinatorUsesLargeParts(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	e := testEntry("huge", objstore.EventObjectCreatedPut, 1_200_000_000)

	require.NoError(t, f.coord.Start(context.Background(), e, "app-eu-west-1", "app-us-east-1"))

	rec, err := f.table.Get(context.Background(), e.Key, JournalItemHash(e))
	require.NoError(t, err)
	assert.Equal(t, 38, rec.TotalParts)
	assert.Equal(t, int64(32_000_000), rec.MaxPartSize)

	tasks, _ := f.tasks(t)
	require.Len(t, tasks, 38)
	assert.Equal(t, "bytes=1184000000-1199999999", tasks[37].CopySourceRange)
}

func TestCoordinatorIsIdempotent(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	e := testEntry("k", objstore.EventObjectCreatedPut, 17_000_000)
	ctx := context.Background()

	require.NoError(t, f.coord.Start(ctx, e, "app-eu-west-1", "app-us-east-1"))
	require.NoError(t, f.coord.Start(ctx, e, "app-eu-west-1", "app-us-east-1"))

	assert.Len(t, f.store.callsFor("create"), 1)
	depth, err := f.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestCoordinatorConcurrentStartsCreateOneUpload(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	e := testEntry("k", objstore.EventObjectCreatedPut, 40_000_000)
	ctx := context.Background()

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() { done <- f.coord.Start(ctx, e, "app-eu-west-1", "app-us-east-1") }()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}

	assert.Len(t, f.store.callsFor("create"), 1)
	depth, err := f.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, depth)
}

func TestCoordinatorNewWriteOfSameKeyIsNotDuplicate(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	ctx := context.Background()
	first := testEntry("k", objstore.EventObjectCreatedPut, 17_000_000)
	second := testEntry("k", objstore.EventObjectCreatedPut, 17_000_000)
	second.Time = first.Time.Add(time.Minute)

	require.NoError(t, f.coord.Start(ctx, first, "app-eu-west-1", "app-us-east-1"))
	require.NoError(t, f.coord.Start(ctx, second, "app-eu-west-1", "app-us-east-1"))
	assert.Len(t, f.store.callsFor("create"), 2)
}

type lostClaimTable struct {
	tracking.Table
}

func (lostClaimTable) Queue(context.Context, string, string, string, tracking.QueueParams) (*tracking.Record, error) {
	return nil, tracking.ErrClaimLost
}

func TestCoordinatorAbortsWhenClaimLost(t *testing.T) {
	f := newCoordinatorFixture(t, lostClaimTable{tracking.NewMemoryTable()})
	e := testEntry("k", objstore.EventObjectCreatedPut, 17_000_000)

	require.NoError(t, f.coord.Start(context.Background(), e, "app-eu-west-1", "app-us-east-1"))

	aborts := f.store.callsFor("abort")
	require.Len(t, aborts, 1)
	assert.Equal(t, "upload-1", aborts[0].UploadID)
	depth, err := f.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestCoordinatorCreateFailureLeavesClaim(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	f.store.setErr("create", errors.New("throttled"))
	e := testEntry("k", objstore.EventObjectCreatedPut, 17_000_000)

	err := f.coord.Start(context.Background(), e, "app-eu-west-1", "app-us-east-1")
	assert.ErrorContains(t, err, "throttled")

	rec, err := f.table.Get(context.Background(), e.Key, JournalItemHash(e))
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusClaimed, rec.Status)
	assert.Empty(t, rec.UploadID)
}

type failingQueue struct {
	queue.Queue
}

func (failingQueue) Send(context.Context, []byte, map[string]string) error {
	return errors.New("queue unavailable")
}

func TestCoordinatorReportsFailedSends(t *testing.T) {
	store := newMockStore()
	table := tracking.NewMemoryTable()
	coord := NewCoordinator(CoordinatorConfig{
		Region:   "eu-west-1",
		Store:    store,
		Tracking: table,
		Queue:    failingQueue{queue.NewMemoryQueue()},
		Logger:   zerolog.Nop(),
	})
	e := testEntry("k", objstore.EventObjectCreatedPut, 17_000_000)

	err := coord.Start(context.Background(), e, "app-eu-west-1", "app-us-east-1")
	assert.ErrorContains(t, err, "2 of 2 parts failed")

	// The record stays queued; there is no reconciliation of lost sends.
	rec, err := table.Get(context.Background(), e.Key, JournalItemHash(e))
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusQueued, rec.Status)
}

func TestCoordinatorRejectsEntryWithoutSize(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	e := testEntry("k", objstore.EventObjectCreatedPut, 0)
	e.Size = nil
	assert.Error(t, f.coord.Start(context.Background(), e, "app-eu-west-1", "app-us-east-1"))
	assert.Empty(t, f.store.callsFor("create"))
}
