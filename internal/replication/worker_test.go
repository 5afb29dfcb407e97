package replication

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"math"
	mrand "math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/regionsync/internal/objstore"
	"github.com/tunnelmesh/regionsync/internal/queue"
	"github.com/tunnelmesh/regionsync/internal/tracking"
)

// smallSizing lets tests exercise the multipart path with kilobyte objects.
var smallSizing = Sizing{
	MultipartThreshold:   1000,
	PartSize:             1000,
	LargePartSize:        4000,
	LargeObjectThreshold: math.MaxInt64,
}

type multipartFixture struct {
	store  *objstore.FSStore
	table  *tracking.MemoryTable
	queue  *queue.MemoryQueue
	coord  *Coordinator
	worker *PartWorker
	data   []byte
	key    string
	hash   string
}

func newMultipartFixture(t *testing.T, objectSize int) *multipartFixture {
	t.Helper()
	t.Setenv("REGIONSYNC_TEST", "1")
	ctx := context.Background()

	store, err := objstore.NewFSStore(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket(ctx, "app-us-east-1", "us-east-1"))
	require.NoError(t, store.CreateBucket(ctx, "app-eu-west-1", "eu-west-1"))

	data := make([]byte, objectSize)
	_, err = rand.Read(data)
	require.NoError(t, err)
	key := "media/clip 01.bin"
	_, err = store.PutObject(ctx, "app-us-east-1", key, bytes.NewReader(data), "application/octet-stream")
	require.NoError(t, err)

	f := &multipartFixture{
		store: store,
		table: tracking.NewMemoryTable(),
		queue: queue.NewMemoryQueue(),
		data:  data,
	}
	f.coord = NewCoordinator(CoordinatorConfig{
		Region:   "eu-west-1",
		Store:    store,
		Tracking: f.table,
		Queue:    f.queue,
		Sizing:   smallSizing,
		Logger:   zerolog.Nop(),
	})
	f.worker = NewPartWorker(PartWorkerConfig{
		Region:    "eu-west-1",
		Principal: "regionsync-replicator",
		Store:     store,
		Tracking:  f.table,
		Logger:    zerolog.Nop(),
	})

	e := testEntry(key, objstore.EventObjectCreatedPut, int64(objectSize))
	require.NoError(t, f.coord.Start(ctx, e, "app-eu-west-1", "app-us-east-1"))
	f.key = key
	f.hash = JournalItemHash(e)
	return f
}

func (f *multipartFixture) receiveAll(t *testing.T) []queue.Message {
	t.Helper()
	msgs, err := f.queue.Receive(context.Background(), 1000, time.Minute)
	require.NoError(t, err)
	return msgs
}

func (f *multipartFixture) requireReplicated(t *testing.T) *tracking.Record {
	t.Helper()
	ctx := context.Background()
	rc, info, err := f.store.GetObject(ctx, "app-eu-west-1", f.key)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(f.data, got), "replicated bytes differ")

	rec, err := f.table.Get(ctx, f.key, f.hash)
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusComplete, rec.Status)
	assert.Equal(t, info.ETag, rec.ObjectETag)
	assert.Len(t, rec.Parts, rec.TotalParts)
	return rec
}

func TestPartWorkerCompletesInShuffledOrder(t *testing.T) {
	f := newMultipartFixture(t, 4500)
	msgs := f.receiveAll(t)
	require.Len(t, msgs, 5)

	mrand.New(mrand.NewSource(7)).Shuffle(len(msgs), func(i, j int) { msgs[i], msgs[j] = msgs[j], msgs[i] })
	for i, m := range msgs {
		require.NoError(t, f.worker.Handle(context.Background(), m))
		rec, err := f.table.Get(context.Background(), f.key, f.hash)
		require.NoError(t, err)
		if i < len(msgs)-1 {
			assert.Equal(t, tracking.StatusProcessing, rec.Status)
		}
	}

	rec := f.requireReplicated(t)
	assert.Equal(t, 5, rec.ProcessingAttempts)
}

func TestPartWorkerCompletesUnderConcurrency(t *testing.T) {
	f := newMultipartFixture(t, 8000)
	msgs := f.receiveAll(t)
	require.Len(t, msgs, 8)

	var wg sync.WaitGroup
	errs := make(chan error, len(msgs))
	for _, m := range msgs {
		wg.Add(1)
		go func(m queue.Message) {
			defer wg.Done()
			errs <- f.worker.Handle(context.Background(), m)
		}(m)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	f.requireReplicated(t)
}

func TestPartWorkerRedeliveryAfterCompleteIsNoop(t *testing.T) {
	f := newMultipartFixture(t, 2500)
	msgs := f.receiveAll(t)
	for _, m := range msgs {
		require.NoError(t, f.worker.Handle(context.Background(), m))
	}
	before := f.requireReplicated(t)

	require.NoError(t, f.worker.Handle(context.Background(), msgs[0]))
	after := f.requireReplicated(t)
	assert.Equal(t, before.ProcessingAttempts, after.ProcessingAttempts)
}

func TestPartWorkerDuplicateFinalizersAgree(t *testing.T) {
	f := newMultipartFixture(t, 3000)
	ctx := context.Background()
	msgs := f.receiveAll(t)
	require.Len(t, msgs, 3)

	// Copy every part without letting the worker finalize.
	for _, m := range msgs {
		task, err := DecodePartCopyTask(m.Body)
		require.NoError(t, err)
		first, last, err := ParseRange(task.CopySourceRange)
		require.NoError(t, err)
		etag, err := f.store.UploadPartCopy(ctx, task.Bucket, task.Key, task.UploadID, task.PartNumber, "app-us-east-1", f.key, first, last)
		require.NoError(t, err)
		_, err = f.table.RecordPart(ctx, task.Key, f.hash, task.PartNumber, etag)
		require.NoError(t, err)
	}
	rec, err := f.table.Get(ctx, f.key, f.hash)
	require.NoError(t, err)
	require.True(t, rec.HasAllParts())

	// Two finalizers observe the full marker set at the same instant.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.worker.finalize(ctx, rec.Clone(), zerolog.Nop())
		}(i)
	}
	wg.Wait()
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])

	f.requireReplicated(t)
}

func TestPartWorkerAttributesWritesToReplicator(t *testing.T) {
	f := newMultipartFixture(t, 1500)
	var seen []objstore.EventRecord
	var mu sync.Mutex
	f.store.SetNotifier(objstore.NotifierFunc(func(_ context.Context, n objstore.Notification) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, n.Records...)
	}))

	for _, m := range f.receiveAll(t) {
		require.NoError(t, f.worker.Handle(context.Background(), m))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, objstore.EventObjectCreatedComplete, seen[0].EventName)
	assert.Equal(t, "regionsync-replicator", seen[0].UserIdentity.PrincipalID)
	assert.Equal(t, "eu-west-1", seen[0].AwsRegion)
}

func newMockWorker() (*PartWorker, *mockStore, *tracking.MemoryTable) {
	store := newMockStore()
	table := tracking.NewMemoryTable()
	w := NewPartWorker(PartWorkerConfig{Region: "eu-west-1", Store: store, Tracking: table, Logger: zerolog.Nop()})
	return w, store, table
}

func queueRecord(t *testing.T, table tracking.Table, key, hash string, parts int) {
	t.Helper()
	ctx := context.Background()
	_, _, err := table.Claim(ctx, key, hash, "tok", time.Minute)
	require.NoError(t, err)
	_, err = table.Queue(ctx, key, hash, "tok", tracking.QueueParams{
		UploadID:     "upload-1",
		TotalParts:   parts,
		MaxPartSize:  1000,
		RemoteBucket: "app-us-east-1",
		LocalBucket:  "app-eu-west-1",
		EncodedKey:   key,
	})
	require.NoError(t, err)
}

func partTask(part int) PartCopyTask {
	return NewPartCopyTask("app-eu-west-1", "k", "upload-1", "app-us-east-1", "k",
		ByteRange{PartNumber: part, First: int64(part-1) * 1000, Last: int64(part)*1000 - 1})
}

func TestPartWorkerLeavesFailedCopyForRedelivery(t *testing.T) {
	w, store, table := newMockWorker()
	queueRecord(t, table, "k", "h", 2)
	store.setErr("part", errors.New("slow down"))

	err := w.CopyPart(context.Background(), partTask(1), "h")
	assert.ErrorContains(t, err, "slow down")
	assert.NotErrorIs(t, err, ErrMalformedMessage)

	rec, err := table.Get(context.Background(), "k", "h")
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusQueued, rec.Status)
	assert.Empty(t, rec.Parts)
}

func TestPartWorkerRecoversETagWhenUploadAlreadyCompleted(t *testing.T) {
	w, store, table := newMockWorker()
	queueRecord(t, table, "k", "h", 1)
	store.setErr("complete", objstore.ErrNoSuchUpload)

	require.NoError(t, w.CopyPart(context.Background(), partTask(1), "h"))
	assert.Len(t, store.callsFor("head"), 1)

	rec, err := table.Get(context.Background(), "k", "h")
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusComplete, rec.Status)
	assert.Equal(t, `"head"`, rec.ObjectETag)
}

func TestPartWorkerFinalizeFailureIsRetried(t *testing.T) {
	w, store, table := newMockWorker()
	queueRecord(t, table, "k", "h", 1)
	store.setErr("complete", errors.New("internal error"))

	assert.Error(t, w.CopyPart(context.Background(), partTask(1), "h"))

	// The redelivered message copies the part again and finalizes.
	store.setErr("complete", nil)
	require.NoError(t, w.CopyPart(context.Background(), partTask(1), "h"))
	rec, err := table.Get(context.Background(), "k", "h")
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusComplete, rec.Status)
	assert.Equal(t, 2, rec.ProcessingAttempts)
}

func TestPartWorkerDropsTaskWithoutRecord(t *testing.T) {
	w, store, _ := newMockWorker()
	require.NoError(t, w.CopyPart(context.Background(), partTask(1), "missing"))
	assert.Empty(t, store.calls)
}

func TestPartWorkerRejectsMalformedMessages(t *testing.T) {
	w, _, table := newMockWorker()
	queueRecord(t, table, "k", "h", 1)

	err := w.Handle(context.Background(), queue.Message{Body: []byte(`{}`)})
	assert.ErrorIs(t, err, ErrMalformedMessage)

	body := []byte(`{"Bucket":"app-eu-west-1","Key":"k","PartNumber":1,"UploadId":"upload-1","CopySource":"/app-us-east-1/k","CopySourceRange":"bytes=0-9"}`)
	err = w.Handle(context.Background(), queue.Message{Body: body})
	assert.ErrorIs(t, err, ErrMalformedMessage, "missing hash attribute")

	task := partTask(1)
	task.CopySourceRange = "bytes=9-0"
	err = w.CopyPart(context.Background(), task, "h")
	assert.ErrorIs(t, err, ErrMalformedMessage)
}
