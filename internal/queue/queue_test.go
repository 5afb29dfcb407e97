package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/regionsync/internal/database"
	"github.com/tunnelmesh/regionsync/internal/objstore"
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

type depthQueue interface {
	Queue
	Depth(ctx context.Context) (int, error)
}

func newTestSQLQueue(t *testing.T, name string) *SQLQueue {
	t.Helper()
	db, err := database.Open(context.Background(), database.SQLite, database.SQLitePath(filepath.Join(t.TempDir(), "queue.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	q, err := NewSQLQueue(db, database.SQLite, name)
	require.NoError(t, err)
	return q
}

func forEachQueue(t *testing.T, fn func(t *testing.T, q depthQueue, clock *fakeClock)) {
	t.Run("memory", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1714557600, 0)}
		q := NewMemoryQueue()
		q.now = clock.Now
		fn(t, q, clock)
	})
	t.Run("sqlite", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1714557600, 0)}
		q := newTestSQLQueue(t, "us-east-1")
		q.now = clock.Now
		fn(t, q, clock)
	})
}

func TestSendReceiveDelete(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q depthQueue, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, q.Send(ctx, []byte(`{"a":1}`), map[string]string{AttrEventName: "UploadPartCopy"}))
		clock.Advance(time.Millisecond)
		require.NoError(t, q.Send(ctx, []byte(`{"b":2}`), nil))

		msgs, err := q.Receive(ctx, 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, `{"a":1}`, string(msgs[0].Body))
		name, ok := msgs[0].Attr(AttrEventName)
		assert.True(t, ok)
		assert.Equal(t, "UploadPartCopy", name)
		_, ok = msgs[1].Attr(AttrEventName)
		assert.False(t, ok)
		assert.Equal(t, 1, msgs[0].ReceiveCount)
		assert.NotEmpty(t, msgs[0].Receipt)

		require.NoError(t, q.Delete(ctx, msgs[0].Receipt))
		assert.ErrorIs(t, q.Delete(ctx, msgs[0].Receipt), ErrReceiptNotFound)

		depth, err := q.Depth(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, depth)
	})
}

func TestReceiveRespectsMax(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q depthQueue, clock *fakeClock) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			require.NoError(t, q.Send(ctx, []byte(fmt.Sprintf("%d", i)), nil))
		}
		msgs, err := q.Receive(ctx, 3, time.Minute)
		require.NoError(t, err)
		assert.Len(t, msgs, 3)

		rest, err := q.Receive(ctx, 10, time.Minute)
		require.NoError(t, err)
		assert.Len(t, rest, 2)
	})
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q depthQueue, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, q.Send(ctx, []byte("task"), nil))

		first, err := q.Receive(ctx, 1, 30*time.Second)
		require.NoError(t, err)
		require.Len(t, first, 1)

		hidden, err := q.Receive(ctx, 1, 30*time.Second)
		require.NoError(t, err)
		assert.Empty(t, hidden)

		clock.Advance(31 * time.Second)
		again, err := q.Receive(ctx, 1, 30*time.Second)
		require.NoError(t, err)
		require.Len(t, again, 1)
		assert.Equal(t, first[0].ID, again[0].ID)
		assert.Equal(t, 2, again[0].ReceiveCount)

		// The stale receipt no longer deletes the message.
		assert.ErrorIs(t, q.Delete(ctx, first[0].Receipt), ErrReceiptNotFound)
		require.NoError(t, q.Delete(ctx, again[0].Receipt))
	})
}

func TestSQLQueuesAreIsolatedByName(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(ctx, database.SQLite, database.SQLitePath(filepath.Join(t.TempDir(), "queue.db")))
	require.NoError(t, err)
	defer db.Close()

	us, err := NewSQLQueue(db, database.SQLite, "us-east-1")
	require.NoError(t, err)
	eu, err := NewSQLQueue(db, database.SQLite, "eu-west-1")
	require.NoError(t, err)

	require.NoError(t, us.Send(ctx, []byte("x"), nil))
	msgs, err := eu.Receive(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = us.Receive(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.ErrorIs(t, eu.Delete(ctx, msgs[0].Receipt), ErrReceiptNotFound)
}

type recordingHandler struct {
	mu   sync.Mutex
	seen []string
	fail map[string]bool
}

func (h *recordingHandler) HandleBatch(_ context.Context, msgs []Message) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	var done []Message
	for _, m := range msgs {
		h.seen = append(h.seen, string(m.Body))
		if !h.fail[string(m.Body)] {
			done = append(done, m)
		}
	}
	return done
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func TestConsumerDeletesOnlySucceeded(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	require.NoError(t, q.Send(ctx, []byte("ok"), nil))
	require.NoError(t, q.Send(ctx, []byte("bad"), nil))

	h := &recordingHandler{fail: map[string]bool{"bad": true}}
	c := NewConsumer(ConsumerConfig{Queue: q, Handler: h, Logger: zerolog.Nop()})

	n, err := c.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestConsumerRunStopsOnCancel(t *testing.T) {
	q := NewMemoryQueue()
	h := &recordingHandler{}
	c := NewConsumer(ConsumerConfig{
		Queue:        q,
		Handler:      h,
		PollInterval: 5 * time.Millisecond,
		RateLimit:    1000,
		Logger:       zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.NoError(t, q.Send(context.Background(), []byte("one"), nil))
	require.Eventually(t, func() bool { return h.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestNotificationSinkPublishes(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	sink := NewNotificationSink(q, zerolog.Nop())

	sink.Notify(ctx, objstore.Notification{Records: []objstore.EventRecord{{EventName: objstore.EventObjectCreatedPut}}})

	msgs, err := q.Receive(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Nil(t, msgs[0].Attributes)

	var n objstore.Notification
	require.NoError(t, json.Unmarshal(msgs[0].Body, &n))
	require.Len(t, n.Records, 1)
	assert.Equal(t, objstore.EventObjectCreatedPut, n.Records[0].EventName)
}
