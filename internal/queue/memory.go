package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	msg       Message
	visibleAt time.Time
}

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	mu      sync.Mutex
	entries []*memoryEntry
	now     func() time.Time
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{now: time.Now}
}

func (q *MemoryQueue) Send(_ context.Context, body []byte, attrs map[string]string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	q.entries = append(q.entries, &memoryEntry{
		msg: Message{
			ID:         uuid.NewString(),
			Body:       append([]byte(nil), body...),
			Attributes: cloneAttrs(attrs),
			SentAt:     now,
		},
		visibleAt: now,
	})
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context, max int, visibility time.Duration) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var out []Message
	for _, e := range q.entries {
		if len(out) >= max {
			break
		}
		if now.Before(e.visibleAt) {
			continue
		}
		e.msg.Receipt = uuid.NewString()
		e.msg.ReceiveCount++
		e.visibleAt = now.Add(visibility)
		m := e.msg
		m.Body = append([]byte(nil), e.msg.Body...)
		m.Attributes = cloneAttrs(e.msg.Attributes)
		out = append(out, m)
	}
	return out, nil
}

func (q *MemoryQueue) Delete(_ context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.msg.Receipt == receipt && receipt != "" {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return ErrReceiptNotFound
}

// Depth returns the number of messages not yet deleted.
func (q *MemoryQueue) Depth(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}
