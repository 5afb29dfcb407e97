package tracking

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

type recordKey struct {
	key  string
	hash string
}

// MemoryTable is an in-process Table guarded by a mutex.
type MemoryTable struct {
	mu      sync.Mutex
	records map[recordKey]*Record
	now     func() time.Time
}

var _ Table = (*MemoryTable)(nil)

// NewMemoryTable creates an empty in-memory table.
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{
		records: make(map[recordKey]*Record),
		now:     time.Now,
	}
}

// Claim implements Table.
func (m *MemoryTable) Claim(_ context.Context, key, hash, token string, lease time.Duration) (*Record, ClaimOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	rk := recordKey{key, hash}
	r, ok := m.records[rk]
	if !ok {
		r = newClaim(key, hash, token, lease, now)
		m.records[rk] = r
		return r.Clone(), ClaimAcquired, nil
	}
	outcome := applyClaim(r, token, lease, now)
	return r.Clone(), outcome, nil
}

// update applies fn to a copy of the record and stores it on success.
func (m *MemoryTable) update(key, hash string, fn func(r *Record, now time.Time) error) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rk := recordKey{key, hash}
	r, ok := m.records[rk]
	if !ok {
		return nil, ErrNotFound
	}
	next := r.Clone()
	if err := fn(next, m.now()); err != nil {
		return r.Clone(), err
	}
	m.records[rk] = next
	return next.Clone(), nil
}

// Queue implements Table.
func (m *MemoryTable) Queue(_ context.Context, key, hash, token string, p QueueParams) (*Record, error) {
	r, err := m.update(key, hash, func(r *Record, now time.Time) error {
		return applyQueue(r, token, p, now)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrClaimLost
	}
	return r, err
}

// Get implements Table.
func (m *MemoryTable) Get(_ context.Context, key, hash string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[recordKey{key, hash}]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// RecordPart implements Table.
func (m *MemoryTable) RecordPart(_ context.Context, key, hash string, part int, etag string) (*Record, error) {
	return m.update(key, hash, func(r *Record, now time.Time) error {
		return applyPart(r, part, etag, now)
	})
}

// Complete implements Table.
func (m *MemoryTable) Complete(_ context.Context, key, hash, objectETag string) (*Record, error) {
	return m.update(key, hash, func(r *Record, now time.Time) error {
		return applyComplete(r, objectETag, now)
	})
}

// List implements Table.
func (m *MemoryTable) List(_ context.Context, f ListFilter) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Record, 0, len(m.records))
	for _, r := range m.records {
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		out = append(out, r.Clone())
	}
	sortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// DeleteExpired implements Table.
func (m *MemoryTable) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for rk, r := range m.records {
		if r.Expire.Before(now) {
			delete(m.records, rk)
			n++
		}
	}
	return n, nil
}

// Counts returns the number of records per status name.
func (m *MemoryTable) Counts(_ context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]int)
	for _, r := range m.records {
		out[r.Status.String()]++
	}
	return out, nil
}

func sortNewestFirst(records []*Record) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		if records[i].Key != records[j].Key {
			return records[i].Key < records[j].Key
		}
		return records[i].JournalItemHash < records[j].JournalItemHash
	})
}
