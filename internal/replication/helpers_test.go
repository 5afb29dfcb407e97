package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tunnelmesh/regionsync/internal/journal"
	"github.com/tunnelmesh/regionsync/internal/objstore"
)

type storeCall struct {
	Op        string
	Bucket    string
	Key       string
	SrcBucket string
	SrcKey    string
	UploadID  string
	Part      int
	First     int64
	Last      int64
	Actor     string
}

// mockStore records calls and fails operations listed in errs.
type mockStore struct {
	mu      sync.Mutex
	calls   []storeCall
	errs    map[string]error
	uploads int
}

func newMockStore() *mockStore {
	return &mockStore{errs: map[string]error{}}
}

func (m *mockStore) record(ctx context.Context, c storeCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.Actor = objstore.ActorFromContext(ctx).Principal
	m.calls = append(m.calls, c)
	return m.errs[c.Op]
}

func (m *mockStore) setErr(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[op] = err
}

func (m *mockStore) callsFor(op string) []storeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storeCall
	for _, c := range m.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (m *mockStore) CopyObject(ctx context.Context, dstBucket, dstKey, srcBucket, srcKey string) (*objstore.ObjectInfo, error) {
	if err := m.record(ctx, storeCall{Op: "copy", Bucket: dstBucket, Key: dstKey, SrcBucket: srcBucket, SrcKey: srcKey}); err != nil {
		return nil, err
	}
	return &objstore.ObjectInfo{Bucket: dstBucket, Key: dstKey, Size: 10, ETag: `"copied"`}, nil
}

func (m *mockStore) DeleteObject(ctx context.Context, bucket, key string) error {
	return m.record(ctx, storeCall{Op: "delete", Bucket: bucket, Key: key})
}

func (m *mockStore) HeadObject(ctx context.Context, bucket, key string) (*objstore.ObjectInfo, error) {
	if err := m.record(ctx, storeCall{Op: "head", Bucket: bucket, Key: key}); err != nil {
		return nil, err
	}
	return &objstore.ObjectInfo{Bucket: bucket, Key: key, ETag: `"head"`}, nil
}

func (m *mockStore) CreateMultipartUpload(ctx context.Context, bucket, key string) (string, error) {
	if err := m.record(ctx, storeCall{Op: "create", Bucket: bucket, Key: key}); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads++
	return fmt.Sprintf("upload-%d", m.uploads), nil
}

func (m *mockStore) UploadPartCopy(ctx context.Context, bucket, key, uploadID string, partNumber int, srcBucket, srcKey string, first, last int64) (string, error) {
	err := m.record(ctx, storeCall{
		Op: "part", Bucket: bucket, Key: key, UploadID: uploadID, Part: partNumber,
		SrcBucket: srcBucket, SrcKey: srcKey, First: first, Last: last,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`"etag-%d"`, partNumber), nil
}

func (m *mockStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []objstore.CompletedPart) (*objstore.ObjectInfo, error) {
	if err := m.record(ctx, storeCall{Op: "complete", Bucket: bucket, Key: key, UploadID: uploadID, Part: len(parts)}); err != nil {
		return nil, err
	}
	return &objstore.ObjectInfo{Bucket: bucket, Key: key, ETag: fmt.Sprintf(`"final-%d"`, len(parts))}, nil
}

func (m *mockStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	return m.record(ctx, storeCall{Op: "abort", Bucket: bucket, Key: key, UploadID: uploadID})
}

func size(n int64) *int64 { return &n }

func testEntry(key, event string, sz int64) *journal.Entry {
	e := &journal.Entry{
		Key:          key,
		EncodedKey:   objstore.EncodeKey(key),
		EventName:    event,
		Time:         time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Region:       "us-east-1",
		Principal:    "alice",
		IPAddress:    "10.0.0.1",
		Source:       objstore.EventSource,
		Expire:       time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC),
		UpdateRegion: "us-east-1",
	}
	if event != objstore.EventObjectRemovedDelete {
		e.Size = size(sz)
	}
	return e
}

func streamRecord(e *journal.Entry) journal.StreamRecord {
	return journal.StreamRecord{
		SequenceNumber: 1,
		EventName:      journal.StreamInsert,
		SourceTable:    "app-journal",
		Keys:           e.PrimaryKey(),
		NewImage:       e,
	}
}
