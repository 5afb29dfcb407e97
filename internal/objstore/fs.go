package objstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// BucketMeta contains bucket metadata.
type BucketMeta struct {
	Name      string    `json:"name"`
	Region    string    `json:"region"`
	CreatedAt time.Time `json:"created_at"`
}

// objectMeta is the on-disk metadata record of an object.
type objectMeta struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"last_modified"`
	DataFile     string    `json:"data_file"` // name under {dataDir}/data
}

func (m *objectMeta) info(bucket string) *ObjectInfo {
	return &ObjectInfo{
		Bucket:       bucket,
		Key:          m.Key,
		Size:         m.Size,
		ETag:         m.ETag,
		LastModified: m.LastModified,
	}
}

// FSStore is a filesystem-backed object store hosting the buckets of every
// region of a local deployment. Object bodies are stored zstd-compressed.
// Directory structure:
//
//	{dataDir}/
//	  data/
//	    {id}.zst              # compressed object bodies
//	  buckets/
//	    {bucket}/
//	      _meta.json          # bucket metadata (name, region)
//	      meta/
//	        {key}.json        # object metadata
//	  multipart/
//	    {uploadID}/
//	      upload.json         # bucket and key of the upload
//	      part-{n}.zst        # compressed part body
//	      part-{n}.json       # part ETag and size
type FSStore struct {
	dataDir  string
	notifier Notifier
	now      func() time.Time
	mu       sync.RWMutex
}

var _ Store = (*FSStore)(nil)

// NewFSStore creates a store rooted at dataDir. Mutations are reported to
// notifier when it is non-nil.
func NewFSStore(dataDir string, notifier Notifier) (*FSStore, error) {
	for _, dir := range []string{"buckets", "data", "multipart"} {
		if err := os.MkdirAll(filepath.Join(dataDir, dir), 0755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", dir, err)
		}
	}
	return &FSStore{
		dataDir:  dataDir,
		notifier: notifier,
		now:      time.Now,
	}, nil
}

// SetNotifier replaces the mutation notifier.
func (s *FSStore) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// syncedWriteFile writes data to path atomically via a temp file and fsync.
// fsync is skipped when REGIONSYNC_TEST is set.
func syncedWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp-" + uuid.NewString()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if os.Getenv("REGIONSYNC_TEST") == "" {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return err
		}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// validateName rejects names that could escape the data directory.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("null bytes not allowed")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("invalid name")
	}
	for _, sep := range []string{"/", "\\"} {
		for _, part := range strings.Split(name, sep) {
			if part == ".." {
				return fmt.Errorf("path traversal not allowed")
			}
		}
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return fmt.Errorf("absolute paths not allowed")
	}
	if strings.HasPrefix(name, "./") || strings.HasPrefix(name, ".\\") {
		return fmt.Errorf("relative paths not allowed")
	}
	return nil
}

func validateBucketKey(bucket, key string) error {
	if err := validateName(bucket); err != nil {
		return fmt.Errorf("invalid bucket name: %w", err)
	}
	if err := validateName(key); err != nil {
		return fmt.Errorf("invalid key: %w", err)
	}
	return nil
}

func (s *FSStore) bucketPath(bucket string) string {
	return filepath.Join(s.dataDir, "buckets", bucket)
}

func (s *FSStore) bucketMetaPath(bucket string) string {
	return filepath.Join(s.bucketPath(bucket), "_meta.json")
}

func (s *FSStore) objectMetaPath(bucket, key string) string {
	return filepath.Join(s.bucketPath(bucket), "meta", key+".json")
}

func (s *FSStore) dataPath(name string) string {
	return filepath.Join(s.dataDir, "data", name)
}

// CreateBucket creates a bucket located in region.
func (s *FSStore) CreateBucket(ctx context.Context, bucket, region string) error {
	if err := validateName(bucket); err != nil {
		return fmt.Errorf("invalid bucket name: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getBucketMeta(bucket); err == nil {
		return ErrBucketExists
	}
	if err := os.MkdirAll(filepath.Join(s.bucketPath(bucket), "meta"), 0755); err != nil {
		return fmt.Errorf("create bucket dir: %w", err)
	}
	meta := BucketMeta{Name: bucket, Region: region, CreatedAt: s.now().UTC()}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bucket meta: %w", err)
	}
	if err := syncedWriteFile(s.bucketMetaPath(bucket), data, 0644); err != nil {
		return fmt.Errorf("write bucket meta: %w", err)
	}
	return nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *FSStore) EnsureBucket(ctx context.Context, bucket, region string) error {
	if err := s.CreateBucket(ctx, bucket, region); err != nil && !errors.Is(err, ErrBucketExists) {
		return err
	}
	return nil
}

// HeadBucket returns bucket metadata.
func (s *FSStore) HeadBucket(ctx context.Context, bucket string) (*BucketMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getBucketMeta(bucket)
}

// getBucketMeta reads bucket metadata (caller must hold lock).
func (s *FSStore) getBucketMeta(bucket string) (*BucketMeta, error) {
	data, err := os.ReadFile(s.bucketMetaPath(bucket))
	if os.IsNotExist(err) {
		return nil, ErrBucketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read bucket meta: %w", err)
	}
	var meta BucketMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal bucket meta: %w", err)
	}
	return &meta, nil
}

// getObjectMeta reads object metadata (caller must hold lock).
func (s *FSStore) getObjectMeta(bucket, key string) (*objectMeta, error) {
	data, err := os.ReadFile(s.objectMetaPath(bucket, key))
	if os.IsNotExist(err) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read object meta: %w", err)
	}
	var meta objectMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal object meta: %w", err)
	}
	return &meta, nil
}

// swapObjectMeta installs meta as the current version of bucket/key and
// returns the data file of the replaced version, if any (caller must hold lock).
func (s *FSStore) swapObjectMeta(bucket, key string, meta *objectMeta) (string, error) {
	var oldData string
	if old, err := s.getObjectMeta(bucket, key); err == nil {
		oldData = old.DataFile
	}
	metaPath := s.objectMetaPath(bucket, key)
	if err := os.MkdirAll(filepath.Dir(metaPath), 0755); err != nil {
		return "", fmt.Errorf("create meta dir: %w", err)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal object meta: %w", err)
	}
	if err := syncedWriteFile(metaPath, data, 0644); err != nil {
		return "", fmt.Errorf("write object meta: %w", err)
	}
	return oldData, nil
}

// writeCompressed streams r into a new compressed data file and returns the
// file name, the plaintext size, and the MD5 of the plaintext.
func (s *FSStore) writeCompressed(ctx context.Context, dir string, r io.Reader) (string, int64, []byte, error) {
	name := uuid.NewString() + ".zst"
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", 0, nil, fmt.Errorf("create data file: %w", err)
	}
	fail := func(err error) (string, int64, []byte, error) {
		_ = f.Close()
		_ = os.Remove(path)
		return "", 0, nil, err
	}

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fail(fmt.Errorf("create encoder: %w", err))
	}
	hasher := md5.New()
	n, err := io.Copy(io.MultiWriter(enc, hasher), &ctxReader{ctx: ctx, r: r})
	if err != nil {
		_ = enc.Close()
		return fail(fmt.Errorf("write data: %w", err))
	}
	if err := enc.Close(); err != nil {
		return fail(fmt.Errorf("flush encoder: %w", err))
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", 0, nil, fmt.Errorf("close data file: %w", err)
	}
	return name, n, hasher.Sum(nil), nil
}

// ctxReader stops a copy when its context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, fmt.Errorf("copy canceled: %w", err)
	}
	return c.r.Read(p)
}

// decompressingReader closes both the decoder and the underlying file.
type decompressingReader struct {
	dec  *zstd.Decoder
	file *os.File
	io.Reader
}

func (d *decompressingReader) Close() error {
	d.dec.Close()
	return d.file.Close()
}

// openData opens a compressed file and positions the plaintext stream at
// offset. The returned reader yields at most length bytes when length >= 0.
func openData(path string, offset, length int64) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	if offset > 0 {
		if _, err := io.CopyN(io.Discard, dec, offset); err != nil {
			dec.Close()
			_ = f.Close()
			return nil, fmt.Errorf("seek data: %w", err)
		}
	}
	var r io.Reader = dec
	if length >= 0 {
		r = io.LimitReader(dec, length)
	}
	return &decompressingReader{dec: dec, file: f, Reader: r}, nil
}

func (s *FSStore) notify(ctx context.Context, bucket string, records ...EventRecord) {
	s.mu.RLock()
	n := s.notifier
	s.mu.RUnlock()
	if n == nil || len(records) == 0 {
		return
	}
	n.Notify(ctx, Notification{Records: records})
}

func (s *FSStore) record(ctx context.Context, bucket *BucketMeta, key, eventName string, size int64, etag string) EventRecord {
	return NewEventRecord(bucket.Region, bucket.Name, key, eventName, size, etag, ActorFromContext(ctx), s.now())
}

// PutObject stores an object read from r.
func (s *FSStore) PutObject(ctx context.Context, bucket, key string, r io.Reader, contentType string) (*ObjectInfo, error) {
	if err := validateBucketKey(bucket, key); err != nil {
		return nil, err
	}
	bmeta, err := s.HeadBucket(ctx, bucket)
	if err != nil {
		return nil, err
	}

	// Stream outside the lock; only the metadata swap is serialized.
	name, size, sum, err := s.writeCompressed(ctx, filepath.Join(s.dataDir, "data"), r)
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	meta := &objectMeta{
		Key:          key,
		Size:         size,
		ContentType:  contentType,
		ETag:         fmt.Sprintf("%q", hex.EncodeToString(sum)),
		LastModified: s.now().UTC(),
		DataFile:     name,
	}
	if err := s.commitObject(bucket, key, meta); err != nil {
		_ = os.Remove(s.dataPath(name))
		return nil, err
	}

	s.notify(ctx, bucket, s.record(ctx, bmeta, key, EventObjectCreatedPut, size, meta.ETag))
	return meta.info(bucket), nil
}

func (s *FSStore) commitObject(bucket, key string, meta *objectMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getBucketMeta(bucket); err != nil {
		return err
	}
	oldData, err := s.swapObjectMeta(bucket, key, meta)
	if err != nil {
		return err
	}
	if oldData != "" && oldData != meta.DataFile {
		_ = os.Remove(s.dataPath(oldData))
	}
	return nil
}

// GetObject opens an object for reading.
func (s *FSStore) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, *ObjectInfo, error) {
	if err := validateBucketKey(bucket, key); err != nil {
		return nil, nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.getBucketMeta(bucket); err != nil {
		return nil, nil, err
	}
	meta, err := s.getObjectMeta(bucket, key)
	if err != nil {
		return nil, nil, err
	}
	rc, err := openData(s.dataPath(meta.DataFile), 0, -1)
	if err != nil {
		return nil, nil, err
	}
	return rc, meta.info(bucket), nil
}

// HeadObject returns object metadata without the body.
func (s *FSStore) HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	if err := validateBucketKey(bucket, key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.getBucketMeta(bucket); err != nil {
		return nil, err
	}
	meta, err := s.getObjectMeta(bucket, key)
	if err != nil {
		return nil, err
	}
	return meta.info(bucket), nil
}

// DeleteObject removes an object.
func (s *FSStore) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := validateBucketKey(bucket, key); err != nil {
		return err
	}

	s.mu.Lock()
	bmeta, err := s.getBucketMeta(bucket)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	meta, err := s.getObjectMeta(bucket, key)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := os.Remove(s.objectMetaPath(bucket, key)); err != nil && !os.IsNotExist(err) {
		s.mu.Unlock()
		return fmt.Errorf("remove object meta: %w", err)
	}
	_ = os.Remove(s.dataPath(meta.DataFile))
	s.mu.Unlock()

	s.notify(ctx, bucket, s.record(ctx, bmeta, key, EventObjectRemovedDelete, 0, ""))
	return nil
}

// CopyObject copies an object between buckets, possibly across regions.
func (s *FSStore) CopyObject(ctx context.Context, dstBucket, dstKey, srcBucket, srcKey string) (*ObjectInfo, error) {
	if err := validateBucketKey(dstBucket, dstKey); err != nil {
		return nil, err
	}
	if err := validateBucketKey(srcBucket, srcKey); err != nil {
		return nil, err
	}

	s.mu.RLock()
	dmeta, err := s.getBucketMeta(dstBucket)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	if _, err := s.getBucketMeta(srcBucket); err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	src, err := s.getObjectMeta(srcBucket, srcKey)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	// The compressed body is copied verbatim so the ETag carries over.
	in, err := os.Open(s.dataPath(src.DataFile))
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("open source data: %w", err)
	}
	defer func() { _ = in.Close() }()

	name := uuid.NewString() + ".zst"
	out, err := os.OpenFile(s.dataPath(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("create data file: %w", err)
	}
	if _, err := io.Copy(out, &ctxReader{ctx: ctx, r: in}); err != nil {
		_ = out.Close()
		_ = os.Remove(s.dataPath(name))
		return nil, fmt.Errorf("copy data: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(s.dataPath(name))
		return nil, fmt.Errorf("close data file: %w", err)
	}

	meta := &objectMeta{
		Key:          dstKey,
		Size:         src.Size,
		ContentType:  src.ContentType,
		ETag:         src.ETag,
		LastModified: s.now().UTC(),
		DataFile:     name,
	}
	if err := s.commitObject(dstBucket, dstKey, meta); err != nil {
		_ = os.Remove(s.dataPath(name))
		return nil, err
	}

	s.notify(ctx, dstBucket, s.record(ctx, dmeta, dstKey, EventObjectCreatedCopy, meta.Size, meta.ETag))
	return meta.info(dstBucket), nil
}

// ListObjects returns every object in a bucket sorted by key.
func (s *FSStore) ListObjects(ctx context.Context, bucket string) ([]ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.getBucketMeta(bucket); err != nil {
		return nil, err
	}
	metaDir := filepath.Join(s.bucketPath(bucket), "meta")
	var out []ObjectInfo
	err := filepath.WalkDir(metaDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") || strings.Contains(filepath.Base(path), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(metaDir, path)
		if err != nil {
			return err
		}
		meta, err := s.getObjectMeta(bucket, strings.TrimSuffix(filepath.ToSlash(rel), ".json"))
		if err != nil {
			return err
		}
		out = append(out, *meta.info(bucket))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
