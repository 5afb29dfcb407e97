package objstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// uploadMeta is the on-disk record of an in-progress multipart upload.
type uploadMeta struct {
	UploadID string `json:"upload_id"`
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
}

// partMeta is the on-disk record of one uploaded part.
type partMeta struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
	Size       int64  `json:"size"`
	DataFile   string `json:"data_file"`
}

func (s *FSStore) uploadDir(uploadID string) string {
	return filepath.Join(s.dataDir, "multipart", uploadID)
}

func (s *FSStore) partMetaPath(uploadID string, partNumber int) string {
	return filepath.Join(s.uploadDir(uploadID), "part-"+strconv.Itoa(partNumber)+".json")
}

// getUpload reads an upload record and checks it belongs to bucket/key
// (caller must hold lock).
func (s *FSStore) getUpload(bucket, key, uploadID string) (*uploadMeta, error) {
	if _, err := uuid.Parse(uploadID); err != nil {
		return nil, ErrNoSuchUpload
	}
	data, err := os.ReadFile(filepath.Join(s.uploadDir(uploadID), "upload.json"))
	if os.IsNotExist(err) {
		return nil, ErrNoSuchUpload
	}
	if err != nil {
		return nil, fmt.Errorf("read upload meta: %w", err)
	}
	var up uploadMeta
	if err := json.Unmarshal(data, &up); err != nil {
		return nil, fmt.Errorf("unmarshal upload meta: %w", err)
	}
	if up.Bucket != bucket || up.Key != key {
		return nil, ErrNoSuchUpload
	}
	return &up, nil
}

// CreateMultipartUpload starts a multipart upload.
func (s *FSStore) CreateMultipartUpload(ctx context.Context, bucket, key string) (string, error) {
	if err := validateBucketKey(bucket, key); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getBucketMeta(bucket); err != nil {
		return "", err
	}
	uploadID := uuid.NewString()
	if err := os.MkdirAll(s.uploadDir(uploadID), 0755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	data, err := json.Marshal(uploadMeta{UploadID: uploadID, Bucket: bucket, Key: key})
	if err != nil {
		return "", fmt.Errorf("marshal upload meta: %w", err)
	}
	if err := syncedWriteFile(filepath.Join(s.uploadDir(uploadID), "upload.json"), data, 0644); err != nil {
		return "", fmt.Errorf("write upload meta: %w", err)
	}
	return uploadID, nil
}

// UploadPartCopy copies bytes [first, last] of srcBucket/srcKey into a part.
// Repeating a part replaces it.
func (s *FSStore) UploadPartCopy(ctx context.Context, bucket, key, uploadID string, partNumber int, srcBucket, srcKey string, first, last int64) (string, error) {
	if err := validateBucketKey(bucket, key); err != nil {
		return "", err
	}
	if err := validateBucketKey(srcBucket, srcKey); err != nil {
		return "", err
	}
	if partNumber < 1 || partNumber > 10000 {
		return "", fmt.Errorf("part number %d: %w", partNumber, ErrInvalidRequest)
	}

	s.mu.RLock()
	if _, err := s.getUpload(bucket, key, uploadID); err != nil {
		s.mu.RUnlock()
		return "", err
	}
	if _, err := s.getBucketMeta(srcBucket); err != nil {
		s.mu.RUnlock()
		return "", err
	}
	src, err := s.getObjectMeta(srcBucket, srcKey)
	if err != nil {
		s.mu.RUnlock()
		return "", err
	}
	if first < 0 || last < first || last >= src.Size {
		s.mu.RUnlock()
		return "", fmt.Errorf("bytes=%d-%d of %d: %w", first, last, src.Size, ErrInvalidRange)
	}
	rc, err := openData(s.dataPath(src.DataFile), first, last-first+1)
	s.mu.RUnlock()
	if err != nil {
		return "", err
	}
	defer func() { _ = rc.Close() }()

	name, size, sum, err := s.writeCompressed(ctx, s.uploadDir(uploadID), rc)
	if err != nil {
		return "", err
	}
	if size != last-first+1 {
		_ = os.Remove(filepath.Join(s.uploadDir(uploadID), name))
		return "", fmt.Errorf("short part copy: got %d bytes, want %d", size, last-first+1)
	}

	pm := partMeta{PartNumber: partNumber, ETag: fmt.Sprintf("%q", hex.EncodeToString(sum)), Size: size, DataFile: name}
	data, err := json.Marshal(pm)
	if err != nil {
		return "", fmt.Errorf("marshal part meta: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The upload may have been completed or aborted while copying.
	if _, err := s.getUpload(bucket, key, uploadID); err != nil {
		_ = os.Remove(filepath.Join(s.uploadDir(uploadID), name))
		return "", err
	}
	var previous string
	if old, err := s.readPart(uploadID, partNumber); err == nil {
		previous = old.DataFile
	}
	if err := syncedWriteFile(s.partMetaPath(uploadID, partNumber), data, 0644); err != nil {
		return "", fmt.Errorf("write part meta: %w", err)
	}
	if previous != "" && previous != name {
		_ = os.Remove(filepath.Join(s.uploadDir(uploadID), previous))
	}
	return pm.ETag, nil
}

func (s *FSStore) readPart(uploadID string, partNumber int) (*partMeta, error) {
	data, err := os.ReadFile(s.partMetaPath(uploadID, partNumber))
	if err != nil {
		return nil, err
	}
	var pm partMeta
	if err := json.Unmarshal(data, &pm); err != nil {
		return nil, fmt.Errorf("unmarshal part meta: %w", err)
	}
	return &pm, nil
}

// CompleteMultipartUpload concatenates the listed parts into the final
// object. Parts must be in ascending order and match the uploaded ETags.
// Completing an upload a second time returns ErrNoSuchUpload.
func (s *FSStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) (*ObjectInfo, error) {
	if err := validateBucketKey(bucket, key); err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("no parts: %w", ErrInvalidPart)
	}

	// Holding the write lock for the whole assembly makes concurrent
	// completions of the same upload collapse into one.
	s.mu.Lock()
	bmeta, err := s.getBucketMeta(bucket)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if _, err := s.getUpload(bucket, key, uploadID); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	stored := make([]*partMeta, 0, len(parts))
	prev := 0
	for _, p := range parts {
		if p.PartNumber <= prev {
			s.mu.Unlock()
			return nil, fmt.Errorf("part %d out of order: %w", p.PartNumber, ErrInvalidPart)
		}
		prev = p.PartNumber
		pm, err := s.readPart(uploadID, p.PartNumber)
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("part %d missing: %w", p.PartNumber, ErrInvalidPart)
		}
		if strings.Trim(pm.ETag, `"`) != strings.Trim(p.ETag, `"`) {
			s.mu.Unlock()
			return nil, fmt.Errorf("part %d etag mismatch: %w", p.PartNumber, ErrInvalidPart)
		}
		stored = append(stored, pm)
	}

	meta, err := s.assembleParts(ctx, uploadID, key, stored)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	oldData, err := s.swapObjectMeta(bucket, key, meta)
	if err != nil {
		s.mu.Unlock()
		_ = os.Remove(s.dataPath(meta.DataFile))
		return nil, err
	}
	if oldData != "" {
		_ = os.Remove(s.dataPath(oldData))
	}
	_ = os.RemoveAll(s.uploadDir(uploadID))
	s.mu.Unlock()

	s.notify(ctx, bucket, s.record(ctx, bmeta, key, EventObjectCreatedComplete, meta.Size, meta.ETag))
	return meta.info(bucket), nil
}

// assembleParts writes the concatenation of parts into a new data file. The
// ETag follows the S3 multipart convention: md5 of the part digests, suffixed
// with the part count.
func (s *FSStore) assembleParts(ctx context.Context, uploadID, key string, parts []*partMeta) (*objectMeta, error) {
	name := uuid.NewString() + ".zst"
	path := s.dataPath(name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("create data file: %w", err)
	}
	fail := func(err error) (*objectMeta, error) {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		return fail(fmt.Errorf("create encoder: %w", err))
	}

	digests := md5.New()
	var total int64
	for _, pm := range parts {
		raw, err := hex.DecodeString(strings.Trim(pm.ETag, `"`))
		if err != nil {
			_ = enc.Close()
			return fail(fmt.Errorf("decode part etag: %w", err))
		}
		digests.Write(raw)

		rc, err := openData(filepath.Join(s.uploadDir(uploadID), pm.DataFile), 0, -1)
		if err != nil {
			_ = enc.Close()
			return fail(err)
		}
		n, err := io.Copy(enc, &ctxReader{ctx: ctx, r: rc})
		_ = rc.Close()
		if err != nil {
			_ = enc.Close()
			return fail(fmt.Errorf("assemble part %d: %w", pm.PartNumber, err))
		}
		total += n
	}
	if err := enc.Close(); err != nil {
		return fail(fmt.Errorf("flush encoder: %w", err))
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("close data file: %w", err)
	}

	return &objectMeta{
		Key:          key,
		Size:         total,
		ContentType:  "application/octet-stream",
		ETag:         fmt.Sprintf("\"%s-%d\"", hex.EncodeToString(digests.Sum(nil)), len(parts)),
		LastModified: s.now().UTC(),
		DataFile:     name,
	}, nil
}

// AbortMultipartUpload discards an upload and its parts.
func (s *FSStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getUpload(bucket, key, uploadID); err != nil {
		return err
	}
	if err := os.RemoveAll(s.uploadDir(uploadID)); err != nil {
		return fmt.Errorf("remove upload: %w", err)
	}
	return nil
}
