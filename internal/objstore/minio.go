package objstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds connection settings for an S3-compatible endpoint.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	Region    string
}

// MinioStore replays operations against a real S3-compatible object store.
type MinioStore struct {
	core *minio.Core
}

var _ Store = (*MinioStore)(nil)

// NewMinioStore connects to an S3-compatible endpoint.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	core, err := minio.NewCore(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioStore{core: core}, nil
}

// Client exposes the underlying client for notification listeners.
func (m *MinioStore) Client() *minio.Client {
	return m.core.Client
}

// translateError maps S3 error codes onto the package sentinels.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchUpload":
		return fmt.Errorf("%s: %w", resp.Message, ErrNoSuchUpload)
	case "NoSuchKey":
		return fmt.Errorf("%s: %w", resp.Message, ErrObjectNotFound)
	case "NoSuchBucket":
		return fmt.Errorf("%s: %w", resp.Message, ErrBucketNotFound)
	case "InvalidRange":
		return fmt.Errorf("%s: %w", resp.Message, ErrInvalidRange)
	case "InvalidPart", "InvalidPartOrder":
		return fmt.Errorf("%s: %w", resp.Message, ErrInvalidPart)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%v: %w", err, ErrObjectNotFound)
	}
	return err
}

func minioInfo(bucket, key string, size int64, etag string, info minio.ObjectInfo) *ObjectInfo {
	out := &ObjectInfo{Bucket: bucket, Key: key, Size: size, ETag: quoteETag(etag)}
	if !info.LastModified.IsZero() {
		out.LastModified = info.LastModified
	}
	return out
}

func quoteETag(etag string) string {
	if etag == "" || strings.HasPrefix(etag, `"`) {
		return etag
	}
	return `"` + etag + `"`
}

// CopyObject performs a server-side copy.
func (m *MinioStore) CopyObject(ctx context.Context, dstBucket, dstKey, srcBucket, srcKey string) (*ObjectInfo, error) {
	info, err := m.core.Client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: dstBucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: srcBucket, Object: srcKey},
	)
	if err != nil {
		return nil, fmt.Errorf("copy %s/%s to %s/%s: %w", srcBucket, srcKey, dstBucket, dstKey, translateError(err))
	}
	return &ObjectInfo{
		Bucket:       dstBucket,
		Key:          dstKey,
		Size:         info.Size,
		ETag:         quoteETag(info.ETag),
		LastModified: info.LastModified,
	}, nil
}

// DeleteObject removes an object. S3 reports success for absent keys, so
// existence is checked first to honour the ErrObjectNotFound contract.
func (m *MinioStore) DeleteObject(ctx context.Context, bucket, key string) error {
	if _, err := m.HeadObject(ctx, bucket, key); err != nil {
		return err
	}
	if err := m.core.Client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s/%s: %w", bucket, key, translateError(err))
	}
	return nil
}

// HeadObject returns object metadata.
func (m *MinioStore) HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	info, err := m.core.Client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("stat %s/%s: %w", bucket, key, translateError(err))
	}
	return minioInfo(bucket, key, info.Size, info.ETag, info), nil
}

// CreateMultipartUpload starts a multipart upload.
func (m *MinioStore) CreateMultipartUpload(ctx context.Context, bucket, key string) (string, error) {
	uploadID, err := m.core.NewMultipartUpload(ctx, bucket, key, minio.PutObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("create upload %s/%s: %w", bucket, key, translateError(err))
	}
	return uploadID, nil
}

// UploadPartCopy copies an inclusive byte range of the source into a part.
func (m *MinioStore) UploadPartCopy(ctx context.Context, bucket, key, uploadID string, partNumber int, srcBucket, srcKey string, first, last int64) (string, error) {
	if first < 0 || last < first {
		return "", fmt.Errorf("bytes=%d-%d: %w", first, last, ErrInvalidRange)
	}
	part, err := m.core.CopyObjectPart(ctx, srcBucket, srcKey, bucket, key, uploadID, partNumber, first, last-first+1, nil)
	if err != nil {
		return "", fmt.Errorf("copy part %d of %s/%s: %w", partNumber, bucket, key, translateError(err))
	}
	return quoteETag(part.ETag), nil
}

// CompleteMultipartUpload assembles the listed parts.
func (m *MinioStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) (*ObjectInfo, error) {
	complete := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		complete = append(complete, minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	info, err := m.core.CompleteMultipartUpload(ctx, bucket, key, uploadID, complete, minio.PutObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("complete upload %s/%s: %w", bucket, key, translateError(err))
	}
	return &ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         info.Size,
		ETag:         quoteETag(info.ETag),
		LastModified: info.LastModified,
	}, nil
}

// AbortMultipartUpload discards an upload.
func (m *MinioStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	if err := m.core.AbortMultipartUpload(ctx, bucket, key, uploadID); err != nil {
		err = translateError(err)
		if errors.Is(err, ErrNoSuchUpload) {
			return err
		}
		return fmt.Errorf("abort upload %s/%s: %w", bucket, key, err)
	}
	return nil
}
