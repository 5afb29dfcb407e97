// Package objstore defines the object-store operations the replication engine
// replays against, with a local filesystem backend and a MinIO/S3 backend.
package objstore

import (
	"context"
	"errors"
	"time"
)

// Object store errors.
var (
	ErrBucketExists   = errors.New("bucket already exists")
	ErrBucketNotFound = errors.New("bucket not found")
	ErrObjectNotFound = errors.New("object not found")
	ErrNoSuchUpload   = errors.New("multipart upload not found")
	ErrInvalidRange   = errors.New("invalid copy source range")
	ErrInvalidPart    = errors.New("invalid multipart part list")
	ErrInvalidRequest = errors.New("invalid request")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Bucket       string    `json:"bucket"`
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"last_modified"`
}

// CompletedPart identifies one uploaded part when finalizing a multipart upload.
type CompletedPart struct {
	PartNumber int    `json:"PartNumber"`
	ETag       string `json:"ETag"`
}

// Store is the set of server-side operations replication needs. Keys are
// always in decoded form.
type Store interface {
	// CopyObject copies srcBucket/srcKey to dstBucket/dstKey on the server side.
	CopyObject(ctx context.Context, dstBucket, dstKey, srcBucket, srcKey string) (*ObjectInfo, error)

	// DeleteObject removes an object. Deleting a missing object returns ErrObjectNotFound.
	DeleteObject(ctx context.Context, bucket, key string) error

	// HeadObject returns object metadata.
	HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error)

	// CreateMultipartUpload starts a multipart upload and returns its handle.
	CreateMultipartUpload(ctx context.Context, bucket, key string) (string, error)

	// UploadPartCopy copies the inclusive byte range [first, last] of the
	// source object into part partNumber of the upload and returns the part ETag.
	UploadPartCopy(ctx context.Context, bucket, key, uploadID string, partNumber int, srcBucket, srcKey string, first, last int64) (string, error)

	// CompleteMultipartUpload assembles the listed parts into the final object.
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) (*ObjectInfo, error)

	// AbortMultipartUpload discards an upload and its parts.
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error
}

// Actor identifies who performed a mutation. It is carried on the context so
// notifications can report the principal and source address.
type Actor struct {
	Principal string
	SourceIP  string
}

type actorKey struct{}

// WithActor returns a context that attributes store mutations to actor.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor attached to ctx, or an anonymous local actor.
func ActorFromContext(ctx context.Context) Actor {
	if a, ok := ctx.Value(actorKey{}).(Actor); ok {
		if a.SourceIP == "" {
			a.SourceIP = "127.0.0.1"
		}
		return a
	}
	return Actor{Principal: "anonymous", SourceIP: "127.0.0.1"}
}
