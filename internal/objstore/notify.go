package objstore

import (
	"context"
	"net/url"
	"strings"
	"time"
)

// TestEvent is the Event value of the synthetic notification an object store
// sends when a notification target is first wired up.
const TestEvent = "s3:TestEvent"

// Event names emitted by the stores. Consumers match on the
// "ObjectCreated" and "ObjectRemoved" prefixes.
const (
	EventObjectCreatedPut      = "ObjectCreated:Put"
	EventObjectCreatedCopy     = "ObjectCreated:Copy"
	EventObjectCreatedComplete = "ObjectCreated:CompleteMultipartUpload"
	EventObjectRemovedDelete   = "ObjectRemoved:Delete"
)

// EventSource is reported as the eventSource of every notification record.
const EventSource = "aws:s3"

// Notification is an S3-style event notification batch.
type Notification struct {
	Event   string        `json:"Event,omitempty"`
	Bucket  string        `json:"Bucket,omitempty"`
	Records []EventRecord `json:"Records,omitempty"`
}

// EventRecord is one mutation within a notification.
type EventRecord struct {
	EventVersion      string            `json:"eventVersion"`
	EventSource       string            `json:"eventSource"`
	AwsRegion         string            `json:"awsRegion"`
	EventTime         string            `json:"eventTime"`
	EventName         string            `json:"eventName"`
	UserIdentity      UserIdentity      `json:"userIdentity"`
	RequestParameters RequestParameters `json:"requestParameters"`
	S3                S3Entity          `json:"s3"`
}

// UserIdentity carries the principal that performed the mutation.
type UserIdentity struct {
	PrincipalID string `json:"principalId"`
}

// RequestParameters carries request metadata.
type RequestParameters struct {
	SourceIPAddress string `json:"sourceIPAddress"`
}

// S3Entity identifies the bucket and object of a record.
type S3Entity struct {
	Bucket S3Bucket `json:"bucket"`
	Object S3Object `json:"object"`
}

// S3Bucket names the bucket of a record.
type S3Bucket struct {
	Name string `json:"name"`
}

// S3Object describes the object of a record. Key is URL-encoded.
type S3Object struct {
	Key  string `json:"key"`
	Size int64  `json:"size,omitempty"`
	ETag string `json:"eTag,omitempty"`
}

// Notifier receives mutation notifications from a store.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n Notification)

// Notify calls f(ctx, n).
func (f NotifierFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// NewEventRecord builds a notification record for a mutation by actor.
func NewEventRecord(region, bucket, key, eventName string, size int64, etag string, actor Actor, at time.Time) EventRecord {
	return EventRecord{
		EventVersion:      "2.1",
		EventSource:       EventSource,
		AwsRegion:         region,
		EventTime:         at.UTC().Format(time.RFC3339Nano),
		EventName:         eventName,
		UserIdentity:      UserIdentity{PrincipalID: actor.Principal},
		RequestParameters: RequestParameters{SourceIPAddress: actor.SourceIP},
		S3: S3Entity{
			Bucket: S3Bucket{Name: bucket},
			Object: S3Object{Key: EncodeKey(key), Size: size, ETag: strings.Trim(etag, `"`)},
		},
	}
}

// EncodeKey encodes an object key the way S3 does in notifications: form
// encoding with '+' for spaces and unescaped path separators.
func EncodeKey(key string) string {
	return strings.ReplaceAll(url.QueryEscape(key), "%2F", "/")
}

// DecodeKey reverses EncodeKey.
func DecodeKey(encoded string) (string, error) {
	return url.QueryUnescape(encoded)
}
