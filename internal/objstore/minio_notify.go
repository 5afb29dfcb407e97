package objstore

import (
	"context"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/notification"
	"github.com/rs/zerolog"
)

// minioEvents are the notification filters registered with the server.
var minioEvents = []string{"s3:ObjectCreated:*", "s3:ObjectRemoved:*"}

// MinioNotifier forwards bucket notifications from a MinIO server to a
// Notifier, reconnecting until its context is cancelled.
type MinioNotifier struct {
	client  *minio.Client
	target  Notifier
	backoff time.Duration
	logger  zerolog.Logger
}

// NewMinioNotifier creates a listener that forwards to target.
func NewMinioNotifier(client *minio.Client, target Notifier, logger zerolog.Logger) *MinioNotifier {
	return &MinioNotifier{
		client:  client,
		target:  target,
		backoff: 5 * time.Second,
		logger:  logger.With().Str("component", "minio-notify").Logger(),
	}
}

// Listen streams notifications for bucket until ctx is done. Records are
// stamped with region when it is set, since a single MinIO server reports
// its own region for every bucket.
func (n *MinioNotifier) Listen(ctx context.Context, bucket, region string) {
	for {
		n.logger.Debug().Str("bucket", bucket).Msg("listening for bucket notifications")
		for info := range n.client.ListenBucketNotification(ctx, bucket, "", "", minioEvents) {
			if info.Err != nil {
				n.logger.Warn().Err(info.Err).Str("bucket", bucket).Msg("notification stream error")
				break
			}
			if len(info.Records) == 0 {
				continue
			}
			converted := ConvertMinioNotification(info)
			if region != "" {
				for i := range converted.Records {
					converted.Records[i].AwsRegion = region
				}
			}
			n.target.Notify(ctx, converted)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(n.backoff):
		}
	}
}

// ConvertMinioNotification converts a MinIO notification into the S3 shape
// used throughout the module. MinIO prefixes event names with "s3:".
func ConvertMinioNotification(info notification.Info) Notification {
	out := Notification{Records: make([]EventRecord, 0, len(info.Records))}
	for _, ev := range info.Records {
		out.Records = append(out.Records, EventRecord{
			EventVersion: ev.EventVersion,
			EventSource:  ev.EventSource,
			AwsRegion:    ev.AwsRegion,
			EventTime:    ev.EventTime,
			EventName:    strings.TrimPrefix(ev.EventName, "s3:"),
			UserIdentity: UserIdentity{PrincipalID: ev.UserIdentity.PrincipalID},
			RequestParameters: RequestParameters{
				SourceIPAddress: ev.RequestParameters["sourceIPAddress"],
			},
			S3: S3Entity{
				Bucket: S3Bucket{Name: ev.S3.Bucket.Name},
				Object: S3Object{Key: ev.S3.Object.Key, Size: ev.S3.Object.Size, ETag: ev.S3.Object.ETag},
			},
		})
	}
	return out
}
