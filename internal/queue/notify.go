package queue

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/regionsync/internal/objstore"
)

// NotificationSink publishes object store notifications to a queue as
// attribute-less messages.
type NotificationSink struct {
	queue  Queue
	logger zerolog.Logger
}

// NewNotificationSink creates a sink that sends to q.
func NewNotificationSink(q Queue, logger zerolog.Logger) *NotificationSink {
	return &NotificationSink{
		queue:  q,
		logger: logger.With().Str("component", "notification-sink").Logger(),
	}
}

// Notify implements objstore.Notifier.
func (s *NotificationSink) Notify(ctx context.Context, n objstore.Notification) {
	body, err := json.Marshal(n)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode notification")
		return
	}
	if err := s.queue.Send(ctx, body, nil); err != nil {
		s.logger.Error().Err(err).Int("records", len(n.Records)).Msg("Failed to publish notification")
	}
}
