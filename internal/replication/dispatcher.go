package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/regionsync/internal/journal"
	"github.com/tunnelmesh/regionsync/internal/metrics"
	"github.com/tunnelmesh/regionsync/internal/objstore"
	"github.com/tunnelmesh/regionsync/internal/queue"
)

// Message kinds, used as metric labels.
const (
	KindNotification = "notification"
	KindPartCopy     = "part_copy"
	KindUnknown      = "unknown"
)

// NotificationHandler journals an object store notification batch.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, n objstore.Notification) error
}

// TaskHandler processes one task message.
type TaskHandler interface {
	Handle(ctx context.Context, msg queue.Message) error
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Region        string
	Notifications NotificationHandler
	PartCopies    TaskHandler
	Concurrency   int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

// Dispatcher routes region queue messages: task messages by their EventName
// attribute, everything else to the journal writer.
type Dispatcher struct {
	cfg    DispatcherConfig
	logger zerolog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "dispatcher").Str("region", cfg.Region).Logger(),
	}
}

// HandleBatch implements queue.BatchHandler. Messages that succeeded or can
// never succeed are returned for deletion.
func (d *Dispatcher) HandleBatch(ctx context.Context, msgs []queue.Message) []queue.Message {
	ack := make([]bool, len(msgs))
	runBatch(ctx, d.cfg.Concurrency, msgs, func(ctx context.Context, i int, msg queue.Message) {
		kind, err := d.dispatch(ctx, msg)
		d.cfg.Metrics.RecordQueueMessage(d.cfg.Region, kind, err)
		switch {
		case err == nil:
			ack[i] = true
		case errors.Is(err, ErrMalformedMessage), errors.Is(err, journal.ErrUnknownBucket):
			d.logger.Error().Err(err).Str("message_id", msg.ID).Str("kind", kind).Msg("Dropping malformed message")
			ack[i] = true
		default:
			d.logger.Warn().
				Err(err).
				Str("message_id", msg.ID).
				Str("kind", kind).
				Int("receive_count", msg.ReceiveCount).
				Msg("Message failed, leaving for redelivery")
		}
	})

	done := make([]queue.Message, 0, len(msgs))
	for i, m := range msgs {
		if ack[i] {
			done = append(done, m)
		}
	}
	return done
}

func (d *Dispatcher) dispatch(ctx context.Context, msg queue.Message) (string, error) {
	if name, ok := msg.Attr(queue.AttrEventName); ok {
		switch name {
		case EventUploadPartCopy:
			return KindPartCopy, d.cfg.PartCopies.Handle(ctx, msg)
		default:
			return KindUnknown, fmt.Errorf("unknown task type %q: %w", name, ErrMalformedMessage)
		}
	}

	var n objstore.Notification
	if err := json.Unmarshal(msg.Body, &n); err != nil {
		return KindNotification, fmt.Errorf("decode notification: %v: %w", err, ErrMalformedMessage)
	}
	return KindNotification, d.cfg.Notifications.HandleNotification(ctx, n)
}
