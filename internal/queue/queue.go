// Package queue implements the at-least-once region message queue that
// carries object store notifications and part-copy tasks.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrReceiptNotFound is returned by Delete when the receipt does not belong
// to an in-flight message, usually because its visibility timeout expired
// and the message was received again.
var ErrReceiptNotFound = errors.New("receipt handle not found")

// DefaultVisibilityTimeout hides a received message from other consumers.
const DefaultVisibilityTimeout = 5 * time.Minute

// AttrEventName is the attribute that marks task messages. Notification
// batches are sent without it.
const AttrEventName = "EventName"

// Message is one received queue message.
type Message struct {
	ID           string
	Body         []byte
	Attributes   map[string]string
	Receipt      string
	ReceiveCount int
	SentAt       time.Time
}

// Attr returns an attribute value.
func (m Message) Attr(name string) (string, bool) {
	v, ok := m.Attributes[name]
	return v, ok
}

// Queue is an at-least-once message queue. A received message stays hidden
// for the visibility timeout and is redelivered unless deleted by receipt.
type Queue interface {
	Send(ctx context.Context, body []byte, attrs map[string]string) error
	Receive(ctx context.Context, max int, visibility time.Duration) ([]Message, error)
	Delete(ctx context.Context, receipt string) error
}

func cloneAttrs(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
