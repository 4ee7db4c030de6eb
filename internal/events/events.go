package events

import (
	"context"
	"time"

	"chat-core/internal/models"
)

// Event types published for message lifecycle transitions.
const (
	TypeMessageSent      = "message.sent"
	TypeMessageDelivered = "message.delivered"
	TypeMessageRead      = "message.read"
)

// MessageEvent is the payload written to the message events topic.
type MessageEvent struct {
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Message    models.Message `json:"message"`
}

// NewMessageEvent stamps msg with eventType at the given time.
func NewMessageEvent(eventType string, msg models.Message, at time.Time) MessageEvent {
	return MessageEvent{Type: eventType, OccurredAt: at.UTC(), Message: msg}
}

// Publisher emits message lifecycle events for downstream consumers
// (notifications, analytics). Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, events ...MessageEvent) error
	Close() error
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, ...MessageEvent) error { return nil }

func (Noop) Close() error { return nil }
