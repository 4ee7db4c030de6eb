package models

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrEmptyContent     = errors.New("message content is empty")
	ErrSelfMessage      = errors.New("sender and receiver must differ")
	ErrMissingRecipient = errors.New("recipient id is required")
	ErrMissingSender    = errors.New("sender id is required")
)

// IsValidation reports whether err was caused by a rejected message payload.
func IsValidation(err error) bool {
	return errors.Is(err, ErrEmptyContent) ||
		errors.Is(err, ErrSelfMessage) ||
		errors.Is(err, ErrMissingRecipient) ||
		errors.Is(err, ErrMissingSender)
}

// Status is the delivery state of a direct message.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank orders statuses so transitions can be checked for monotonicity.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.Rank() >= 0
}

// Message represents a direct message between two users.
type Message struct {
	ID         int64      `db:"id" json:"id" bson:"_id"`
	SenderID   string     `db:"sender_id" json:"sender_id" bson:"sender_id"`
	ReceiverID string     `db:"receiver_id" json:"receiver_id" bson:"receiver_id"`
	Content    string     `db:"content" json:"content" bson:"content"`
	Status     Status     `db:"status" json:"status" bson:"status"`
	IsRead     bool       `db:"is_read" json:"is_read" bson:"is_read"`
	ReadAt     *time.Time `db:"read_at" json:"read_at,omitempty" bson:"read_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"timestamp" bson:"created_at"`
}

// ValidateNew checks the invariants every stored message must satisfy.
func ValidateNew(senderID, receiverID, content string) error {
	if senderID == "" {
		return ErrMissingSender
	}
	if receiverID == "" {
		return ErrMissingRecipient
	}
	if senderID == receiverID {
		return ErrSelfMessage
	}
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	return nil
}

// Counterpart returns the other participant of msg from userID's point of view.
func (m Message) Counterpart(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Involves reports whether userID is the sender or receiver.
func (m Message) Involves(userID string) bool {
	return m.SenderID == userID || m.ReceiverID == userID
}

// Normalize puts timestamps in UTC so values read back from different drivers compare equal.
func (m *Message) Normalize() {
	m.CreatedAt = m.CreatedAt.UTC()
	if m.ReadAt != nil {
		t := m.ReadAt.UTC()
		m.ReadAt = &t
	}
}
