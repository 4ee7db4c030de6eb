package models

import "time"

// InboundEnvelope is sent by a client over its live channel.
type InboundEnvelope struct {
	RecipientID string `json:"recipient_id"`
	Message     string `json:"message"`
}

// OutboundEnvelope is pushed to a recipient's live channel.
type OutboundEnvelope struct {
	From      string `json:"from"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// NewOutboundEnvelope builds the push payload for a stored message.
func NewOutboundEnvelope(msg Message) OutboundEnvelope {
	return OutboundEnvelope{
		From:      msg.SenderID,
		Message:   msg.Content,
		Timestamp: msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// ErrorEnvelope reports a rejected inbound envelope back to its sender.
type ErrorEnvelope struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

const (
	ErrorCodeInvalidJSON      = "invalid_json"
	ErrorCodeValidation       = "validation"
	ErrorCodeRateLimited      = "rate_limited"
	ErrorCodeStoreUnavailable = "store_unavailable"
	ErrorCodeInternal         = "internal"
	ErrorCodeUnauthorized     = "unauthorized"
	ErrorCodeForbidden        = "forbidden"
	ErrorCodeNotFound         = "not_found"
)
