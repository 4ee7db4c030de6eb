package models

import "time"

// Presence describes whether a user currently holds a live channel.
type Presence struct {
	UserID   string     `json:"user_id"`
	Online   bool       `json:"is_online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
	NodeID   string     `json:"node_id,omitempty"`
	ConnID   string     `json:"conn_id,omitempty"`
}
