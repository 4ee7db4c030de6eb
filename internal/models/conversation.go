package models

import "time"

// Cursor marks a position in a conversation. Messages are ordered by
// (CreatedAt, ID) ascending, so a cursor taken from the last seen message
// resumes a sync without gaps or duplicates.
type Cursor struct {
	At time.Time `json:"at"`
	ID int64     `json:"id"`
}

// CursorOf returns the cursor positioned at msg.
func CursorOf(msg Message) Cursor {
	return Cursor{At: msg.CreatedAt, ID: msg.ID}
}

// Precedes reports whether msg sorts strictly after the cursor.
func (c Cursor) Precedes(msg Message) bool {
	if msg.CreatedAt.Equal(c.At) {
		return msg.ID > c.ID
	}
	return msg.CreatedAt.After(c.At)
}

// Less orders two messages by (CreatedAt, ID).
func Less(a, b Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// ConversationKey returns a stable key for the unordered pair {a, b}.
func ConversationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}
