package repositories

import (
	"context"

	"chat-core/internal/models"
)

// PageFunc loads the page of messages that follow since.
type PageFunc func(ctx context.Context, since *models.Cursor, limit int) ([]models.Message, error)

// HistoryIterator walks an ordered message sequence one page at a time.
// Cursor can be saved and handed to a new iterator to resume after a
// reconnect.
//
//	it := repositories.NewConversationIterator(repo, "a", "b", nil, 100)
//	for it.Next(ctx) {
//		msg := it.Message()
//	}
//	if err := it.Err(); err != nil { ... }
type HistoryIterator struct {
	fetch    PageFunc
	pageSize int
	cursor   *models.Cursor
	buf      []models.Message
	cur      models.Message
	err      error
	done     bool
}

// NewHistoryIterator builds an iterator over fetch starting after since.
func NewHistoryIterator(fetch PageFunc, since *models.Cursor, pageSize int) *HistoryIterator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	var start *models.Cursor
	if since != nil {
		c := *since
		start = &c
	}
	return &HistoryIterator{fetch: fetch, pageSize: pageSize, cursor: start}
}

// NewConversationIterator iterates the conversation between userA and userB.
func NewConversationIterator(repo MessageRepository, userA, userB string, since *models.Cursor, pageSize int) *HistoryIterator {
	return NewHistoryIterator(func(ctx context.Context, since *models.Cursor, limit int) ([]models.Message, error) {
		return repo.History(ctx, HistoryQuery{UserA: userA, UserB: userB, Since: since, Limit: limit})
	}, since, pageSize)
}

// NewUserIterator iterates every message userID sent or received.
func NewUserIterator(repo MessageRepository, userID string, since *models.Cursor, pageSize int) *HistoryIterator {
	return NewHistoryIterator(func(ctx context.Context, since *models.Cursor, limit int) ([]models.Message, error) {
		return repo.ListForUser(ctx, userID, since, limit)
	}, since, pageSize)
}

// Next advances to the next message, loading a page when the buffer is empty.
func (it *HistoryIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if len(it.buf) == 0 {
		if it.done {
			return false
		}
		page, err := it.fetch(ctx, it.cursor, it.pageSize)
		if err != nil {
			it.err = err
			return false
		}
		if len(page) < it.pageSize {
			it.done = true
		}
		if len(page) == 0 {
			return false
		}
		it.buf = page
	}

	it.cur = it.buf[0]
	it.buf = it.buf[1:]
	c := models.CursorOf(it.cur)
	it.cursor = &c
	return true
}

// Message returns the message Next advanced to.
func (it *HistoryIterator) Message() models.Message {
	return it.cur
}

// Cursor returns the position of the last message returned, or the starting
// cursor if Next has not yielded anything yet.
func (it *HistoryIterator) Cursor() *models.Cursor {
	if it.cursor == nil {
		return nil
	}
	c := *it.cursor
	return &c
}

// Err returns the first error encountered while loading pages.
func (it *HistoryIterator) Err() error {
	return it.err
}
