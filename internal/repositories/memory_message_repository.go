package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"chat-core/internal/models"
)

// MemoryMessageRepo keeps messages in process memory. It is not durable and
// is meant for tests and local demos only.
type MemoryMessageRepo struct {
	mu     sync.RWMutex
	msgs   []models.Message
	byID   map[int64]int
	nextID int64
	now    func() time.Time
	stamps stampClock
}

// NewMemoryMessageRepo constructs an empty in-memory store.
func NewMemoryMessageRepo() *MemoryMessageRepo {
	return &MemoryMessageRepo{byID: make(map[int64]int), now: time.Now}
}

// SetClock replaces the time source used for new messages.
func (r *MemoryMessageRepo) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MemoryMessageRepo) Append(ctx context.Context, senderID, receiverID, content string) (models.Message, error) {
	if err := models.ValidateNew(senderID, receiverID, content); err != nil {
		return models.Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.Message{}, storeErr("append message", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	msg := models.Message{
		ID:         r.nextID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Status:     models.StatusSent,
		CreatedAt:  r.stamps.stamp(r.now(), time.Microsecond),
	}
	r.byID[msg.ID] = len(r.msgs)
	r.msgs = append(r.msgs, msg)
	return msg, nil
}

func (r *MemoryMessageRepo) History(ctx context.Context, q HistoryQuery) ([]models.Message, error) {
	return r.filter(q.Since, q.Limit, func(m models.Message) bool {
		return (m.SenderID == q.UserA && m.ReceiverID == q.UserB) ||
			(m.SenderID == q.UserB && m.ReceiverID == q.UserA)
	}), nil
}

func (r *MemoryMessageRepo) ListForUser(ctx context.Context, userID string, since *models.Cursor, limit int) ([]models.Message, error) {
	return r.filter(since, limit, func(m models.Message) bool {
		return m.Involves(userID)
	}), nil
}

func (r *MemoryMessageRepo) filter(since *models.Cursor, limit int, match func(models.Message) bool) []models.Message {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	r.mu.RLock()
	out := []models.Message{}
	for _, m := range r.msgs {
		if !match(m) {
			continue
		}
		if since != nil && !since.Precedes(m) {
			continue
		}
		out = append(out, copyMessage(m))
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return models.Less(out[i], out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *MemoryMessageRepo) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byID[messageID]
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	return copyMessage(r.msgs[idx]), nil
}

func (r *MemoryMessageRepo) MarkDelivered(ctx context.Context, messageID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.byID[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	if r.msgs[idx].Status == models.StatusSent {
		r.msgs[idx].Status = models.StatusDelivered
	}
	return nil
}

func (r *MemoryMessageRepo) MarkRead(ctx context.Context, messageID int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.byID[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	markRead(&r.msgs[idx], at)
	return nil
}

func (r *MemoryMessageRepo) MarkConversationRead(ctx context.Context, senderID, receiverID string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for i := range r.msgs {
		m := &r.msgs[i]
		if m.SenderID == senderID && m.ReceiverID == receiverID && m.Status != models.StatusRead {
			markRead(m, at)
			count++
		}
	}
	return count, nil
}

func (r *MemoryMessageRepo) Ping(ctx context.Context) error {
	return nil
}

func markRead(m *models.Message, at time.Time) {
	if m.Status == models.StatusRead {
		return
	}
	readAt := at.UTC().Truncate(time.Microsecond)
	m.Status = models.StatusRead
	m.IsRead = true
	m.ReadAt = &readAt
}

func copyMessage(m models.Message) models.Message {
	if m.ReadAt != nil {
		t := *m.ReadAt
		m.ReadAt = &t
	}
	return m
}
