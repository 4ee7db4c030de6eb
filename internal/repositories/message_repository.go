package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"chat-core/internal/models"
)

var (
	ErrMessageNotFound  = errors.New("message not found")
	ErrStoreUnavailable = errors.New("message store unavailable")
)

// DefaultPageSize bounds history queries that do not set a limit.
const DefaultPageSize = 500

// HistoryQuery selects the messages exchanged between two users.
type HistoryQuery struct {
	UserA string
	UserB string
	Since *models.Cursor
	Limit int
}

// MessageRepository is the durable, ordered record of direct messages.
type MessageRepository interface {
	Append(ctx context.Context, senderID, receiverID, content string) (models.Message, error)
	History(ctx context.Context, q HistoryQuery) ([]models.Message, error)
	ListForUser(ctx context.Context, userID string, since *models.Cursor, limit int) ([]models.Message, error)
	GetMessage(ctx context.Context, messageID int64) (models.Message, error)
	MarkDelivered(ctx context.Context, messageID int64) error
	MarkRead(ctx context.Context, messageID int64, at time.Time) error
	MarkConversationRead(ctx context.Context, senderID, receiverID string, at time.Time) (int64, error)
	Ping(ctx context.Context) error
}

const messageColumns = `id, sender_id, receiver_id, content, status, is_read, read_at, created_at`

// MessageRepo is a sqlx-backed repository. Queries are written with ? bind
// vars and rebound for the connected driver (postgres or sqlite3).
type MessageRepo struct {
	db     *sqlx.DB
	now    func() time.Time
	stamps stampClock
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db, now: time.Now}
}

// Append validates and stores a message. The insert is committed before
// Append returns.
func (r *MessageRepo) Append(ctx context.Context, senderID, receiverID, content string) (models.Message, error) {
	if err := models.ValidateNew(senderID, receiverID, content); err != nil {
		return models.Message{}, err
	}

	msg := models.Message{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Status:     models.StatusSent,
		CreatedAt:  r.stamps.stamp(r.now(), time.Microsecond),
	}
	query := r.db.Rebind(`INSERT INTO messages (sender_id, receiver_id, content, status, is_read, created_at)
        VALUES (?, ?, ?, ?, ?, ?) RETURNING id`)
	if err := r.db.QueryRowxContext(ctx, query, msg.SenderID, msg.ReceiverID, msg.Content, msg.Status, false, msg.CreatedAt).Scan(&msg.ID); err != nil {
		return models.Message{}, storeErr("append message", err)
	}
	return msg, nil
}

// History returns the conversation between two users ordered by (created_at, id).
func (r *MessageRepo) History(ctx context.Context, q HistoryQuery) ([]models.Message, error) {
	where := []string{`((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))`}
	args := []interface{}{q.UserA, q.UserB, q.UserB, q.UserA}
	return r.selectOrdered(ctx, "load history", where, args, q.Since, q.Limit)
}

// ListForUser returns every message the user sent or received, across all
// conversations, ordered by (created_at, id).
func (r *MessageRepo) ListForUser(ctx context.Context, userID string, since *models.Cursor, limit int) ([]models.Message, error) {
	where := []string{`(sender_id = ? OR receiver_id = ?)`}
	args := []interface{}{userID, userID}
	return r.selectOrdered(ctx, "list messages", where, args, since, limit)
}

func (r *MessageRepo) selectOrdered(ctx context.Context, op string, where []string, args []interface{}, since *models.Cursor, limit int) ([]models.Message, error) {
	if since != nil {
		at := since.At.UTC()
		where = append(where, `(created_at > ? OR (created_at = ? AND id > ?))`)
		args = append(args, at, at, since.ID)
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	args = append(args, limit)

	query := `SELECT ` + messageColumns + ` FROM messages WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at ASC, id ASC LIMIT ?`

	msgs := []models.Message{}
	if err := r.db.SelectContext(ctx, &msgs, r.db.Rebind(query), args...); err != nil {
		return nil, storeErr(op, err)
	}
	for i := range msgs {
		msgs[i].Normalize()
	}
	return msgs, nil
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, r.db.Rebind(`SELECT `+messageColumns+` FROM messages WHERE id = ?`), messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, storeErr("get message", err)
	}
	msg.Normalize()
	return msg, nil
}

// MarkDelivered moves a sent message to delivered. Messages already
// delivered or read are left untouched.
func (r *MessageRepo) MarkDelivered(ctx context.Context, messageID int64) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE messages SET status = ? WHERE id = ? AND status = ?`),
		models.StatusDelivered, messageID, models.StatusSent)
	if err != nil {
		return storeErr("mark delivered", err)
	}
	return r.checkTransition(ctx, res, messageID)
}

// MarkRead moves a message to read and records when. Repeated calls keep the
// first read_at.
func (r *MessageRepo) MarkRead(ctx context.Context, messageID int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE messages SET status = ?, is_read = ?, read_at = ? WHERE id = ? AND status <> ?`),
		models.StatusRead, true, at.UTC().Truncate(time.Microsecond), messageID, models.StatusRead)
	if err != nil {
		return storeErr("mark read", err)
	}
	return r.checkTransition(ctx, res, messageID)
}

// MarkConversationRead marks every unread message from senderID to receiverID as read.
func (r *MessageRepo) MarkConversationRead(ctx context.Context, senderID, receiverID string, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE messages SET status = ?, is_read = ?, read_at = ?
        WHERE sender_id = ? AND receiver_id = ? AND status <> ?`),
		models.StatusRead, true, at.UTC().Truncate(time.Microsecond), senderID, receiverID, models.StatusRead)
	if err != nil {
		return 0, storeErr("mark conversation read", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("mark conversation read", err)
	}
	return count, nil
}

// Ping verifies the database is reachable.
func (r *MessageRepo) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// checkTransition distinguishes an idempotent no-op from an unknown id when
// a conditional status update touched no rows.
func (r *MessageRepo) checkTransition(ctx context.Context, res sql.Result, messageID int64) error {
	count, err := res.RowsAffected()
	if err != nil {
		return storeErr("status update", err)
	}
	if count > 0 {
		return nil
	}
	var exists bool
	if err := r.db.GetContext(ctx, &exists, r.db.Rebind(`SELECT EXISTS(SELECT 1 FROM messages WHERE id = ?)`), messageID); err != nil {
		return storeErr("status update", err)
	}
	if !exists {
		return ErrMessageNotFound
	}
	return nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

var (
	_ MessageRepository = (*MessageRepo)(nil)
	_ MessageRepository = (*MemoryMessageRepo)(nil)
	_ MessageRepository = (*MongoMessageRepo)(nil)
)
