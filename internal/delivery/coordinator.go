package delivery

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"chat-core/internal/events"
	"chat-core/internal/models"
	"chat-core/internal/observability"
	"chat-core/internal/presence"
	"chat-core/internal/repositories"
)

// ErrNotRecipient is returned when a user tries to mark someone else's
// incoming message as read.
var ErrNotRecipient = errors.New("only the recipient can mark a message read")

// ClosePushFailed is the close reason for a channel whose push failed.
const ClosePushFailed = "push failed"

// Router finds the live channel of a user.
type Router interface {
	WithChannel(userID string, fn func(presence.Channel) error) (bool, error)
}

// Coordinator stores messages and pushes them to online recipients.
type Coordinator struct {
	store        repositories.MessageRepository
	router       Router
	events       events.Publisher
	logger       *zap.Logger
	tracer       trace.Tracer
	pushTimeout  time.Duration
	eventTimeout time.Duration
	now          func() time.Time
}

type Option func(*Coordinator)

// WithPushTimeout bounds a single live push.
func WithPushTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.pushTimeout = d }
}

func WithEvents(p events.Publisher) Option {
	return func(c *Coordinator) { c.events = p }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(store repositories.MessageRepository, router Router, logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        store,
		router:       router,
		events:       events.Noop{},
		logger:       logger,
		tracer:       otel.Tracer("chat-core/delivery"),
		pushTimeout:  5 * time.Second,
		eventTimeout: 2 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send stores the message, then pushes it to the recipient if they are
// online. Once Append succeeds the message is never lost: a failed push
// leaves it in sent state for the next history fetch and is not reported to
// the sender.
func (c *Coordinator) Send(ctx context.Context, senderID, recipientID, content string) (models.Message, error) {
	ctx, span := c.tracer.Start(ctx, "delivery.send", trace.WithAttributes(
		attribute.String("sender_id", senderID),
		attribute.String("recipient_id", recipientID),
	))
	defer span.End()

	msg, err := c.store.Append(ctx, senderID, recipientID, content)
	if err != nil {
		c.recordStoreError(span, "append", err)
		return models.Message{}, err
	}
	span.SetAttributes(attribute.Int64("message_id", msg.ID))
	observability.IncMessageStatus(string(models.StatusSent))

	// The message is durable from here on; finish delivery even if the
	// sender's connection goes away.
	ctx = context.WithoutCancel(ctx)
	published := []events.MessageEvent{events.NewMessageEvent(events.TypeMessageSent, msg, msg.CreatedAt)}
	if c.deliver(ctx, msg) {
		msg.Status = models.StatusDelivered
		published = append(published, events.NewMessageEvent(events.TypeMessageDelivered, msg, c.now()))
	}
	span.SetAttributes(attribute.String("status", string(msg.Status)))
	c.publish(ctx, published...)
	return msg, nil
}

// deliver pushes msg to the recipient's live channel and reports whether the
// message is now marked delivered.
func (c *Coordinator) deliver(ctx context.Context, msg models.Message) bool {
	env := models.NewOutboundEnvelope(msg)
	online, err := c.router.WithChannel(msg.ReceiverID, func(ch presence.Channel) error {
		pushCtx, cancel := context.WithTimeout(ctx, c.pushTimeout)
		defer cancel()
		if err := ch.Push(pushCtx, env); err != nil {
			if cerr := ch.Close(ClosePushFailed); cerr != nil {
				c.logger.Debug("close channel after push failure", zap.String("conn_id", ch.ID()), zap.Error(cerr))
			}
			return err
		}
		return nil
	})
	if !online {
		return false
	}
	if err != nil {
		observability.IncPushFailure()
		c.logger.Warn("live push failed, message stays sent",
			zap.Int64("message_id", msg.ID),
			zap.String("recipient_id", msg.ReceiverID),
			zap.Error(err))
		return false
	}

	if err := c.store.MarkDelivered(ctx, msg.ID); err != nil {
		observability.IncStoreError("mark_delivered")
		c.logger.Error("mark delivered failed", zap.Int64("message_id", msg.ID), zap.Error(err))
		return false
	}
	observability.IncMessageStatus(string(models.StatusDelivered))
	return true
}

// FetchHistory returns userID's messages across all conversations, ordered
// by (timestamp, id), starting after since. A positive limit returns one page;
// otherwise every remaining message is returned.
func (c *Coordinator) FetchHistory(ctx context.Context, userID string, since *models.Cursor, limit int) ([]models.Message, error) {
	ctx, span := c.tracer.Start(ctx, "delivery.fetch_history", trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	var msgs []models.Message
	var err error
	if limit > 0 {
		msgs, err = c.store.ListForUser(ctx, userID, since, limit)
	} else {
		msgs, err = drain(ctx, repositories.NewUserIterator(c.store, userID, since, 0))
	}
	if err != nil {
		c.recordStoreError(span, "list_for_user", err)
		return nil, err
	}
	return msgs, nil
}

// Conversation returns the messages exchanged by userA and userB, paged the
// same way as FetchHistory.
func (c *Coordinator) Conversation(ctx context.Context, userA, userB string, since *models.Cursor, limit int) ([]models.Message, error) {
	ctx, span := c.tracer.Start(ctx, "delivery.conversation")
	defer span.End()

	var msgs []models.Message
	var err error
	if limit > 0 {
		msgs, err = c.store.History(ctx, repositories.HistoryQuery{UserA: userA, UserB: userB, Since: since, Limit: limit})
	} else {
		msgs, err = drain(ctx, repositories.NewConversationIterator(c.store, userA, userB, since, 0))
	}
	if err != nil {
		c.recordStoreError(span, "history", err)
		return nil, err
	}
	return msgs, nil
}

// MarkRead marks one incoming message of readerID as read.
func (c *Coordinator) MarkRead(ctx context.Context, readerID string, messageID int64) error {
	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		if !errors.Is(err, repositories.ErrMessageNotFound) {
			observability.IncStoreError("get_message")
		}
		return err
	}
	if msg.ReceiverID != readerID {
		return ErrNotRecipient
	}
	if msg.Status == models.StatusRead {
		return nil
	}

	at := c.now()
	if err := c.store.MarkRead(ctx, messageID, at); err != nil {
		if !errors.Is(err, repositories.ErrMessageNotFound) {
			observability.IncStoreError("mark_read")
		}
		return err
	}
	observability.IncMessageStatus(string(models.StatusRead))

	msg.Status = models.StatusRead
	msg.IsRead = true
	readAt := at.UTC()
	msg.ReadAt = &readAt
	c.publish(ctx, events.NewMessageEvent(events.TypeMessageRead, msg, at))
	return nil
}

// MarkConversationRead marks every message peerID sent to readerID as read
// and returns how many changed.
func (c *Coordinator) MarkConversationRead(ctx context.Context, readerID, peerID string) (int64, error) {
	if peerID == "" {
		return 0, models.ErrMissingSender
	}
	n, err := c.store.MarkConversationRead(ctx, peerID, readerID, c.now())
	if err != nil {
		observability.IncStoreError("mark_conversation_read")
		return 0, err
	}
	observability.AddMessageStatus(string(models.StatusRead), n)
	return n, nil
}

func drain(ctx context.Context, it *repositories.HistoryIterator) ([]models.Message, error) {
	var out []models.Message
	for it.Next(ctx) {
		out = append(out, it.Message())
	}
	return out, it.Err()
}

func (c *Coordinator) publish(ctx context.Context, evts ...events.MessageEvent) {
	ctx, cancel := context.WithTimeout(ctx, c.eventTimeout)
	defer cancel()
	if err := c.events.Publish(ctx, evts...); err != nil {
		c.logger.Debug("message events dropped", zap.Int("events", len(evts)), zap.Error(err))
	}
}

func (c *Coordinator) recordStoreError(span trace.Span, op string, err error) {
	span.RecordError(err)
	if errors.Is(err, repositories.ErrStoreUnavailable) {
		span.SetStatus(codes.Error, op)
		observability.IncStoreError(op)
		c.logger.Error("message store unavailable", zap.String("op", op), zap.Error(err))
	}
}
