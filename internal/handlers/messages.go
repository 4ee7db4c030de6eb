package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"chat-core/internal/middleware"
	"chat-core/internal/models"
	"chat-core/internal/repositories"
	"chat-core/internal/telemetry"
)

const (
	headerNextSince   = "X-Next-Since"
	headerNextSinceID = "X-Next-Since-Id"
)

// MessageService is the delivery path the REST surface funnels through.
type MessageService interface {
	Send(ctx context.Context, senderID, recipientID, content string) (models.Message, error)
	FetchHistory(ctx context.Context, userID string, since *models.Cursor, limit int) ([]models.Message, error)
	Conversation(ctx context.Context, userA, userB string, since *models.Cursor, limit int) ([]models.Message, error)
	MarkRead(ctx context.Context, readerID string, messageID int64) error
	MarkConversationRead(ctx context.Context, readerID, peerID string) (int64, error)
}

// MessageHandler serves message history and the REST send fallback.
type MessageHandler struct {
	service MessageService
	audit   *telemetry.AuditEmitter
}

// NewMessageHandler builds a MessageHandler.
func NewMessageHandler(service MessageService, audit *telemetry.AuditEmitter) *MessageHandler {
	return &MessageHandler{service: service, audit: audit}
}

// GetMessages returns the user's messages ordered by (timestamp, id). With
// peer set only that conversation is returned. since/since_id resume after a
// previously seen message. Without limit the whole remaining history is
// returned; with limit a full page carries X-Next-Since and X-Next-Since-Id.
func (h *MessageHandler) GetMessages(c *gin.Context) {
	userID := c.Param("user_id")
	caller := middleware.IdentityFrom(c)
	if caller.UserID != userID && !caller.IsAdmin() {
		abortWithError(c, http.StatusForbidden, "cannot read another user's messages", models.ErrorCodeForbidden)
		return
	}

	since, err := parseCursor(c.Query("since"), c.Query("since_id"))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, err.Error(), models.ErrorCodeValidation)
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > repositories.DefaultPageSize {
			abortWithError(c, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", repositories.DefaultPageSize), models.ErrorCodeValidation)
			return
		}
	}

	if caller.UserID != userID {
		h.audit.Emit(c.Request.Context(), "INFO", fmt.Sprintf("admin read message history of %s", userID), requestIDFromContext(c), userIDFromContext(c))
	}

	var msgs []models.Message
	if peer := c.Query("peer"); peer != "" {
		msgs, err = h.service.Conversation(c.Request.Context(), userID, peer, since, limit)
	} else {
		msgs, err = h.service.FetchHistory(c.Request.Context(), userID, since, limit)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	if limit > 0 && len(msgs) == limit {
		next := models.CursorOf(msgs[len(msgs)-1])
		c.Header(headerNextSince, next.At.UTC().Format(time.RFC3339Nano))
		c.Header(headerNextSinceID, strconv.FormatInt(next.ID, 10))
	}
	c.JSON(http.StatusOK, msgs)
}

// PostMessage sends a message as the caller, exactly as the live channel does.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	var req models.InboundEnvelope
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid json", models.ErrorCodeInvalidJSON)
		return
	}

	msg, err := h.service.Send(c.Request.Context(), c.GetString(middleware.UserIDKey), req.RecipientID, req.Message)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// MarkRead marks one incoming message as read.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	messageID, err := strconv.ParseInt(c.Param("message_id"), 10, 64)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid message id", models.ErrorCodeValidation)
		return
	}

	if err := h.service.MarkRead(c.Request.Context(), c.GetString(middleware.UserIDKey), messageID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// MarkConversationRead marks everything peer_id sent to the caller as read.
func (h *MessageHandler) MarkConversationRead(c *gin.Context) {
	var req struct {
		PeerID string `json:"peer_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "peer_id is required", models.ErrorCodeValidation)
		return
	}

	updated, err := h.service.MarkConversationRead(c.Request.Context(), c.GetString(middleware.UserIDKey), req.PeerID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

func parseCursor(rawAt, rawID string) (*models.Cursor, error) {
	if rawAt == "" {
		if rawID != "" {
			return nil, fmt.Errorf("since_id requires since")
		}
		return nil, nil
	}
	at, err := time.Parse(time.RFC3339Nano, rawAt)
	if err != nil {
		return nil, fmt.Errorf("since must be an RFC 3339 timestamp")
	}
	cursor := models.Cursor{At: at.UTC()}
	if rawID != "" {
		cursor.ID, err = strconv.ParseInt(rawID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("since_id must be an integer")
		}
	}
	return &cursor, nil
}
