package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"chat-core/internal/auth"
	"chat-core/internal/models"
	"chat-core/internal/observability"
	"chat-core/internal/presence"
)

// Presence is the part of the registry the multiplexer drives.
type Presence interface {
	Register(ctx context.Context, userID string, ch presence.Channel)
	Unregister(ctx context.Context, userID string, ch presence.Channel) bool
}

// ChatWebSocketHandler accepts the one live channel of each user.
type ChatWebSocketHandler struct {
	hub      *Hub
	presence Presence
	sender   Sender
	auth     auth.Authenticator
	cfg      Config
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewChatWebSocketHandler constructs a ChatWebSocketHandler.
func NewChatWebSocketHandler(hub *Hub, registry Presence, sender Sender, authenticator auth.Authenticator, cfg Config, logger *zap.Logger) *ChatWebSocketHandler {
	return &ChatWebSocketHandler{
		hub:      hub,
		presence: registry,
		sender:   sender,
		auth:     authenticator,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle authenticates, upgrades and then serves the connection until it
// closes. The credential must belong to the user id in the path.
func (h *ChatWebSocketHandler) Handle(c *gin.Context) {
	userID := c.Param("user_id")

	ctx, span := otel.Tracer("chat-core/ws").Start(c.Request.Context(), "ws.handshake")
	span.SetAttributes(attribute.String("user_id", userID))
	c.Request = c.Request.WithContext(ctx)

	info := ConnInfo{
		ConnID:    newConnID(),
		UserID:    userID,
		DeviceID:  observability.DeviceIDFromRequest(c.Request),
		IP:        observability.IPFromRequest(c.Request),
		RequestID: observability.RequestIDFromRequest(c.Request),
		TraceID:   span.SpanContext().TraceID().String(),
	}
	client := newClient(info, h.cfg, h.logger)

	token, err := auth.TokenFromRequest(c.Request)
	if err != nil {
		span.End()
		c.JSON(http.StatusUnauthorized, models.ErrorEnvelope{Error: "missing token", Code: models.ErrorCodeUnauthorized})
		return
	}
	identity, err := h.auth.Authenticate(ctx, token)
	if err != nil {
		span.End()
		c.JSON(http.StatusUnauthorized, models.ErrorEnvelope{Error: "invalid token", Code: models.ErrorCodeUnauthorized})
		return
	}
	if identity.UserID != userID {
		span.End()
		c.JSON(http.StatusForbidden, models.ErrorEnvelope{Error: "token does not match user", Code: models.ErrorCodeForbidden})
		return
	}
	client.advance(StateAuthenticated)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.RecordError(err)
		span.End()
		return
	}
	client.attach(conn)
	client.info.ConnectedAt = time.Now()

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	// Open before Register: a send may reach the channel as soon as it is registered.
	client.advance(StateOpen)
	if !h.hub.Add(client) {
		_ = client.Close(CloseShutdown)
		span.End()
		return
	}
	h.presence.Register(connCtx, userID, client)
	publishWSEvent(connCtx, client.info, eventConnect, "")
	h.logger.Info("websocket connected", zap.String("user_id", userID), zap.String("conn_id", info.ConnID))
	span.End()

	var readErr error
	defer func() {
		h.presence.Unregister(connCtx, userID, client)
		reason := client.reason()
		if reason == "" {
			_ = client.Close("")
			if readErr != nil {
				reason = readErr.Error()
			}
		}
		publishWSEvent(connCtx, client.info, eventDisconnect, reason)
		h.logger.Info("websocket disconnected", zap.String("user_id", userID), zap.String("conn_id", info.ConnID), zap.String("reason", reason))
		h.hub.Remove(client)
	}()

	go client.pingLoop()

	readErr = client.readLoop(connCtx, h.sender)
	if client.State() != StateClosed && !isExpectedClose(readErr) {
		h.hub.publishWSError(client, readErr)
	}
}

func isExpectedClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
