package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-core/internal/models"
	"chat-core/internal/telemetry"
)

// PresenceReader answers presence queries.
type PresenceReader interface {
	Resolve(ctx context.Context, userID string) models.Presence
	Online() []models.Presence
	ClusterOnline(ctx context.Context) ([]string, error)
}

type PresenceHandler struct {
	presence PresenceReader
	audit    *telemetry.AuditEmitter
	logger   *zap.Logger
}

func NewPresenceHandler(presence PresenceReader, audit *telemetry.AuditEmitter, logger *zap.Logger) *PresenceHandler {
	return &PresenceHandler{presence: presence, audit: audit, logger: logger}
}

// GetPresence reports whether a user is online and when they were last seen.
func (h *PresenceHandler) GetPresence(c *gin.Context) {
	c.JSON(http.StatusOK, h.presence.Resolve(c.Request.Context(), c.Param("user_id")))
}

// ListOnline lists online users. Admin only.
func (h *PresenceHandler) ListOnline(c *gin.Context) {
	h.audit.Emit(c.Request.Context(), "INFO", "admin listed online users", requestIDFromContext(c), userIDFromContext(c))

	cluster, err := h.presence.ClusterOnline(c.Request.Context())
	if err != nil {
		h.logger.Warn("cluster presence unavailable", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{
		"users":   h.presence.Online(),
		"cluster": cluster,
	})
}
