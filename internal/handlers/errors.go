package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-core/internal/delivery"
	"chat-core/internal/models"
	"chat-core/internal/repositories"
)

func abortWithError(c *gin.Context, status int, msg, code string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": code})
}

// writeError maps a domain error to its HTTP status.
func writeError(c *gin.Context, err error) {
	switch {
	case models.IsValidation(err):
		abortWithError(c, http.StatusBadRequest, err.Error(), models.ErrorCodeValidation)
	case errors.Is(err, repositories.ErrMessageNotFound):
		abortWithError(c, http.StatusNotFound, "message not found", models.ErrorCodeNotFound)
	case errors.Is(err, delivery.ErrNotRecipient):
		abortWithError(c, http.StatusForbidden, err.Error(), models.ErrorCodeForbidden)
	case errors.Is(err, repositories.ErrStoreUnavailable):
		abortWithError(c, http.StatusServiceUnavailable, "message store unavailable", models.ErrorCodeStoreUnavailable)
	default:
		abortWithError(c, http.StatusInternalServerError, "internal error", models.ErrorCodeInternal)
	}
}
