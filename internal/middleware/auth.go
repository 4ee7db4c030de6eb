package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-core/internal/auth"
	"chat-core/internal/models"
)

const (
	UserIDKey   = "userID"
	IdentityKey = "identity"
)

// AuthMiddleware validates the bearer token and stores the caller's identity
// on the context.
func AuthMiddleware(authenticator auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.ParseBearer(c.GetHeader("Authorization"))
		if err != nil {
			msg := "invalid authorization header"
			if errors.Is(err, auth.ErrMissingToken) {
				msg = "missing authorization"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg, "code": models.ErrorCodeUnauthorized})
			return
		}

		identity, err := authenticator.Authenticate(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": models.ErrorCodeUnauthorized})
			return
		}

		c.Set(UserIDKey, identity.UserID)
		c.Set(IdentityKey, identity)
		c.Next()
	}
}

// RequireAdmin rejects callers without the admin role. It must run after
// AuthMiddleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IdentityFrom(c).IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin only", "code": models.ErrorCodeForbidden})
			return
		}
		c.Next()
	}
}

// IdentityFrom returns the identity AuthMiddleware stored, or the zero value.
func IdentityFrom(c *gin.Context) auth.Identity {
	if val, ok := c.Get(IdentityKey); ok {
		if id, ok := val.(auth.Identity); ok {
			return id
		}
	}
	return auth.Identity{UserID: c.GetString(UserIDKey)}
}
