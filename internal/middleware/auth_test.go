package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-core/internal/auth"
)

type staticAuth map[string]auth.Identity

func (a staticAuth) Authenticate(_ context.Context, token string) (auth.Identity, error) {
	id, ok := a[token]
	if !ok {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return id, nil
}

func setupRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	authenticator := staticAuth{
		"user":  {UserID: "alice"},
		"admin": {UserID: "root", Role: auth.RoleAdmin},
	}
	r.GET("/me", AuthMiddleware(authenticator), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString(UserIDKey)})
	})
	r.GET("/admin", AuthMiddleware(authenticator), RequireAdmin(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func do(r http.Handler, path, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddleware(t *testing.T) {
	r := setupRouter()

	rec := do(r, "/me", "Bearer user")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":"alice"}`, rec.Body.String())

	rec = do(r, "/me", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing authorization")

	assert.Equal(t, http.StatusUnauthorized, do(r, "/me", "Token user").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "/me", "Bearer nope").Code)
}

func TestRequireAdmin(t *testing.T) {
	r := setupRouter()

	assert.Equal(t, http.StatusNoContent, do(r, "/admin", "Bearer admin").Code)
	assert.Equal(t, http.StatusForbidden, do(r, "/admin", "Bearer user").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "/admin", "").Code)
}
