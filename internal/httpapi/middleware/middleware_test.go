package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/suPer8Hu/tenant-chat/internal/auth"
	"github.com/suPer8Hu/tenant-chat/internal/identity"
)

func engine(t *testing.T, mw ...gin.HandlerFunc) (*gin.Engine, *identity.Identity) {
	gin.SetMode(gin.TestMode)
	var seen identity.Identity
	r := gin.New()
	r.Use(mw...)
	r.GET("/x", func(c *gin.Context) {
		seen, _ = IdentityFrom(c)
		c.Status(http.StatusNoContent)
	})
	r.GET("/panic", func(c *gin.Context) { panic("kaboom") })
	return r, &seen
}

func get(r http.Handler, path, authz string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_Authenticated(t *testing.T) {
	r, seen := engine(t, Auth("s3cret", Anonymous{}))
	tok, err := auth.SignJWT("T1", "alice", "s3cret", time.Minute)
	require.NoError(t, err)

	w := get(r, "/x", "Bearer "+tok)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, identity.NewAuthenticated("T1", "alice"), *seen)
}

func TestAuth_RejectsBadTokens(t *testing.T) {
	r, _ := engine(t, Auth("s3cret", Anonymous{Enabled: true, TenantID: "DEMO", UserID: "guest"}))
	other, err := auth.SignJWT("T1", "alice", "other-secret", time.Minute)
	require.NoError(t, err)

	for _, h := range []string{"Bearer " + other, "Basic abc", "Bearer "} {
		w := get(r, "/x", h)
		assert.Equal(t, http.StatusUnauthorized, w.Code, h)
	}
}

func TestAuth_AnonymousMode(t *testing.T) {
	r, seen := engine(t, Auth("s3cret", Anonymous{Enabled: true, TenantID: "DEMO", UserID: "guest"}))
	w := get(r, "/x", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, seen.IsAnonymous())
	assert.Equal(t, "DEMO", seen.TenantID)

	r, _ = engine(t, Auth("s3cret", Anonymous{}))
	w = get(r, "/x", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

type stubLimiter struct {
	allowed bool
	err     error
	keys    []string
}

func (s *stubLimiter) Allow(ctx context.Context, key string) (bool, int, error) {
	s.keys = append(s.keys, key)
	return s.allowed, 3, s.err
}

func TestRateLimit(t *testing.T) {
	log := zaptest.NewLogger(t)
	anon := Anonymous{Enabled: true, TenantID: "DEMO", UserID: "guest"}

	deny := &stubLimiter{}
	r, _ := engine(t, Auth("s", anon), RateLimit(deny, log))
	assert.Equal(t, http.StatusTooManyRequests, get(r, "/x", "").Code)
	assert.Equal(t, []string{"DEMO:guest"}, deny.keys)

	broken := &stubLimiter{err: errors.New("redis down")}
	r, _ = engine(t, Auth("s", anon), RateLimit(broken, log))
	assert.Equal(t, http.StatusNoContent, get(r, "/x", "").Code, "limiter errors fail open")

	r, _ = engine(t, Auth("s", anon), RateLimit(nil, log))
	assert.Equal(t, http.StatusNoContent, get(r, "/x", "").Code)
}

func TestRequestIDAndRecovery(t *testing.T) {
	log := zaptest.NewLogger(t)
	r, _ := engine(t, Recovery(log), RequestID(), Logger(log))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))

	w = get(r, "/x", "")
	assert.Len(t, w.Header().Get(RequestIDHeader), 36)

	w = get(r, "/panic", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal error")
}
