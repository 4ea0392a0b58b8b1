package middleware

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/tenant-chat/internal/common"
)

type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, remaining int, err error)
}

// RateLimit limits per identity. Limiter errors fail open.
func RateLimit(l Limiter, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil {
			c.Next()
			return
		}
		id, ok := IdentityFrom(c)
		if !ok {
			c.Next()
			return
		}
		allowed, remaining, err := l.Allow(c.Request.Context(), id.Key())
		if err != nil {
			log.Warn("rate limiter unavailable", zap.String("key", id.Key()), zap.Error(err))
			c.Next()
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !allowed {
			common.AbortFail(c, http.StatusTooManyRequests, 42900, "too many requests")
			return
		}
		c.Next()
	}
}
