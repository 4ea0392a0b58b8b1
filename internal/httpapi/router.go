package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/tenant-chat/internal/common"
	"github.com/suPer8Hu/tenant-chat/internal/config"
	"github.com/suPer8Hu/tenant-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/tenant-chat/internal/httpapi/middleware"
)

// NewRouter wires the chat API. limiter may be nil (no turn rate limit).
func NewRouter(h *handlers.Handler, cfg config.Config, limiter middleware.Limiter, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)

	authGroup := r.Group("/chat")
	authGroup.Use(middleware.Auth(cfg.JWTSecret, middleware.Anonymous{
		Enabled:  cfg.AnonEnabled,
		TenantID: cfg.DemoTenantID,
		UserID:   cfg.DemoUserID,
	}))

	authGroup.POST("/turns", middleware.RateLimit(limiter, log), h.SendTurn)
	authGroup.GET("/conversations", h.ListConversations)
	authGroup.GET("/conversations/:id/messages", h.ListMessages)
	authGroup.POST("/conversations/archive", h.ArchiveConversations)
	authGroup.POST("/feedback", h.SubmitFeedback)
	return r
}
