package handlers

import (
	"time"

	"go.uber.org/zap"

	"github.com/suPer8Hu/tenant-chat/internal/chat"
	"github.com/suPer8Hu/tenant-chat/internal/feedback"
)

type Handler struct {
	ChatSvc  *chat.Service
	Feedback *feedback.Linker
	Log      *zap.Logger

	// SSE heartbeat period
	PingInterval time.Duration
}

func NewHandler(chatSvc *chat.Service, linker *feedback.Linker, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		ChatSvc:      chatSvc,
		Feedback:     linker,
		Log:          log,
		PingInterval: 15 * time.Second,
	}
}
