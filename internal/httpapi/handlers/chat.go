package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/tenant-chat/internal/apperr"
	"github.com/suPer8Hu/tenant-chat/internal/chat"
	"github.com/suPer8Hu/tenant-chat/internal/common"
	"github.com/suPer8Hu/tenant-chat/internal/httpapi/middleware"
	"github.com/suPer8Hu/tenant-chat/internal/identity"
)

const (
	HeaderConversationID      = "X-Conversation-ID"
	HeaderConversationCreated = "X-Conversation-Created"
	HeaderUserMessageID       = "X-User-Message-ID"
)

func identityFromContext(c *gin.Context) (identity.Identity, bool) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return id, ok
}

// SendTurn streams one turn as SSE. Errors before the stream starts are plain JSON
// envelopes; after that they arrive as a terminal "error" event.
func (h *Handler) SendTurn(c *gin.Context) {
	id, okk := identityFromContext(c)
	if !okk {
		return
	}

	var req chat.TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	ctx := c.Request.Context()
	turn, err := h.ChatSvc.StartTurn(ctx, id, req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		// can't stream; the turn is cancelled with the request
		common.Fail(c, http.StatusInternalServerError, 50001, "streaming not supported")
		return
	}

	// conversation id travels out of band, before the first byte of the stream
	c.Header(HeaderConversationID, turn.ConversationID)
	c.Header(HeaderConversationCreated, strconv.FormatBool(turn.Created))
	c.Header(HeaderUserMessageID, turn.UserMessageID)

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)
	flusher.Flush()

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			// last-resort: send a simple error that won't break SSE framing
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"type\":\"error\",\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, b)
		flusher.Flush()
	}

	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(h.PingInterval)
	defer ticker.Stop()

	chunks := turn.Chunks
	for chunks != nil {
		select {
		case ch, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			writeJSON("chunk", gin.H{"type": "chunk", "delta": ch})

		case <-ticker.C:
			writeJSON("ping", gin.H{"type": "ping", "ts": time.Now().Unix()})

		case <-ctx.Done():
			// client went away; the orchestrator sees the same cancellation
			return
		}
	}

	var res chat.TurnResult
	select {
	case res = <-turn.Result:
	case <-ctx.Done():
		return
	}

	switch {
	case res.Err == nil:
		writeJSON("done", gin.H{
			"type":              "done",
			"conversation_id":   turn.ConversationID,
			"message_id":        res.AssistantMessageID,
			"user_message_id":   turn.UserMessageID,
			"prompt_tokens":     res.PromptTokens,
			"completion_tokens": res.CompletionTokens,
		})
	case ctx.Err() != nil:
		// nobody is listening any more
	default:
		kind := apperr.KindOf(res.Err)
		h.Log.Warn("turn ended with error",
			zap.String("conversation_id", turn.ConversationID),
			zap.String("request_id", middleware.RequestIDFrom(c)),
			zap.String("kind", kind.String()),
			zap.Error(res.Err),
		)
		writeJSON("error", gin.H{
			"type":    "error",
			"kind":    kind.String(),
			"message": apperr.Message(res.Err),
		})
	}
}

func (h *Handler) ListConversations(c *gin.Context) {
	id, okk := identityFromContext(c)
	if !okk {
		return
	}
	var req chat.ListConversationsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, "invalid query")
		return
	}
	page, err := h.ChatSvc.ListConversations(c.Request.Context(), id, req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	common.OK(c, page)
}

func (h *Handler) ListMessages(c *gin.Context) {
	id, okk := identityFromContext(c)
	if !okk {
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), id, c.Param("id"), limit, c.Query("before_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	var nextBeforeID string
	if len(msgs) > 0 {
		nextBeforeID = msgs[len(msgs)-1].ID
	}
	common.OK(c, gin.H{
		"messages":       msgs,
		"next_before_id": nextBeforeID,
	})
}

type archiveReq struct {
	ConversationIDs []string `json:"conversation_ids"`
	Permanent       bool     `json:"permanent"`
}

func (h *Handler) ArchiveConversations(c *gin.Context) {
	id, okk := identityFromContext(c)
	if !okk {
		return
	}
	var req archiveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	n, err := h.ChatSvc.Archive(c.Request.Context(), id, req.ConversationIDs, req.Permanent)
	if err != nil {
		h.writeError(c, err)
		return
	}
	common.OK(c, gin.H{"count": n})
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}
