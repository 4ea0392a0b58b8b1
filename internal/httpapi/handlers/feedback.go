package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/tenant-chat/internal/common"
	"github.com/suPer8Hu/tenant-chat/internal/feedback"
)

func (h *Handler) SubmitFeedback(c *gin.Context) {
	id, okk := identityFromContext(c)
	if !okk {
		return
	}
	var req feedback.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	fb, err := h.Feedback.Submit(c.Request.Context(), id, req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	common.OK(c, fb)
}
