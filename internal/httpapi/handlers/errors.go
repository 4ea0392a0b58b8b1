package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/tenant-chat/internal/apperr"
	"github.com/suPer8Hu/tenant-chat/internal/common"
	"github.com/suPer8Hu/tenant-chat/internal/httpapi/middleware"
)

// statusFor maps an error kind to HTTP status and envelope code.
func statusFor(k apperr.Kind) (int, int) {
	switch k {
	case apperr.KindValidation:
		return http.StatusBadRequest, 40000
	case apperr.KindPermissionDenied:
		return http.StatusForbidden, 40300
	case apperr.KindNotFound:
		return http.StatusNotFound, 40400
	case apperr.KindProvider:
		return http.StatusBadGateway, 50200
	default:
		return http.StatusInternalServerError, 50000
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status, code := statusFor(kind)
	if kind == apperr.KindInternal || kind == apperr.KindProvider {
		h.Log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", middleware.RequestIDFrom(c)),
			zap.Error(err),
		)
	}
	_ = c.Error(err)
	common.Fail(c, status, code, apperr.Message(err))
}
