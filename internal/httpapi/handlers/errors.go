package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chat-stream/internal/ai"
	"github.com/suPer8Hu/chat-stream/internal/chat"
	"github.com/suPer8Hu/chat-stream/internal/common"
	"github.com/suPer8Hu/chat-stream/internal/httpapi/middleware"
	"github.com/suPer8Hu/chat-stream/internal/settings"
)

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok && id != 0
}

func requireUser(c *gin.Context) (uint64, bool) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return uid, ok
}

func sessionIDParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid session id")
		return 0, false
	}
	return id, true
}

// writeServiceError maps service errors onto the response envelope. Details of
// unexpected errors are logged, never returned.
func (h *Handler) writeServiceError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, ai.ErrCredentialRequired):
		common.Fail(c, http.StatusBadRequest, 10010, publicMessage(err, "an API key is required for this provider"))
		return
	case errors.Is(err, settings.ErrInvalid):
		common.Fail(c, http.StatusBadRequest, 10020, err.Error())
		return
	case errors.Is(err, settings.ErrSealerDisabled):
		common.Fail(c, http.StatusBadRequest, 10021, "api key storage is not configured")
		return
	case errors.Is(err, chat.ErrAsyncDisabled):
		common.Fail(c, http.StatusServiceUnavailable, 50301, "async chat is not available")
		return
	}

	switch chat.KindOf(err) {
	case chat.KindValidation:
		common.Fail(c, http.StatusBadRequest, 10002, publicMessage(err, "invalid request"))
	case chat.KindNotFound:
		common.Fail(c, http.StatusNotFound, 40401, "session not found")
	case chat.KindConflict:
		common.Fail(c, http.StatusConflict, 40901, conflictMessage(err))
	default:
		h.Log.Error(op+" failed",
			"err", err,
			"request_id", c.GetString(middleware.RequestIDKey),
		)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal server error")
	}
}

func publicMessage(err error, fallback string) string {
	var ce *chat.Error
	if errors.As(err, &ce) && ce.Message != "" {
		return ce.Message
	}
	return fallback
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, chat.ErrTurnInProgress):
		return "a reply is already being generated for this session"
	case errors.Is(err, chat.ErrTurnPending):
		return "the session is waiting for a reply to its last message"
	case errors.Is(err, chat.ErrRoleOrder):
		return "messages must alternate between user and assistant, starting with user"
	}
	return publicMessage(err, "conflict")
}
