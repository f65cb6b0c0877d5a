package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chat-stream/internal/chat"
	"github.com/suPer8Hu/chat-stream/internal/common"
)

func (h *Handler) ListChatSessions(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	sessions, err := h.ChatSvc.ListSessions(c.Request.Context(), uid, limit)
	if err != nil {
		h.writeServiceError(c, "list sessions", err)
		return
	}
	common.OK(c, gin.H{"sessions": sessions})
}

func (h *Handler) GetChatSession(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}

	sess, msgs, err := h.ChatSvc.GetSession(c.Request.Context(), id, uid)
	if err != nil {
		h.writeServiceError(c, "get session", err)
		return
	}
	common.OK(c, gin.H{"session": sess, "messages": msgs})
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}

	_, msgs, err := h.ChatSvc.GetSession(c.Request.Context(), id, uid)
	if err != nil {
		h.writeServiceError(c, "list messages", err)
		return
	}
	common.OK(c, gin.H{"messages": msgs})
}

func (h *Handler) AppendChatMessage(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}
	var req chat.AppendInput
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	m, err := h.ChatSvc.AppendMessage(c.Request.Context(), id, uid, req)
	if err != nil {
		h.writeServiceError(c, "append message", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"code": 0, "message": "ok", "data": gin.H{"message": m}})
}

type renameSessionReq struct {
	Title string `json:"title"`
}

func (h *Handler) RenameChatSession(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}
	var req renameSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	sess, err := h.ChatSvc.RenameSession(c.Request.Context(), id, uid, req.Title)
	if err != nil {
		h.writeServiceError(c, "rename session", err)
		return
	}
	common.OK(c, gin.H{"session": sess})
}

func (h *Handler) DeleteChatSession(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}

	if err := h.ChatSvc.DeleteSession(c.Request.Context(), id, uid); err != nil {
		h.writeServiceError(c, "delete session", err)
		return
	}
	common.OK(c, gin.H{"deleted": true})
}
