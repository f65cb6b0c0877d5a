package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chat-stream/internal/common"
	"github.com/suPer8Hu/chat-stream/internal/settings"
)

func (h *Handler) GetSettings(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	view, err := h.SettingsSvc.Get(c.Request.Context(), uid)
	if err != nil {
		h.writeServiceError(c, "get settings", err)
		return
	}
	common.OK(c, gin.H{"settings": view})
}

func (h *Handler) PutSettings(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var req settings.Update
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	view, err := h.SettingsSvc.Apply(c.Request.Context(), uid, req)
	if err != nil {
		h.writeServiceError(c, "put settings", err)
		return
	}
	common.OK(c, gin.H{"settings": view})
}
