package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chat-stream/internal/common"
)

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// Healthz checks the database and, when configured, Redis.
func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true

	if sqlDB, err := h.DB.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		checks["db"] = "down"
		healthy = false
	} else {
		checks["db"] = "up"
	}

	if h.Redis != nil {
		if err := h.Redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "down"
			healthy = false
		} else {
			checks["redis"] = "up"
		}
	}

	if !healthy {
		h.Log.Warn("health check failed", "checks", checks)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"code":    50300,
			"message": "unhealthy",
			"data":    checks,
		})
		return
	}
	common.OK(c, checks)
}
