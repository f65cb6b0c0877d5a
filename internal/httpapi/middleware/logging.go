package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chat-stream/internal/common"
	"github.com/suPer8Hu/chat-stream/internal/logger"
)

func AccessLog(log *logger.Logger) gin.HandlerFunc {
	log = log.With("component", "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		kv := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"cost", time.Since(start),
			"request_id", c.GetString(RequestIDKey),
		}
		if uid, ok := c.Get(UserIDKey); ok {
			kv = append(kv, "user_id", uid)
		}
		switch {
		case c.Writer.Status() >= 500:
			log.Error("request", kv...)
		case c.Writer.Status() >= 400:
			log.Warn("request", kv...)
		default:
			log.Info("request", kv...)
		}
	}
}

// Recovery turns a panic into the standard 500 envelope.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					"err", r,
					"path", c.Request.URL.Path,
					"request_id", c.GetString(RequestIDKey),
					"stack", string(debug.Stack()),
				)
				if !c.Writer.Written() {
					common.Fail(c, http.StatusInternalServerError, 50000, "internal server error")
					return
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}
