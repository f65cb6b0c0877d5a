package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chat-stream/internal/auth"
	"github.com/suPer8Hu/chat-stream/internal/common"
)

const UserIDKey = "user_id"

// AuthRequired resolves the caller from "Authorization: Bearer <jwt>" and stores the
// uint64 user id under UserIDKey.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}
		uid, err := auth.ParseJWT(strings.TrimSpace(parts[1]), secret)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}
		c.Set(UserIDKey, uid)
		c.Next()
	}
}
