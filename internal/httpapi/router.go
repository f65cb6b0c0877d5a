package httpapi

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/suPer8Hu/chat-stream/internal/common"
	"github.com/suPer8Hu/chat-stream/internal/config"
	"github.com/suPer8Hu/chat-stream/internal/httpapi/handlers"
	"github.com/suPer8Hu/chat-stream/internal/httpapi/middleware"
)

func NewRouter(cfg config.Config, h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true

	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(h.Log))
	r.Use(middleware.AccessLog(h.Log))
	r.Use(middleware.Metrics())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Idempotency-Key", middleware.RequestIDHeader},
		ExposeHeaders:    []string{middleware.RequestIDHeader},
		AllowCredentials: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))

	// Chat (JWT required)
	authGroup.POST("/chat/stream", h.ChatStream)
	authGroup.POST("/chat/messages/async", h.ChatAsync)
	authGroup.GET("/chat/jobs/:job_id", h.GetChatJob)

	authGroup.GET("/chat/sessions", h.ListChatSessions)
	authGroup.GET("/chat/sessions/:id", h.GetChatSession)
	authGroup.PATCH("/chat/sessions/:id", h.RenameChatSession)
	authGroup.DELETE("/chat/sessions/:id", h.DeleteChatSession)
	authGroup.GET("/chat/sessions/:id/messages", h.ListChatMessages)
	authGroup.POST("/chat/sessions/:id/messages", h.AppendChatMessage)

	authGroup.GET("/settings", h.GetSettings)
	authGroup.PUT("/settings", h.PutSettings)
	return r
}
