package handlers

import (
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/suPer8Hu/chat-stream/internal/chat"
	"github.com/suPer8Hu/chat-stream/internal/logger"
	"github.com/suPer8Hu/chat-stream/internal/settings"
)

type Handler struct {
	DB          *gorm.DB
	Redis       *redis.Client // nil when turn locks are in process
	ChatSvc     *chat.Service
	SettingsSvc *settings.Service
	Log         *logger.Logger
}

func NewHandler(db *gorm.DB, rds *redis.Client, chatSvc *chat.Service, settingsSvc *settings.Service, log *logger.Logger) *Handler {
	return &Handler{
		DB:          db,
		Redis:       rds,
		ChatSvc:     chatSvc,
		SettingsSvc: settingsSvc,
		Log:         log.With("component", "handlers"),
	}
}
