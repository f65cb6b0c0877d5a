// Package app wires the services shared by the server and the worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/suPer8Hu/chat-stream/internal/ai"
	"github.com/suPer8Hu/chat-stream/internal/chat"
	"github.com/suPer8Hu/chat-stream/internal/config"
	"github.com/suPer8Hu/chat-stream/internal/db"
	"github.com/suPer8Hu/chat-stream/internal/logger"
	"github.com/suPer8Hu/chat-stream/internal/settings"
)

// lockSlack covers finalize after the upstream deadline.
const lockSlack = 30 * time.Second

type App struct {
	DB       *gorm.DB
	Redis    *redis.Client // nil without REDIS_ADDR
	Chat     *chat.Service
	Settings *settings.Service
}

func Build(ctx context.Context, cfg config.Config, log *logger.Logger) (*App, error) {
	gdb, err := db.Open(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(gdb); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var (
		rds    *redis.Client
		locker chat.TurnLocker
	)
	if cfg.RedisAddr != "" {
		rds = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := rds.Ping(pctx).Err(); err != nil {
			_ = rds.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		locker = chat.NewRedisTurnLocker(rds, cfg.UpstreamTimeout+lockSlack)
	} else {
		log.Warn("REDIS_ADDR not set, turn locks are per process")
		locker = chat.NewMemoryTurnLocker()
	}

	reg := ai.NewDefaultRegistry(ai.Options{
		OllamaBaseURL:     cfg.OllamaBaseURL,
		OllamaModel:       cfg.OllamaModel,
		OpenRouterBaseURL: cfg.OpenRouterBaseURL,
		OpenRouterModel:   cfg.OpenRouterModel,
		OpenRouterSiteURL: cfg.OpenRouterSiteURL,
		OpenRouterAppName: cfg.OpenRouterAppName,
		OpenAIBaseURL:     cfg.OpenAIBaseURL,
		OpenAIModel:       cfg.OpenAIModel,
	})

	sealer, err := settings.NewSealer(cfg.SettingsKey)
	switch {
	case errors.Is(err, settings.ErrSealerDisabled):
		log.Warn("SETTINGS_KEY not set, per-user api keys are disabled")
		sealer = nil
	case err != nil:
		return nil, err
	}
	settingsSvc := settings.NewService(settings.NewRepo(gdb), sealer, []string{"ollama", "openrouter", "openai"}, log)

	chatSvc := chat.NewService(chat.NewRepo(gdb), reg, settingsSvc, locker, chat.Options{
		DefaultProvider:   cfg.AIProvider,
		ContextWindowSize: cfg.ChatContextWindowSize,
		Temperature:       cfg.ChatTemperature,
		MaxTokens:         cfg.ChatMaxTokens,
		UpstreamTimeout:   cfg.UpstreamTimeout,
	}, log)

	return &App{DB: gdb, Redis: rds, Chat: chatSvc, Settings: settingsSvc}, nil
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
