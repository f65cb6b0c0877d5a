package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/suPer8Hu/chat-stream/internal/app"
	"github.com/suPer8Hu/chat-stream/internal/config"
	"github.com/suPer8Hu/chat-stream/internal/httpapi"
	"github.com/suPer8Hu/chat-stream/internal/httpapi/handlers"
	"github.com/suPer8Hu/chat-stream/internal/logger"
	"github.com/suPer8Hu/chat-stream/internal/store/rabbitmq"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("startup failed", "err", err)
	}
	defer a.Close()

	// async turns are optional
	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Warn("rabbitmq unavailable, async chat disabled", "err", err)
	} else {
		defer pub.Close()
		a.Chat.SetPublisher(pub)
	}

	h := handlers.NewHandler(a.DB, a.Redis, a.Chat, a.Settings, log)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(cfg, h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server", "err", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	// let in-flight streams finalize
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.UpstreamTimeout+15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "err", err)
	}
}
