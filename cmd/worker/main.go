package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/chat-stream/internal/app"
	"github.com/suPer8Hu/chat-stream/internal/chat"
	"github.com/suPer8Hu/chat-stream/internal/config"
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
	log = log.With("component", "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("startup failed", "err", err)
	}
	defer a.Close()

	// strict concurrency control
	concurrency := cfg.WorkerConcurrency

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, concurrency)
	if err != nil {
		log.Fatal("rabbitmq", "err", err)
	}
	defer consumer.Close()

	msgs, err := consumer.Deliveries()
	if err != nil {
		log.Fatal("consume", "err", err)
	}

	// started jobs run to completion on shutdown, bounded by the upstream deadline
	jobTimeout := cfg.UpstreamTimeout + 30*time.Second

	log.Info("worker started", "queue", cfg.RabbitQueue, "concurrency", concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			wlog := log.With("worker", workerID)
			for d := range jobs {
				if ctx.Err() != nil {
					// not started yet; hand it back to the broker
					_ = d.Nack(false, true)
					continue
				}
				handleDelivery(ctx, a.Chat, wlog, d, jobTimeout)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Error("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}

func handleDelivery(ctx context.Context, svc *chat.Service, log *logger.Logger, d amqp.Delivery, timeout time.Duration) {
	jobID, err := rabbitmq.DecodeJob(d.Body)
	if err != nil {
		log.Warn("bad message", "err", err)
		_ = d.Nack(false, false)
		return
	}

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	start := time.Now()
	err = svc.RunJob(jobCtx, jobID)
	if errors.Is(err, chat.ErrJobInFlight) {
		// duplicate delivery; the running copy owns the job
		log.Info("duplicate delivery", "job_id", jobID)
		_ = d.Ack(false)
		return
	}
	if err != nil {
		log.Error("job failed", "job_id", jobID, "cost", time.Since(start), "err", err)
		// dead-lettered; the job row already records the failure
		_ = d.Nack(false, false)
		return
	}
	if err := d.Ack(false); err != nil {
		log.Error("ack failed", "job_id", jobID, "err", err)
	}
}
