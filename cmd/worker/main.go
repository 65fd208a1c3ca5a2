package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"transcription-webhook-go/internal/app"
	"transcription-webhook-go/internal/config"
	"transcription-webhook-go/internal/logger"
)

// worker runs pipeline workers and the lease sweeper without the HTTP
// server. It needs a shared queue backend (redis or amqp).
func main() {
	_ = godotenv.Load()

	log := logger.New()
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if cfg.QueueBackend == "memory" {
		log.Fatal("QUEUE_BACKEND=memory cannot be shared with a separate worker process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to build backends")
	}
	defer a.Close()

	sweeper := a.Sweeper()
	if err := sweeper.Start(ctx, cfg.SweepSchedule); err != nil {
		log.WithError(err).Fatal("failed to start lease sweeper")
	}

	pool := a.Workers()
	pool.Start(ctx)
	log.WithField("concurrency", cfg.WorkerConcurrency).Info("worker running")

	<-ctx.Done()
	log.Info("received signal, shutting down")
	if err := pool.Stop(); err != nil {
		log.WithError(err).Warn("workers stopped uncleanly")
	}
	sweeper.Stop()
	log.Info("worker stopped cleanly")
}
