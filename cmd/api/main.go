package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"transcription-webhook-go/internal/app"
	"transcription-webhook-go/internal/config"
	"transcription-webhook-go/internal/logger"
	"transcription-webhook-go/internal/server"
)

func main() {
	_ = godotenv.Load() // loads .env

	log := logger.New()
	log.WithField("service", server.ServiceName).WithField("version", server.Version).Info("starting service")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to build backends")
	}

	var stopWorkers func()
	if cfg.EmbeddedWorkers {
		pool := a.Workers()
		pool.Start(ctx)

		sweeper := a.Sweeper()
		if err := sweeper.Start(ctx, cfg.SweepSchedule); err != nil {
			log.WithError(err).Fatal("failed to start lease sweeper")
		}
		stopWorkers = func() {
			if err := pool.Stop(); err != nil {
				log.WithError(err).Warn("workers stopped uncleanly")
			}
			sweeper.Stop()
		}
	}

	if err := a.Server().Run(ctx, ":"+cfg.Port); err != nil {
		log.WithError(err).Error("server terminated")
	}
	stop()
	log.Info("shutting down")

	if stopWorkers != nil {
		stopWorkers()
	}
	if err := a.Close(); err != nil {
		log.WithError(err).Warn("closing backends")
	}
	log.Info("service stopped")
}
