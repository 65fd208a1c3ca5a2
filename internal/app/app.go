package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"transcription-webhook-go/internal/analyzer"
	"transcription-webhook-go/internal/config"
	"transcription-webhook-go/internal/fetcher"
	"transcription-webhook-go/internal/logger"
	"transcription-webhook-go/internal/pipeline"
	"transcription-webhook-go/internal/queue"
	"transcription-webhook-go/internal/records"
	"transcription-webhook-go/internal/server"
	"transcription-webhook-go/internal/service"
	"transcription-webhook-go/internal/taskstore"
	"transcription-webhook-go/internal/transcription"
	"transcription-webhook-go/internal/worker"
)

// App holds the components built from a Config.
type App struct {
	Config   *config.Config
	Log      *logger.Logger
	Store    taskstore.Store
	Queue    queue.Queue
	Writer   *records.Writer
	Executor *pipeline.Executor
}

// Build connects the configured backends.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = store

	q, err := openQueue(cfg, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	a.Queue = q

	rows, err := openRows(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	engine, err := openEngine(cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Writer = records.NewWriter(rows, cfg.Columns, log)
	a.Executor = pipeline.New(pipeline.Deps{
		Store:    store,
		Resolver: records.NewResolver(rows, cfg.Columns),
		Fetcher:  fetcher.New(fetcher.Config{MaxBytes: cfg.FetchMaxBytes, Timeout: cfg.FetchTimeout}),
		Engine:   engine,
		Analyzer: analyzer.Keyword{},
		Writer:   a.Writer,
		Logger:   log,
	}, pipeline.Options{
		Policy: pipeline.NewPolicy(cfg.StageMaxAttempts, cfg.StageBackoffInitial, cfg.StageBackoffMax),
		Timeouts: pipeline.Timeouts{
			Resolve:    cfg.WriteTimeout,
			Fetch:      cfg.FetchTimeout,
			Transcribe: cfg.TranscribeTimeout,
			WriteBack:  cfg.WriteTimeout,
		},
		Lease:           cfg.LeaseTimeout,
		FinalizeTimeout: cfg.WriteTimeout,
	})

	log.WithField("store", cfg.StoreBackend).
		WithField("queue", cfg.QueueBackend).
		WithField("records", cfg.RecordBackend).
		WithField("engine", cfg.TranscribeEngine).
		Info("backends ready")
	return a, nil
}

func (a *App) Server() *server.Server {
	return server.New(
		service.NewIntake(a.Store, a.Queue, a.Config.WebhookSecret, a.Log),
		service.NewStatus(a.Store),
		a.Log,
	)
}

func (a *App) Workers() *worker.Pool {
	return worker.NewPool(a.Queue, a.Executor, a.Config.WorkerConcurrency, a.Config.ShutdownTimeout, a.Log)
}

func (a *App) Sweeper() *worker.Sweeper {
	return worker.NewSweeper(a.Store, a.Writer, a.Config.LeaseTimeout, a.Log)
}

func (a *App) Close() error {
	var errs []error
	if a.Queue != nil {
		errs = append(errs, a.Queue.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg *config.Config) (taskstore.Store, error) {
	switch cfg.StoreBackend {
	case "sqlite":
		s, err := taskstore.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := taskstore.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		return taskstore.NewRedisStore(rdb, cfg.QueueName), nil
	default:
		return taskstore.NewMemoryStore(), nil
	}
}

func openQueue(cfg *config.Config, log *logger.Logger) (queue.Queue, error) {
	switch cfg.QueueBackend {
	case "redis":
		return queue.NewAsynqQueue(asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB}, queue.AsynqConfig{
			Queue:       cfg.QueueName,
			Concurrency: cfg.WorkerConcurrency,
			Timeout:     cfg.LeaseTimeout,
			Logger:      log.Component("asynq").Entry,
		}), nil
	case "amqp":
		q, err := queue.DialAMQP(cfg.AMQPURL, cfg.QueueName, cfg.WorkerConcurrency)
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		return queue.NewMemoryQueue(), nil
	}
}

func openRows(cfg *config.Config) (records.RowStore, error) {
	switch cfg.RecordBackend {
	case "coda":
		return records.NewCodaStore(records.CodaConfig{
			BaseURL: cfg.CodaBaseURL,
			APIKey:  cfg.CodaAPIKey,
			DocID:   cfg.CodaDocID,
			TableID: cfg.CodaTableID,
			HTTPClient: &http.Client{
				Timeout: cfg.WriteTimeout,
			},
		}), nil
	case "xlsx":
		return records.NewXLSXStore(cfg.XLSXPath, cfg.XLSXSheet, cfg.XLSXIDColumn), nil
	case "memory":
		return records.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown record backend %q", cfg.RecordBackend)
}

func openEngine(cfg *config.Config, log *logger.Logger) (transcription.Engine, error) {
	switch cfg.TranscribeEngine {
	case "whisper":
		return transcription.NewWhisperEngine(transcription.WhisperConfig{
			BaseURL: cfg.WhisperAPIURL,
			APIKey:  cfg.WhisperAPIKey,
			Model:   cfg.WhisperModel,
		}), nil
	case "gateway":
		return transcription.NewGatewayEngine(transcription.GatewayConfig{BaseURL: cfg.TranscribeURL}, log), nil
	case "mock":
		return transcription.MockEngine{}, nil
	}
	return nil, fmt.Errorf("unknown transcription engine %q", cfg.TranscribeEngine)
}
