package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
)

const taskTypeTranscribe = "transcription:run"

type taskPayload struct {
	TaskID string `json:"task_id"`
}

type AsynqConfig struct {
	Queue       string
	Concurrency int
	MaxRetry    int
	// Timeout bounds how long a single delivery may stay un-acked before
	// asynq considers it failed and schedules a retry.
	Timeout time.Duration
	Logger  asynq.Logger
}

// AsynqQueue adapts asynq's push-style handler to the pull-style Dequeue.
// The asynq handler blocks until the worker acks or nacks the delivery, so
// asynq keeps ownership of the message while the pipeline runs.
type AsynqQueue struct {
	cfg        AsynqConfig
	client     *asynq.Client
	server     *asynq.Server
	deliveries chan *Delivery
	closed     chan struct{}
	startOnce  sync.Once
	startErr   error
	closeOnce  sync.Once
}

func NewAsynqQueue(opt asynq.RedisClientOpt, cfg AsynqConfig) *AsynqQueue {
	if cfg.Queue == "" {
		cfg.Queue = "default"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	scfg := asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{cfg.Queue: 1},
	}
	if cfg.Logger != nil {
		scfg.Logger = cfg.Logger
	}
	return &AsynqQueue{
		cfg:        cfg,
		client:     asynq.NewClient(opt),
		server:     asynq.NewServer(opt, scfg),
		deliveries: make(chan *Delivery),
		closed:     make(chan struct{}),
	}
}

func (q *AsynqQueue) Enqueue(ctx context.Context, taskID string) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	payload, err := json.Marshal(taskPayload{TaskID: taskID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskTypeTranscribe, payload)
	_, err = q.client.EnqueueContext(ctx, task,
		asynq.Queue(q.cfg.Queue),
		asynq.TaskID(taskID),
		asynq.MaxRetry(q.cfg.MaxRetry),
		asynq.Timeout(q.cfg.Timeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

func (q *AsynqQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	q.startOnce.Do(func() {
		mux := asynq.NewServeMux()
		mux.HandleFunc(taskTypeTranscribe, q.handle)
		q.startErr = q.server.Start(mux)
	})
	if q.startErr != nil {
		return nil, fmt.Errorf("start asynq server: %w", q.startErr)
	}
	select {
	case d := <-q.deliveries:
		return d, nil
	case <-q.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *AsynqQueue) handle(ctx context.Context, t *asynq.Task) error {
	var p taskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.TaskID == "" {
		return fmt.Errorf("bad payload: %v: %w", err, asynq.SkipRetry)
	}

	done := make(chan error, 1)
	d := newDelivery(p.TaskID,
		func() error {
			done <- nil
			return nil
		},
		func(reason error) error {
			if reason == nil {
				reason = errors.New("delivery nacked")
			}
			done <- reason
			return nil
		})

	select {
	case q.deliveries <- d:
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *AsynqQueue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.closed)
		q.server.Shutdown()
		err = q.client.Close()
	})
	return err
}
