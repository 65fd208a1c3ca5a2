package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"transcription-webhook-go/internal/logger"
	"transcription-webhook-go/internal/metrics"
	"transcription-webhook-go/internal/queue"
	"transcription-webhook-go/internal/taskstore"
	"transcription-webhook-go/internal/types"
)

var (
	ErrUnauthorized = errors.New("invalid webhook secret")
	ErrNotFound     = errors.New("task not found")
)

// SubmitRequest is the webhook body.
type SubmitRequest struct {
	RowID    string `json:"row_id"`
	AudioURL string `json:"audio_url,omitempty"`
}

// Intake turns webhook calls into queued tasks.
type Intake struct {
	store  taskstore.Store
	queue  queue.Queue
	secret string
	now    func() time.Time
	log    *logger.Logger
}

func NewIntake(store taskstore.Store, q queue.Queue, secret string, log *logger.Logger) *Intake {
	return &Intake{
		store:  store,
		queue:  q,
		secret: secret,
		now:    func() time.Time { return time.Now().UTC() },
		log:    log.Component("intake"),
	}
}

// Submit validates the request, records a QUEUED task and enqueues it. It
// never waits for the pipeline. Rejected requests leave no trace in the
// store or the queue.
func (in *Intake) Submit(ctx context.Context, req SubmitRequest, presentedSecret string) (*types.Task, error) {
	if err := in.Authorize(presentedSecret); err != nil {
		return nil, err
	}

	rowID := strings.TrimSpace(req.RowID)
	if rowID == "" {
		metrics.TasksRejected.WithLabelValues(string(types.KindValidation)).Inc()
		return nil, &types.Error{Kind: types.KindValidation, Message: "Missing row_id in request"}
	}
	audioURL := strings.TrimSpace(req.AudioURL)
	if audioURL != "" {
		if err := validateAudioURL(audioURL); err != nil {
			metrics.TasksRejected.WithLabelValues(string(types.KindValidation)).Inc()
			return nil, err
		}
	}

	now := in.now()
	task := &types.Task{
		ID:        uuid.New().String(),
		RowID:     rowID,
		AudioURL:  audioURL,
		State:     types.StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := in.store.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	log := in.log.WithTask(task)
	if err := in.queue.Enqueue(ctx, task.ID); err != nil {
		log.WithField("error", err.Error()).Error("enqueue failed, failing task")
		in.failDispatch(task, err)
		metrics.TasksRejected.WithLabelValues(string(types.KindDispatch)).Inc()
		return nil, &types.Error{Kind: types.KindDispatch, Subkind: types.SubkindUnavailable, Transient: true, Message: "could not queue task " + task.ID, Err: err}
	}

	metrics.TasksSubmitted.Inc()
	log.Info("task queued")
	return task.Clone(), nil
}

// Authorize checks the presented webhook secret. Any secret passes when none
// is configured.
func (in *Intake) Authorize(presentedSecret string) error {
	if in.secret != "" && subtle.ConstantTimeCompare([]byte(in.secret), []byte(presentedSecret)) != 1 {
		metrics.TasksRejected.WithLabelValues(string(types.KindAuth)).Inc()
		return &types.Error{Kind: types.KindAuth, Message: "invalid webhook secret", Err: ErrUnauthorized}
	}
	return nil
}

// failDispatch moves an unqueued task straight to FAILED so it never sits
// QUEUED without a queue entry.
func (in *Intake) failDispatch(task *types.Task, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	failed := task.Clone()
	failed.State = types.StateFailed
	failed.Error = &types.TaskError{Kind: types.KindDispatch, Subkind: types.SubkindUnavailable, Message: "enqueue failed: " + cause.Error()}
	failed.UpdatedAt = in.now()
	if err := in.store.CompareAndSet(ctx, failed, types.StateQueued); err != nil {
		in.log.WithTask(task).WithField("error", err.Error()).Error("could not fail undispatched task")
		return
	}
	metrics.TasksFinished.WithLabelValues(string(types.StateFailed), string(types.KindDispatch)).Inc()
}

func validateAudioURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return &types.Error{Kind: types.KindValidation, Subkind: types.SubkindMalformed, Message: "audio_url must be an absolute http(s) URL"}
	}
	return nil
}

// Status answers polling clients from the task store.
type Status struct {
	store taskstore.Store
}

func NewStatus(store taskstore.Store) *Status {
	return &Status{store: store}
}

// Get returns a snapshot of the task.
func (s *Status) Get(ctx context.Context, taskID string) (*types.Task, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, ErrNotFound
	}
	t, err := s.store.Get(ctx, taskID)
	if errors.Is(err, taskstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// Message is the human-readable line shown next to a status.
func Message(t *types.Task) string {
	switch t.State {
	case types.StateQueued:
		return "Task is waiting to be processed"
	case types.StateRunning:
		if t.Stage != "" {
			return fmt.Sprintf("Task is being processed (%s)", t.Stage)
		}
		return "Task is being processed"
	case types.StateSucceeded:
		return "Task completed successfully"
	case types.StateFailed:
		if t.Error != nil {
			return "Task failed: " + t.Error.Message
		}
		return "Task failed"
	}
	return string(t.State)
}
