// internal/pipeline/pipeline.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"transcription-webhook-go/internal/analyzer"
	"transcription-webhook-go/internal/logger"
	"transcription-webhook-go/internal/metrics"
	"transcription-webhook-go/internal/taskstore"
	"transcription-webhook-go/internal/transcription"
	"transcription-webhook-go/internal/types"
)

// Resolver yields the audio location of a row.
type Resolver interface {
	Resolve(ctx context.Context, rowID, audioURL string) (string, error)
}

// Fetcher downloads audio bytes.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Writer reflects outcomes back onto the originating row.
type Writer interface {
	WriteResult(ctx context.Context, rowID, transcript, summary, report string, at time.Time) error
	MarkFailed(ctx context.Context, rowID, message string, at time.Time) error
}

// Policy bounds the retries of a single stage. MaxAttempts counts the first
// try; NewBackOff yields the wait between attempts.
type Policy struct {
	MaxAttempts int
	NewBackOff  func() backoff.BackOff
}

// NewPolicy returns an exponential policy that never gives up on elapsed
// time, only on attempts.
func NewPolicy(maxAttempts int, initial, max time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		NewBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = initial
			bo.MaxInterval = max
			bo.MaxElapsedTime = 0
			return bo
		},
	}
}

// Timeouts apply to each attempt of the matching stage. Zero means none.
type Timeouts struct {
	Resolve    time.Duration
	Fetch      time.Duration
	Transcribe time.Duration
	Analyze    time.Duration
	WriteBack  time.Duration
}

type Deps struct {
	Store    taskstore.Store
	Resolver Resolver
	Fetcher  Fetcher
	Engine   transcription.Engine
	Analyzer analyzer.Analyzer
	Writer   Writer
	Logger   *logger.Logger
	// Now defaults to time.Now in UTC.
	Now func() time.Time
}

type Options struct {
	Policy   Policy
	Timeouts Timeouts
	// Lease is the sweeper's staleness window; heartbeats run every Lease/3.
	Lease time.Duration
	// FinalizeTimeout bounds the final transition and its record write.
	FinalizeTimeout time.Duration
}

var stageKinds = map[types.Stage]types.ErrorKind{
	types.StageResolve:    types.KindResolve,
	types.StageFetch:      types.KindDownload,
	types.StageTranscribe: types.KindTranscription,
	types.StageAnalyze:    types.KindAnalysis,
	types.StageWriteBack:  types.KindWriteBack,
}

// Executor drives a task from QUEUED to a terminal state.
type Executor struct {
	d    Deps
	opts Options
	log  *logger.Logger
}

func New(d Deps, opts Options) *Executor {
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Logger == nil {
		d.Logger = logger.Discard()
	}
	if opts.Policy.MaxAttempts < 1 {
		opts.Policy.MaxAttempts = 1
	}
	if opts.Policy.NewBackOff == nil {
		opts.Policy.NewBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = 30 * time.Second
	}
	return &Executor{d: d, opts: opts, log: d.Logger.Component("pipeline")}
}

// Execute claims and runs the task. A nil return means the delivery is
// settled, whatever the task's outcome; an error means the task could not be
// loaded or claimed and the delivery should be handed back.
func (e *Executor) Execute(ctx context.Context, taskID string) error {
	t, err := e.d.Store.Get(ctx, taskID)
	if errors.Is(err, taskstore.ErrNotFound) {
		e.log.WithField("task_id", taskID).Warn("dequeued unknown task, dropping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}

	log := e.log.WithTask(t)
	switch t.State {
	case types.StateSucceeded, types.StateFailed:
		log.WithField("status", t.State).Debug("task already finished, skipping redelivery")
		return nil
	case types.StateRunning:
		log.Info("task already running, leaving it to its owner or the lease sweeper")
		return nil
	}

	now := e.d.Now()
	claimed := t.Clone()
	claimed.State = types.StateRunning
	claimed.Stage = ""
	claimed.AttemptCount = 0
	claimed.UpdatedAt = now
	if err := e.d.Store.CompareAndSet(ctx, claimed, types.StateQueued); err != nil {
		if errors.Is(err, taskstore.ErrConflict) {
			log.Info("task claimed elsewhere")
			return nil
		}
		return fmt.Errorf("claim task %s: %w", taskID, err)
	}
	metrics.QueueWait.Observe(now.Sub(t.CreatedAt).Seconds())
	log.Info("task started")

	e.process(ctx, &run{e: e, task: claimed, log: log})
	return nil
}

type outcome struct {
	transcript *transcription.Transcript
	summary    *analyzer.Summary
	at         time.Time
}

func (e *Executor) process(ctx context.Context, r *run) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := r.heartbeat(runCtx, e.opts.Lease/3, cancel)
	out, err := e.stages(runCtx, r)
	stop()

	// the final transition must not be cut short by worker shutdown
	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.FinalizeTimeout)
	defer fcancel()
	if err != nil {
		e.fail(fctx, r, err)
		return
	}
	e.succeed(fctx, r, out)
}

func (e *Executor) stages(ctx context.Context, r *run) (*outcome, error) {
	task := r.snapshot()
	to := e.opts.Timeouts

	var audioURL string
	err := e.stage(ctx, r, types.StageResolve, to.Resolve, func(ctx context.Context) error {
		u, err := e.d.Resolver.Resolve(ctx, task.RowID, task.AudioURL)
		audioURL = u
		return err
	})
	if err != nil {
		return nil, err
	}

	var audio []byte
	err = e.stage(ctx, r, types.StageFetch, to.Fetch, func(ctx context.Context) error {
		b, err := e.d.Fetcher.Fetch(ctx, audioURL)
		audio = b
		return err
	})
	if err != nil {
		return nil, err
	}

	var tr *transcription.Transcript
	err = e.stage(ctx, r, types.StageTranscribe, to.Transcribe, func(ctx context.Context) error {
		out, err := e.d.Engine.Transcribe(ctx, audio)
		if err != nil {
			return err
		}
		if out == nil || strings.TrimSpace(out.Text) == "" {
			return &types.Error{Kind: types.KindTranscription, Subkind: types.SubkindEmpty, Message: "engine returned an empty transcript"}
		}
		tr = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	var sum *analyzer.Summary
	err = e.stage(ctx, r, types.StageAnalyze, to.Analyze, func(context.Context) error {
		s, err := e.d.Analyzer.Analyze(tr.Text)
		sum = s
		return err
	})
	if err != nil {
		return nil, err
	}

	at := e.d.Now()
	report := sum.Markdown(at) + "\n" + transcription.FormatMarkdown(tr, task.RowID)
	err = e.stage(ctx, r, types.StageWriteBack, to.WriteBack, func(ctx context.Context) error {
		return e.d.Writer.WriteResult(ctx, task.RowID, tr.Text, sum.Short(), report, at)
	})
	if err != nil {
		return nil, err
	}
	return &outcome{transcript: tr, summary: sum, at: at}, nil
}

// stage runs fn under the retry policy, persisting the stage and every
// attempt before it is made.
func (e *Executor) stage(ctx context.Context, r *run, stage types.Stage, timeout time.Duration, fn func(context.Context) error) error {
	kind := stageKinds[stage]
	if err := r.save(ctx, func(t *types.Task) {
		t.Stage = stage
		t.AttemptCount = 0
	}); err != nil {
		return progressError(kind, err)
	}

	log := r.log.WithField("stage", stage)
	op := func() error {
		if err := r.save(ctx, func(t *types.Task) { t.AttemptCount++ }); err != nil {
			return backoff.Permanent(progressError(kind, err))
		}
		attempt := r.snapshot().AttemptCount

		start := time.Now()
		err := e.attempt(ctx, kind, timeout, fn)
		metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.StageAttempts.WithLabelValues(string(stage), "ok").Inc()
			return nil
		}

		entry := log.WithFields(logrus.Fields{"attempt": attempt, "error": err.Error()})
		if !types.IsTransient(err) || attempt >= e.opts.Policy.MaxAttempts {
			metrics.StageAttempts.WithLabelValues(string(stage), "fail").Inc()
			entry.Warn("stage failed")
			return backoff.Permanent(err)
		}
		metrics.StageAttempts.WithLabelValues(string(stage), "retry").Inc()
		entry.Info("transient failure, retrying stage")
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(e.opts.Policy.NewBackOff(), ctx))
	return classify(kind, err)
}

func (e *Executor) attempt(ctx context.Context, kind types.ErrorKind, timeout time.Duration, fn func(context.Context) error) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			e.log.WithFields(logrus.Fields{"panic": rec, "stack": string(debug.Stack())}).Error("stage panicked")
			err = &types.Error{Kind: kind, Subkind: types.SubkindPanic, Message: fmt.Sprintf("panic: %v", rec)}
		}
	}()
	return classify(kind, fn(ctx))
}

// classify leaves explicit classifications alone; deadlines and network
// errors become transient and everything else permanent.
func classify(kind types.ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := types.AsError(err); ok {
		return err
	}
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return types.Transient(kind, types.SubkindTimeout, err)
	case errors.Is(err, context.Canceled):
		return types.Permanent(kind, types.SubkindCanceled, err)
	case errors.As(err, &ne):
		if ne.Timeout() {
			return types.Transient(kind, types.SubkindTimeout, err)
		}
		return types.Transient(kind, types.SubkindUnavailable, err)
	}
	return types.Permanent(kind, "", err)
}

func progressError(kind types.ErrorKind, err error) error {
	return &types.Error{Kind: kind, Subkind: types.SubkindUnavailable, Message: "persist progress", Err: err}
}

func (e *Executor) fail(ctx context.Context, r *run, cause error) {
	task := r.snapshot()
	fallback, ok := stageKinds[task.Stage]
	if !ok {
		fallback = types.KindResolve
	}
	te := types.ToTaskError(cause, fallback)
	log := r.log.WithFields(logrus.Fields{"stage": task.Stage, "kind": te.Kind, "subkind": te.Subkind})

	err := r.save(ctx, func(t *types.Task) {
		t.State = types.StateFailed
		t.Result = nil
		t.Error = te
	})
	if errors.Is(err, taskstore.ErrConflict) {
		log.Warn("task no longer owned, not recording failure")
		return
	}
	if err != nil {
		log.WithField("error", err.Error()).Error("could not persist task failure")
	} else {
		metrics.TasksFinished.WithLabelValues(string(types.StateFailed), string(te.Kind)).Inc()
		log.WithField("error", te.Message).Warn("task failed")
	}

	if werr := e.d.Writer.MarkFailed(ctx, task.RowID, te.Message, e.d.Now()); werr != nil {
		log.WithField("error", werr.Error()).Warn("could not mark row failed")
	}
}

func (e *Executor) succeed(ctx context.Context, r *run, out *outcome) {
	res := &types.Result{
		TranscriptLength: out.summary.TranscriptLength,
		Language:         out.transcript.Language,
		Summary:          out.summary.Short(),
		ProcessedAt:      out.at,
	}
	err := r.save(ctx, func(t *types.Task) {
		t.State = types.StateSucceeded
		t.Result = res
		t.Error = nil
	})
	switch {
	case errors.Is(err, taskstore.ErrConflict):
		r.log.Warn("task no longer owned, result written to row but not recorded")
	case err != nil:
		r.log.WithField("error", err.Error()).Error("could not persist task success")
	default:
		metrics.TasksFinished.WithLabelValues(string(types.StateSucceeded), "").Inc()
		r.log.WithField("transcript_length", res.TranscriptLength).Info("task succeeded")
	}
}

// run is the in-flight state of one claimed task. Writes are serialised so
// the heartbeat and stage progress never race on the same snapshot.
type run struct {
	e    *Executor
	mu   sync.Mutex
	task *types.Task
	log  *logrus.Entry
}

func (r *run) snapshot() *types.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task.Clone()
}

func (r *run) save(ctx context.Context, mutate func(t *types.Task)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.task.Clone()
	if mutate != nil {
		mutate(next)
	}
	next.UpdatedAt = r.e.d.Now()
	if err := r.e.d.Store.CompareAndSet(ctx, next, types.StateRunning); err != nil {
		return err
	}
	r.task = next
	return nil
}

// heartbeat refreshes updated_at until stopped. Losing the record to the
// sweeper cancels the run.
func (r *run) heartbeat(ctx context.Context, every time.Duration, lost context.CancelFunc) (stop func()) {
	if every <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := r.save(ctx, nil)
				if errors.Is(err, taskstore.ErrConflict) {
					r.log.Warn("lease lost, cancelling run")
					lost()
					return
				}
				if err != nil && ctx.Err() == nil {
					r.log.WithField("error", err.Error()).Warn("heartbeat failed")
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
