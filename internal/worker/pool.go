package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"transcription-webhook-go/internal/logger"
	"transcription-webhook-go/internal/metrics"
	"transcription-webhook-go/internal/queue"
)

// Executor runs one task to completion. A returned error asks for the
// delivery to be handed back.
type Executor interface {
	Execute(ctx context.Context, taskID string) error
}

// Pool is a fixed set of goroutines pulling task ids from a queue.
type Pool struct {
	queue           queue.Queue
	exec            Executor
	concurrency     int
	shutdownTimeout time.Duration
	log             *logger.Logger

	mu          sync.Mutex
	started     bool
	wg          sync.WaitGroup
	stopPulling context.CancelFunc
	cancelRuns  context.CancelFunc
}

func NewPool(q queue.Queue, exec Executor, concurrency int, shutdownTimeout time.Duration, log *logger.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		queue:           q,
		exec:            exec,
		concurrency:     concurrency,
		shutdownTimeout: shutdownTimeout,
		log:             log.Component("worker"),
	}
}

// Start launches the workers. It returns immediately.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	pullCtx, stopPulling := context.WithCancel(ctx)
	// runs outlive the pull context so in-flight tasks can drain on Stop
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	p.stopPulling = stopPulling
	p.cancelRuns = cancelRuns

	p.log.WithField("concurrency", p.concurrency).Info("starting workers")
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.loop(pullCtx, runCtx, i)
	}
}

// Stop stops dequeuing and waits for in-flight tasks. Tasks still running
// after the shutdown timeout have their context cancelled, which ends them
// FAILED, and Stop waits for that too.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	p.mu.Unlock()

	p.stopPulling()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var timer <-chan time.Time
	if p.shutdownTimeout > 0 {
		t := time.NewTimer(p.shutdownTimeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-done:
		p.cancelRuns()
		p.log.Info("all workers finished")
		return nil
	case <-timer:
		p.log.WithField("timeout", p.shutdownTimeout.String()).Warn("shutdown timeout reached, cancelling in-flight tasks")
		p.cancelRuns()
		<-done
		return fmt.Errorf("workers did not drain within %s", p.shutdownTimeout)
	}
}

func (p *Pool) loop(pullCtx, runCtx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.WithField("worker", id)
	for {
		d, err := p.queue.Dequeue(pullCtx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || pullCtx.Err() != nil {
				return
			}
			log.WithField("error", err.Error()).Warn("dequeue failed")
			select {
			case <-pullCtx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.handle(runCtx, d)
	}
}

func (p *Pool) handle(ctx context.Context, d *queue.Delivery) {
	metrics.WorkersBusy.Inc()
	defer metrics.WorkersBusy.Dec()
	log := p.log.WithField("task_id", d.TaskID)

	defer func() {
		if rec := recover(); rec != nil {
			log.WithField("panic", rec).Error("executor panicked, handing task back")
			if err := d.Nack(fmt.Errorf("panic: %v", rec)); err != nil {
				log.WithField("error", err.Error()).Warn("nack failed")
			}
		}
	}()

	if err := p.exec.Execute(ctx, d.TaskID); err != nil {
		log.WithField("error", err.Error()).Warn("task not settled, handing it back")
		if nerr := d.Nack(err); nerr != nil {
			log.WithField("error", nerr.Error()).Warn("nack failed")
		}
		return
	}
	if err := d.Ack(); err != nil {
		log.WithField("error", err.Error()).Warn("ack failed")
	}
}
