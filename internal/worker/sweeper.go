package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"transcription-webhook-go/internal/logger"
	"transcription-webhook-go/internal/metrics"
	"transcription-webhook-go/internal/taskstore"
	"transcription-webhook-go/internal/types"
)

// FailureMarker is the part of the record writer the sweeper needs.
type FailureMarker interface {
	MarkFailed(ctx context.Context, rowID, message string, at time.Time) error
}

// Sweeper fails RUNNING tasks whose owner stopped heartbeating.
type Sweeper struct {
	store  taskstore.Store
	marker FailureMarker
	lease  time.Duration
	now    func() time.Time
	log    *logger.Logger

	cron   *cron.Cron
	cancel context.CancelFunc
}

func NewSweeper(store taskstore.Store, marker FailureMarker, lease time.Duration, log *logger.Logger) *Sweeper {
	return &Sweeper{
		store:  store,
		marker: marker,
		lease:  lease,
		now:    func() time.Time { return time.Now().UTC() },
		log:    log.Component("sweeper"),
	}
}

// Sweep fails every RUNNING task not updated within the lease and returns
// how many it failed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	cutoff := now.Add(-s.lease)
	stale, err := s.store.ListStale(ctx, types.StateRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale tasks: %w", err)
	}

	swept := 0
	for _, t := range stale {
		next := t.Clone()
		next.State = types.StateFailed
		next.Result = nil
		next.Error = &types.TaskError{
			Kind:    types.KindWorkerLost,
			Subkind: types.SubkindLeaseExpired,
			Message: fmt.Sprintf("no progress since %s, worker presumed lost", t.UpdatedAt.Format(time.RFC3339)),
		}
		next.UpdatedAt = now

		log := s.log.WithTask(t)
		if err := s.store.ExpireStale(ctx, next, types.StateRunning, cutoff); err != nil {
			if errors.Is(err, taskstore.ErrConflict) {
				// finished or heartbeated since listing
				continue
			}
			log.WithField("error", err.Error()).Warn("could not fail stale task")
			continue
		}
		swept++
		metrics.TasksSwept.Inc()
		metrics.TasksFinished.WithLabelValues(string(types.StateFailed), string(types.KindWorkerLost)).Inc()
		log.WithField("stage", t.Stage).Warn("lease expired, task failed")

		if err := s.marker.MarkFailed(ctx, t.RowID, next.Error.Message, now); err != nil {
			log.WithField("error", err.Error()).Warn("could not mark row failed")
		}
	}
	return swept, nil
}

// Start runs Sweep on the given cron schedule, e.g. "@every 30s".
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	ctx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(s.log))))
	_, err := c.AddFunc(schedule, func() {
		n, err := s.Sweep(ctx)
		if err != nil {
			s.log.WithField("error", err.Error()).Error("sweep failed")
			return
		}
		if n > 0 {
			s.log.WithField("count", n).Info("swept abandoned tasks")
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	s.cron = c
	s.cancel = cancel
	c.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cancel()
}
