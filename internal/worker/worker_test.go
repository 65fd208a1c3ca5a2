package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"transcription-webhook-go/internal/config"
	"transcription-webhook-go/internal/logger"
	"transcription-webhook-go/internal/queue"
	"transcription-webhook-go/internal/records"
	"transcription-webhook-go/internal/taskstore"
	"transcription-webhook-go/internal/types"
)

type execFunc func(ctx context.Context, taskID string) error

func (f execFunc) Execute(ctx context.Context, taskID string) error { return f(ctx, taskID) }

func pollUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestPool_ProcessesAllTasks(t *testing.T) {
	q := queue.NewMemoryQueue()
	var mu sync.Mutex
	seen := map[string]int{}
	pool := NewPool(q, execFunc(func(_ context.Context, id string) error {
		mu.Lock()
		seen[id]++
		mu.Unlock()
		return nil
	}), 3, time.Second, logger.Discard())

	pool.Start(context.Background())
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		if err := q.Enqueue(context.Background(), id); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	pollUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	})
	if err := pool.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("task %s executed %d times", id, n)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("acked tasks should leave the queue, %d left", q.Len())
	}
}

func TestPool_ErrorHandsDeliveryBack(t *testing.T) {
	q := queue.NewMemoryQueue()
	var calls int32
	pool := NewPool(q, execFunc(func(context.Context, string) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("store unavailable")
		}
		return nil
	}), 1, time.Second, logger.Discard())

	pool.Start(context.Background())
	_ = q.Enqueue(context.Background(), "a")

	pollUntil(t, 2*time.Second, func() bool { return atomic.LoadInt32(&calls) == 2 })
	if err := pool.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestPool_PanicDoesNotKillWorker(t *testing.T) {
	q := queue.NewMemoryQueue()
	var panicked, done int32
	pool := NewPool(q, execFunc(func(_ context.Context, id string) error {
		if id == "boom" && atomic.AddInt32(&panicked, 1) == 1 {
			panic("executor bug")
		}
		atomic.AddInt32(&done, 1)
		return nil
	}), 1, time.Second, logger.Discard())

	pool.Start(context.Background())
	_ = q.Enqueue(context.Background(), "boom")
	_ = q.Enqueue(context.Background(), "fine")

	// the panicking delivery is handed back and succeeds on redelivery
	pollUntil(t, 2*time.Second, func() bool { return atomic.LoadInt32(&done) == 2 })
	if err := pool.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestPool_StopDrainsInFlight(t *testing.T) {
	q := queue.NewMemoryQueue()
	started := make(chan struct{})
	var finished int32
	pool := NewPool(q, execFunc(func(ctx context.Context, _ string) error {
		close(started)
		select {
		case <-time.After(50 * time.Millisecond):
			atomic.StoreInt32(&finished, 1)
		case <-ctx.Done():
		}
		return nil
	}), 1, time.Second, logger.Discard())

	pool.Start(context.Background())
	_ = q.Enqueue(context.Background(), "a")
	<-started

	if err := pool.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if atomic.LoadInt32(&finished) != 1 {
		t.Fatalf("in-flight task should finish before Stop returns")
	}
}

func TestPool_StopCancelsAfterTimeout(t *testing.T) {
	q := queue.NewMemoryQueue()
	started := make(chan struct{})
	var cancelled int32
	pool := NewPool(q, execFunc(func(ctx context.Context, _ string) error {
		close(started)
		<-ctx.Done()
		atomic.StoreInt32(&cancelled, 1)
		return nil
	}), 1, 20*time.Millisecond, logger.Discard())

	pool.Start(context.Background())
	_ = q.Enqueue(context.Background(), "a")
	<-started

	if err := pool.Stop(); err == nil {
		t.Fatalf("expected a drain timeout error")
	}
	if atomic.LoadInt32(&cancelled) != 1 {
		t.Fatalf("in-flight task should see its context cancelled")
	}
}

var testColumns = config.Columns{
	AudioURL:      "Audio URL",
	Status:        "Status",
	Transcript:    "Transcript",
	Summary:       "Summary",
	ProcessedDate: "Processed Date",
}

func TestSweeper_FailsOnlyStaleRunningTasks(t *testing.T) {
	ctx := context.Background()
	store := taskstore.NewMemoryStore()
	rows := records.NewMemoryStore()
	rows.Put("r-stale", records.Row{})
	rows.Put("r-fresh", records.Row{})

	now := time.Now().UTC()
	mk := func(id, row string, state types.State, updated time.Time) {
		task := &types.Task{ID: id, RowID: row, State: types.StateQueued, CreatedAt: updated, UpdatedAt: updated}
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create: %v", err)
		}
		if state == types.StateRunning {
			task.State = types.StateRunning
			task.Stage = types.StageTranscribe
			if err := store.CompareAndSet(ctx, task, types.StateQueued); err != nil {
				t.Fatalf("claim: %v", err)
			}
		}
	}
	mk("stale", "r-stale", types.StateRunning, now.Add(-time.Hour))
	mk("fresh", "r-fresh", types.StateRunning, now)
	mk("queued", "r-fresh", types.StateQueued, now.Add(-time.Hour))

	s := NewSweeper(store, records.NewWriter(rows, testColumns, logger.Discard()), 15*time.Minute, logger.Discard())
	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept task, got %d", n)
	}

	stale, _ := store.Get(ctx, "stale")
	if stale.State != types.StateFailed || stale.Error == nil ||
		stale.Error.Kind != types.KindWorkerLost || stale.Error.Subkind != types.SubkindLeaseExpired {
		t.Fatalf("stale task not failed correctly: %+v", stale)
	}
	if fresh, _ := store.Get(ctx, "fresh"); fresh.State != types.StateRunning {
		t.Fatalf("fresh task should keep running, got %s", fresh.State)
	}
	if queued, _ := store.Get(ctx, "queued"); queued.State != types.StateQueued {
		t.Fatalf("queued task should be untouched, got %s", queued.State)
	}

	row, _ := rows.GetRow(ctx, "r-stale")
	if row["Status"] != records.StatusFailed {
		t.Fatalf("stale row not marked failed: %v", row)
	}

	if n, _ := s.Sweep(ctx); n != 0 {
		t.Fatalf("second sweep should find nothing, got %d", n)
	}
}

// heartbeatAfterList lets a live worker heartbeat right after the sweeper
// has listed its task as stale.
type heartbeatAfterList struct {
	*taskstore.MemoryStore
	t *testing.T
}

func (s heartbeatAfterList) ListStale(ctx context.Context, state types.State, cutoff time.Time) ([]*types.Task, error) {
	stale, err := s.MemoryStore.ListStale(ctx, state, cutoff)
	for _, task := range stale {
		beat := task.Clone()
		beat.UpdatedAt = time.Now().UTC()
		if err := s.MemoryStore.CompareAndSet(ctx, beat, types.StateRunning); err != nil {
			s.t.Fatalf("heartbeat: %v", err)
		}
	}
	return stale, err
}

func TestSweeper_HeartbeatAfterListWins(t *testing.T) {
	ctx := context.Background()
	store := heartbeatAfterList{MemoryStore: taskstore.NewMemoryStore(), t: t}
	rows := records.NewMemoryStore()
	rows.Put("r1", records.Row{})

	old := time.Now().UTC().Add(-time.Hour)
	task := &types.Task{ID: "live", RowID: "r1", State: types.StateQueued, CreatedAt: old, UpdatedAt: old}
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	task.State = types.StateRunning
	task.Stage = types.StageFetch
	if err := store.CompareAndSet(ctx, task, types.StateQueued); err != nil {
		t.Fatalf("claim: %v", err)
	}

	s := NewSweeper(store, records.NewWriter(rows, testColumns, logger.Discard()), 15*time.Minute, logger.Discard())
	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("heartbeated task must not be swept, swept %d", n)
	}
	got, _ := store.Get(ctx, "live")
	if got.State != types.StateRunning || got.Error != nil {
		t.Fatalf("live task was failed: %+v", got)
	}
	if row, _ := rows.GetRow(ctx, "r1"); row["Status"] != "" {
		t.Fatalf("row of a live task must not be marked: %v", row)
	}
}

func TestSweeper_InvalidSchedule(t *testing.T) {
	s := NewSweeper(taskstore.NewMemoryStore(), records.NewWriter(records.NewMemoryStore(), testColumns, logger.Discard()), time.Minute, logger.Discard())
	if err := s.Start(context.Background(), "every now and then"); err == nil {
		t.Fatalf("expected schedule parse error")
	}
	s.Stop()

	if err := s.Start(context.Background(), "@every 1h"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
}
