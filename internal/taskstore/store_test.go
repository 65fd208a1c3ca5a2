package taskstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"transcription-webhook-go/internal/types"
)

func newTask(id string, at time.Time) *types.Task {
	return &types.Task{
		ID:        id,
		RowID:     "row-" + id,
		State:     types.StateQueued,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			dsn := fmt.Sprintf("file:tasks_%d?mode=memory&cache=shared", time.Now().UnixNano())
			s, err := OpenSQLite(context.Background(), dsn)
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
		"redis": func(t *testing.T) Store {
			mr, err := miniredis.Run()
			if err != nil {
				t.Fatalf("miniredis.Run: %v", err)
			}
			t.Cleanup(mr.Close)
			return NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
		},
		"postgres": func(t *testing.T) Store {
			dsn := os.Getenv("DATABASE_URL")
			if dsn == "" {
				t.Skip("DATABASE_URL not set, skipping postgres store test")
			}
			ctx := context.Background()
			s, err := OpenPostgres(ctx, dsn)
			if err != nil {
				t.Fatalf("open postgres: %v", err)
			}
			s.pool.Exec(ctx, "DELETE FROM transcription_tasks")
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestStore_Lifecycle(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)

			task := newTask("t1", now)
			if err := s.Create(ctx, task); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if err := s.Create(ctx, task); !errors.Is(err, ErrExists) {
				t.Fatalf("expected ErrExists, got %v", err)
			}

			running := task.Clone()
			running.State = types.StateRunning
			running.Stage = types.StageFetch
			running.AttemptCount = 1
			running.UpdatedAt = now.Add(time.Second)
			if err := s.CompareAndSet(ctx, running, types.StateQueued); err != nil {
				t.Fatalf("CAS queued->running: %v", err)
			}

			done := running.Clone()
			done.State = types.StateSucceeded
			done.Result = &types.Result{TranscriptLength: 42, Language: "en", Summary: "Topics: x", ProcessedAt: now}
			done.UpdatedAt = now.Add(2 * time.Second)
			if err := s.CompareAndSet(ctx, done, types.StateRunning); err != nil {
				t.Fatalf("CAS running->succeeded: %v", err)
			}

			got, err := s.Get(ctx, "t1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.State != types.StateSucceeded || got.Result == nil || got.Result.Language != "en" {
				t.Fatalf("unexpected record: %#v", got)
			}
			if got.Error != nil {
				t.Fatalf("succeeded task must not carry an error: %#v", got.Error)
			}
			if !got.CreatedAt.Equal(now) {
				t.Fatalf("created_at changed: %v vs %v", got.CreatedAt, now)
			}
		})
	}
}

func TestStore_TerminalIsFinal(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			now := time.Now().UTC()

			task := newTask("t2", now)
			if err := s.Create(ctx, task); err != nil {
				t.Fatalf("Create: %v", err)
			}
			failed := task.Clone()
			failed.State = types.StateFailed
			failed.Error = &types.TaskError{Kind: types.KindDispatch, Message: "queue down"}
			if err := s.CompareAndSet(ctx, failed, types.StateQueued); err != nil {
				t.Fatalf("CAS queued->failed: %v", err)
			}

			again := failed.Clone()
			again.State = types.StateRunning
			again.Error = nil
			if err := s.CompareAndSet(ctx, again, types.StateFailed); !errors.Is(err, ErrConflict) {
				t.Fatalf("expected ErrConflict leaving terminal state, got %v", err)
			}
			// stale expectation
			if err := s.CompareAndSet(ctx, again, types.StateQueued); !errors.Is(err, ErrConflict) {
				t.Fatalf("expected ErrConflict on stale state, got %v", err)
			}
			got, _ := s.Get(ctx, "t2")
			if got.State != types.StateFailed {
				t.Fatalf("terminal state was overwritten: %s", got.State)
			}
		})
	}
}

func TestStore_NotFound(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			task := newTask("missing", time.Now())
			task.State = types.StateRunning
			if err := s.CompareAndSet(ctx, task, types.StateQueued); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound on CAS, got %v", err)
			}
		})
	}
}

func TestStore_ExpireStaleLosesToHeartbeat(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)
			cutoff := now.Add(-time.Minute)

			task := newTask("t5", now.Add(-time.Hour))
			if err := s.Create(ctx, task); err != nil {
				t.Fatalf("Create: %v", err)
			}
			running := task.Clone()
			running.State = types.StateRunning
			if err := s.CompareAndSet(ctx, running, types.StateQueued); err != nil {
				t.Fatalf("claim: %v", err)
			}

			beat := running.Clone()
			beat.UpdatedAt = now
			if err := s.CompareAndSet(ctx, beat, types.StateRunning); err != nil {
				t.Fatalf("heartbeat: %v", err)
			}

			expired := running.Clone()
			expired.State = types.StateFailed
			expired.Error = &types.TaskError{Kind: types.KindWorkerLost, Subkind: types.SubkindLeaseExpired, Message: "lost"}
			expired.UpdatedAt = now.Add(time.Second)
			if err := s.ExpireStale(ctx, expired, types.StateRunning, cutoff); !errors.Is(err, ErrConflict) {
				t.Fatalf("expected ErrConflict after heartbeat, got %v", err)
			}
			if got, _ := s.Get(ctx, "t5"); got.State != types.StateRunning {
				t.Fatalf("heartbeated task was expired: %s", got.State)
			}

			// once the cutoff passes the last heartbeat the expiry applies
			if err := s.ExpireStale(ctx, expired, types.StateRunning, now.Add(time.Millisecond)); err != nil {
				t.Fatalf("ExpireStale: %v", err)
			}
			if got, _ := s.Get(ctx, "t5"); got.State != types.StateFailed {
				t.Fatalf("expected FAILED, got %s", got.State)
			}
			if err := s.ExpireStale(ctx, expired, types.StateRunning, now.Add(time.Hour)); !errors.Is(err, ErrConflict) {
				t.Fatalf("expected ErrConflict on finished task, got %v", err)
			}
		})
	}
}

func TestStore_RejectsInvalidRecords(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			now := time.Now()

			bad := newTask("t3", now)
			bad.State = types.StateRunning
			if err := s.Create(ctx, bad); err == nil {
				t.Fatal("expected error creating non-queued task")
			}

			task := newTask("t3", now)
			if err := s.Create(ctx, task); err != nil {
				t.Fatalf("Create: %v", err)
			}
			noMsg := task.Clone()
			noMsg.State = types.StateFailed
			noMsg.Error = &types.TaskError{Kind: types.KindDispatch}
			if err := s.CompareAndSet(ctx, noMsg, types.StateQueued); err == nil {
				t.Fatal("expected error for failed task without message")
			}
			skip := task.Clone()
			skip.State = types.StateSucceeded
			skip.Result = &types.Result{}
			if err := s.CompareAndSet(ctx, skip, types.StateQueued); !errors.Is(err, ErrConflict) {
				t.Fatalf("expected ErrConflict for queued->succeeded, got %v", err)
			}
		})
	}
}

func TestStore_ListStale(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			now := time.Now().UTC()

			for i, age := range []time.Duration{time.Hour, 2 * time.Minute, time.Second} {
				task := newTask(fmt.Sprintf("s%d", i), now.Add(-age))
				if err := s.Create(ctx, task); err != nil {
					t.Fatalf("Create: %v", err)
				}
				running := task.Clone()
				running.State = types.StateRunning
				if err := s.CompareAndSet(ctx, running, types.StateQueued); err != nil {
					t.Fatalf("CAS: %v", err)
				}
			}

			stale, err := s.ListStale(ctx, types.StateRunning, now.Add(-time.Minute))
			if err != nil {
				t.Fatalf("ListStale: %v", err)
			}
			if len(stale) != 2 {
				t.Fatalf("expected 2 stale tasks, got %d", len(stale))
			}
			if stale[0].ID != "s0" {
				t.Fatalf("expected oldest first, got %s", stale[0].ID)
			}
			queued, err := s.ListStale(ctx, types.StateQueued, now)
			if err != nil {
				t.Fatalf("ListStale queued: %v", err)
			}
			if len(queued) != 0 {
				t.Fatalf("expected no queued tasks, got %d", len(queued))
			}
		})
	}
}

func TestStore_ConcurrentCASHasOneWinner(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			task := newTask("race", time.Now())
			if err := s.Create(ctx, task); err != nil {
				t.Fatalf("Create: %v", err)
			}

			var wins int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					next := task.Clone()
					next.State = types.StateRunning
					if err := s.CompareAndSet(ctx, next, types.StateQueued); err == nil {
						atomic.AddInt32(&wins, 1)
					}
				}()
			}
			wg.Wait()
			if wins != 1 {
				t.Fatalf("expected exactly one winner, got %d", wins)
			}
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	task := newTask("copy", time.Now())
	if err := s.Create(ctx, task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	task.RowID = "mutated"
	got, _ := s.Get(ctx, "copy")
	if got.RowID != "row-copy" {
		t.Fatalf("store shares memory with caller: %s", got.RowID)
	}
	got.RowID = "mutated"
	again, _ := s.Get(ctx, "copy")
	if again.RowID != "row-copy" {
		t.Fatalf("Get returned shared pointer")
	}
}
