package taskstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"transcription-webhook-go/internal/types"
)

type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*types.Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*types.Task)}
}

func (s *MemoryStore) Create(_ context.Context, t *types.Task) error {
	if err := checkCreate(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return ErrExists
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) CompareAndSet(_ context.Context, t *types.Task, expected types.State) error {
	return s.swap(t, expected, time.Time{})
}

func (s *MemoryStore) ExpireStale(_ context.Context, t *types.Task, expected types.State, cutoff time.Time) error {
	return s.swap(t, expected, cutoff)
}

// swap replaces the record when it is in expected and, for a non-zero
// cutoff, was last updated before cutoff.
func (s *MemoryStore) swap(t *types.Task, expected types.State, cutoff time.Time) error {
	if err := checkTransition(t, expected); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.State != expected {
		return ErrConflict
	}
	if !cutoff.IsZero() && !cur.UpdatedAt.Before(cutoff) {
		return ErrConflict
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) ListStale(_ context.Context, state types.State, cutoff time.Time) ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Task
	for _, t := range s.tasks {
		if t.State == state && t.UpdatedAt.Before(cutoff) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
