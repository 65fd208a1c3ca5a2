package taskstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"transcription-webhook-go/internal/types"
)

var (
	ErrNotFound = errors.New("task not found")
	// ErrConflict means the stored state no longer matches the expected one.
	ErrConflict = errors.New("task state conflict")
	ErrExists   = errors.New("task already exists")
)

// Store persists task records. Implementations must be safe for concurrent use
// and must return copies, never shared pointers.
type Store interface {
	Create(ctx context.Context, t *types.Task) error
	Get(ctx context.Context, id string) (*types.Task, error)
	// CompareAndSet replaces the stored record with t only if the stored state
	// equals expected and expected -> t.State is an allowed transition.
	CompareAndSet(ctx context.Context, t *types.Task, expected types.State) error
	// ExpireStale is CompareAndSet that additionally requires the stored
	// UpdatedAt to be before cutoff, so a heartbeat that lands after a
	// ListStale wins over the expiry.
	ExpireStale(ctx context.Context, t *types.Task, expected types.State, cutoff time.Time) error
	// ListStale returns tasks in state whose UpdatedAt is before cutoff.
	ListStale(ctx context.Context, state types.State, cutoff time.Time) ([]*types.Task, error)
	Close() error
}

func checkCreate(t *types.Task) error {
	if t == nil {
		return errors.New("nil task")
	}
	if t.State != types.StateQueued {
		return fmt.Errorf("new task must be %s, got %s", types.StateQueued, t.State)
	}
	return t.Validate()
}

func checkTransition(t *types.Task, expected types.State) error {
	if t == nil {
		return errors.New("nil task")
	}
	if !types.CanTransition(expected, t.State) {
		return fmt.Errorf("%w: %s -> %s not allowed", ErrConflict, expected, t.State)
	}
	return t.Validate()
}
