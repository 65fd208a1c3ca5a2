package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"transcription-webhook-go/internal/types"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS transcription_tasks (
    id          TEXT        PRIMARY KEY,
    row_id      TEXT        NOT NULL,
    state       TEXT        NOT NULL,
    data        JSONB       NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS transcription_tasks_state_updated
    ON transcription_tasks (state, updated_at);
`

type PGStore struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewPGStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *PGStore) Create(ctx context.Context, t *types.Task) error {
	if err := checkCreate(t); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO transcription_tasks (id, row_id, state, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, t.RowID, string(t.State), data, t.CreatedAt.UTC(), t.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExists
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (*types.Task, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM transcription_tasks WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}
	return decodeTask(data)
}

func (s *PGStore) CompareAndSet(ctx context.Context, t *types.Task, expected types.State) error {
	return s.update(ctx, t, expected, time.Time{})
}

func (s *PGStore) ExpireStale(ctx context.Context, t *types.Task, expected types.State, cutoff time.Time) error {
	return s.update(ctx, t, expected, cutoff)
}

// update rewrites the row in expected state; a non-zero cutoff also requires
// updated_at < cutoff.
func (s *PGStore) update(ctx context.Context, t *types.Task, expected types.State, cutoff time.Time) error {
	if err := checkTransition(t, expected); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	query := `
		UPDATE transcription_tasks
		SET state = $1, data = $2, updated_at = $3
		WHERE id = $4 AND state = $5`
	args := []any{string(t.State), data, t.UpdatedAt.UTC(), t.ID, string(expected)}
	if !cutoff.IsZero() {
		query += ` AND updated_at < $6`
		args = append(args, cutoff.UTC())
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transcription_tasks WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (s *PGStore) ListStale(ctx context.Context, state types.State, cutoff time.Time) ([]*types.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT data FROM transcription_tasks
		WHERE state = $1 AND updated_at < $2
		ORDER BY updated_at`, string(state), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stale: %w", err)
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		t, err := decodeTask(data)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}
