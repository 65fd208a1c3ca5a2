package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"transcription-webhook-go/internal/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT    PRIMARY KEY,
    row_id      TEXT    NOT NULL,
    state       TEXT    NOT NULL,
    data        TEXT    NOT NULL,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_state_updated ON tasks (state, updated_at);
`

// SQLStore keeps each task as a JSON document next to the columns the store
// filters on. Timestamps are stored as unix nanoseconds.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLite opens (and creates) a sqlite database at path. A DSN starting
// with "file:" is passed through untouched.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	dsn := path
	if len(path) < 5 || path[:5] != "file:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	s := NewSQLStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, t *types.Task) error {
	if err := checkCreate(t); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, row_id, state, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		t.ID, t.RowID, string(t.State), string(data), t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExists
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*types.Task, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM tasks WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}
	return decodeTask([]byte(data))
}

func (s *SQLStore) CompareAndSet(ctx context.Context, t *types.Task, expected types.State) error {
	return s.update(ctx, t, expected, time.Time{})
}

func (s *SQLStore) ExpireStale(ctx context.Context, t *types.Task, expected types.State, cutoff time.Time) error {
	return s.update(ctx, t, expected, cutoff)
}

func (s *SQLStore) update(ctx context.Context, t *types.Task, expected types.State, cutoff time.Time) error {
	if err := checkTransition(t, expected); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	query := `UPDATE tasks SET state = ?, data = ?, updated_at = ? WHERE id = ? AND state = ?`
	args := []any{string(t.State), string(data), t.UpdatedAt.UnixNano(), t.ID, string(expected)}
	if !cutoff.IsZero() {
		query += ` AND updated_at < ?`
		args = append(args, cutoff.UnixNano())
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, t.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

func (s *SQLStore) ListStale(ctx context.Context, state types.State, cutoff time.Time) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM tasks WHERE state = ? AND updated_at < ? ORDER BY updated_at`,
		string(state), cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list stale: %w", err)
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		t, err := decodeTask([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error { return s.db.Close() }

func decodeTask(data []byte) (*types.Task, error) {
	var t types.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}
