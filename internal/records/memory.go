package records

import (
	"context"
	"sync"

	"transcription-webhook-go/internal/types"
)

// MemoryStore keeps rows in process. Used by tests and local demos.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]Row
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Row)}
}

// Put inserts or replaces a row.
func (m *MemoryStore) Put(rowID string, row Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(Row, len(row))
	for k, v := range row {
		cp[k] = v
	}
	m.rows[rowID] = cp
}

func (m *MemoryStore) GetRow(_ context.Context, rowID string) (Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[rowID]
	if !ok {
		return nil, rowNotFound(types.KindResolve, rowID)
	}
	cp := make(Row, len(row))
	for k, v := range row {
		cp[k] = v
	}
	return cp, nil
}

func (m *MemoryStore) UpdateRow(_ context.Context, rowID string, cells Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[rowID]
	if !ok {
		return rowNotFound(types.KindWriteBack, rowID)
	}
	for k, v := range cells {
		row[k] = v
	}
	return nil
}
