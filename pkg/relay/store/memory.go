package store

import (
	"context"
	"fmt"
	"sync"
)

const defaultMemoryLimit = 1000

// Memory keeps the most recent call records in process. Oldest records are
// evicted once limit is reached.
type Memory struct {
	mu    sync.Mutex
	limit int
	calls map[string]CallRecord
	order []string
}

func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = defaultMemoryLimit
	}
	return &Memory{
		limit: limit,
		calls: make(map[string]CallRecord),
	}
}

func (m *Memory) SaveCall(ctx context.Context, rec CallRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ConnectionID == "" {
		return fmt.Errorf("connection id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calls[rec.ConnectionID]; !ok {
		m.order = append(m.order, rec.ConnectionID)
	}
	m.calls[rec.ConnectionID] = rec
	for len(m.order) > m.limit {
		delete(m.calls, m.order[0])
		m.order = m.order[1:]
	}
	return nil
}

func (m *Memory) Get(connectionID string) (CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[connectionID]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return rec, nil
}

// List returns records newest first.
func (m *Memory) List() []CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CallRecord, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		out = append(out, m.calls[m.order[i]])
	}
	return out
}

func (m *Memory) Close() error { return nil }
