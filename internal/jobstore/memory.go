package jobstore

import (
	"context"
	"fmt"
	"sync"
)

// Memory is a process-local Store used by tests and ephemeral runs.
type Memory struct {
	mu   sync.Mutex
	recs map[string]Record
}

func NewMemory() *Memory {
	return &Memory{recs: map[string]Record{}}
}

func (m *Memory) Put(ctx context.Context, r Record) error {
	if err := validate(r); err != nil {
		return &StoreError{Op: "put", ID: r.ID, Err: err}
	}
	m.mu.Lock()
	m.recs[r.ID] = r
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	return r, ok, nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[id]; !ok {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	delete(m.recs, id)
	return nil
}

func (m *Memory) List(ctx context.Context) ([]Record, error) {
	m.mu.Lock()
	out := make([]Record, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r)
	}
	m.mu.Unlock()
	sortRecords(out)
	return out, nil
}

func (m *Memory) Update(ctx context.Context, id string, fn func(*Record) error) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.recs[id]
	if !ok {
		return Record{}, fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	next, err := applyUpdate(cur, fn)
	if err != nil {
		return Record{}, err
	}
	m.recs[id] = next
	return next, nil
}

func (m *Memory) Close() error { return nil }
