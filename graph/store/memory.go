package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type containerKey struct {
	application string
	id          int64
}

// MemStore is an in-memory implementation of Store.
//
// Designed for tests, development and single-process runs where the history
// does not need to survive the process. MemStore is thread-safe.
type MemStore struct {
	mu      sync.RWMutex
	records map[containerKey][]Record // sorted by Seq
}

// NewMemStore creates a new in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[containerKey][]Record)}
}

// SaveTransition implements Store.
func (m *MemStore) SaveTransition(_ context.Context, rec Record) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := containerKey{rec.Application, rec.ContainerID}
	recs := m.records[key]
	i := sort.Search(len(recs), func(i int) bool { return recs[i].Seq >= rec.Seq })
	if i < len(recs) && recs[i].Seq == rec.Seq {
		recs[i] = rec
		return nil
	}
	recs = append(recs, Record{})
	copy(recs[i+1:], recs[i:])
	recs[i] = rec
	m.records[key] = recs
	return nil
}

// LoadLatest implements Store.
func (m *MemStore) LoadLatest(_ context.Context, application string, containerID int64) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.records[containerKey{application, containerID}]
	if len(recs) == 0 {
		return Record{}, ErrNotFound
	}
	return recs[len(recs)-1], nil
}

// History implements Store.
func (m *MemStore) History(_ context.Context, application string, containerID int64) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.records[containerKey{application, containerID}]
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	out := make([]Record, len(recs))
	copy(out, recs)
	return out, nil
}

// Latest implements Store.
func (m *MemStore) Latest(_ context.Context, application string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Record{}
	for key, recs := range m.records {
		if key.application == application && len(recs) > 0 {
			out = append(out, recs[len(recs)-1])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContainerID < out[j].ContainerID })
	return out, nil
}
