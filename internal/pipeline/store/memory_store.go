// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"sync"
	"time"

	"github.com/ManuGH/mediaforge/internal/pipeline/model"
)

// MemoryStore is an in-memory StateStore intended for tests and local iteration.
// Not durable; not suitable for production.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*model.MediaJob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*model.MediaJob)}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) CreateJob(_ context.Context, j *model.MediaJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return ErrExists
	}
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*model.MediaJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, id string, fn func(*model.MediaJob) error) (*model.MediaJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAtUnix = time.Now().Unix()
	m.jobs[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*model.MediaJob, error) {
	m.mu.RLock()
	out := make([]*model.MediaJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		if filter.match(j) {
			out = append(out, j.Clone())
		}
	}
	m.mu.RUnlock()
	return sortJobs(out, filter.Limit), nil
}

func (m *MemoryStore) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.jobs, id)
	m.mu.Unlock()
	return nil
}
