package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/seenimoa/autostock/pkg/models"
)

// Memory keeps runs in a map. Runs are copied in and out.
type Memory struct {
	mu   sync.RWMutex
	runs map[string]*models.Run
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{runs: make(map[string]*models.Run)}
}

func (m *Memory) Create(ctx context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, run.ID)
	}
	m.runs[run.ID] = clone(run)
	return nil
}

func (m *Memory) Update(ctx context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.runs[run.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, run.ID)
	}
	c := clone(run)
	c.CreatedAt = old.CreatedAt
	m.runs[run.ID] = c
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return clone(run), nil
}

func (m *Memory) List(ctx context.Context, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	m.mu.RLock()
	runs := make([]*models.Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, clone(r))
	}
	m.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		}
		return runs[i].ID < runs[j].ID
	})
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (m *Memory) Close() error { return nil }
