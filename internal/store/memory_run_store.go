package store

import (
	"context"
	"sync"
	"time"

	"github.com/dunamismax/metricflow/internal/domain"
)

type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]domain.Run
}

func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs: make(map[string]domain.Run),
	}
}

func (s *MemoryRunStore) Create(_ context.Context, run domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryRunStore) Get(_ context.Context, id string) (domain.Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	return run, ok, nil
}

func (s *MemoryRunStore) UpdateStatus(_ context.Context, id, status string) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return domain.Run{}, ErrRunNotFound
	}

	run.Status = status
	run.UpdatedAt = time.Now().UTC()
	s.runs[id] = run
	return run, nil
}

func (s *MemoryRunStore) Save(_ context.Context, run domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	run.UpdatedAt = time.Now().UTC()
	s.runs[run.ID] = run
	return nil
}
