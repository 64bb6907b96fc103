package orchestrator

import (
	"context"
	"sync"

	"stylebatch/internal/domain"
)

// MemoryStore is the default in-memory job table. Mutations per job arrive
// from that job's single owner goroutine; the mutex only guards the map and
// cross-job reads from Poll/Fetch.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*domain.BatchJob
}

// NewMemoryStore creates an empty job table.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*domain.BatchJob)}
}

func (s *MemoryStore) Put(ctx context.Context, job *domain.BatchJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, jobID string) (*domain.BatchJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, jobID string, mutate func(*domain.BatchJob) error) (*domain.BatchJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if err := mutate(job); err != nil {
		return nil, err
	}
	return job.Clone(), nil
}

var _ domain.JobStore = (*MemoryStore)(nil)
