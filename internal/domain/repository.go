package domain

import "context"

// JobStore defines persistence for batch jobs. The in-memory store is the
// default; a durable backend can be swapped in without touching the
// orchestration logic. All mutations to one job flow through Update from the
// single goroutine that owns that job's processing loop.
type JobStore interface {
	Put(ctx context.Context, job *BatchJob) error
	Get(ctx context.Context, jobID string) (*BatchJob, error)
	Update(ctx context.Context, jobID string, mutate func(*BatchJob) error) (*BatchJob, error)
}
