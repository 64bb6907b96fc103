package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"stylebatch/internal/domain"
)

const qInsertJob = `
insert into batch_jobs (id, status, rows_json, variants, style_refs, completed_count, total_count, results_json, problems_json, created_at, updated_at)
values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

const qSelectJob = `
select id, status, rows_json, variants, style_refs, completed_count, total_count, results_json, problems_json, created_at, updated_at
from batch_jobs
where id = $1`

const qSelectJobForUpdate = qSelectJob + `
for update`

const qUpdateJob = `
update batch_jobs
set status = $2,
    completed_count = $3,
    results_json = $4,
    problems_json = $5,
    updated_at = $6
where id = $1`

const qClaimPendingJob = `
with next_job as (
    select id
    from batch_jobs
    where status = 'pending'
    order by created_at asc
    for update skip locked
    limit 1
)
update batch_jobs
set status = 'running', updated_at = now()
from next_job
where batch_jobs.id = next_job.id
returning batch_jobs.id`

// PGStore persists jobs in Postgres. Row and outcome payloads live in jsonb
// columns; Update reads the row under FOR UPDATE so concurrent workers never
// lose an append.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps an existing connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Put(ctx context.Context, job *domain.BatchJob) error {
	rowsJSON, resultsJSON, problemsJSON, err := marshalJobPayloads(job)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, qInsertJob,
		job.ID, string(job.Status), rowsJSON, job.Variants, job.StyleRefs,
		job.CompletedCount, job.TotalCount, resultsJSON, problemsJSON,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, jobID string) (*domain.BatchJob, error) {
	return scanJob(s.pool.QueryRow(ctx, qSelectJob, jobID))
}

func (s *PGStore) Update(ctx context.Context, jobID string, mutate func(*domain.BatchJob) error) (*domain.BatchJob, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update for job %s: %w", jobID, err)
	}
	defer tx.Rollback(ctx)

	job, err := scanJob(tx.QueryRow(ctx, qSelectJobForUpdate, jobID))
	if err != nil {
		return nil, err
	}
	if err := mutate(job); err != nil {
		return nil, err
	}
	job.UpdatedAt = time.Now().UTC()

	_, resultsJSON, problemsJSON, err := marshalJobPayloads(job)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, qUpdateJob,
		job.ID, string(job.Status), job.CompletedCount, resultsJSON, problemsJSON, job.UpdatedAt); err != nil {
		return nil, fmt.Errorf("update job %s: %w", jobID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update for job %s: %w", jobID, err)
	}
	return job, nil
}

// ClaimPending atomically flips the oldest pending job to running and returns
// its id. Returns ErrNotFound when no pending work exists.
func (s *PGStore) ClaimPending(ctx context.Context) (string, error) {
	var jobID string
	err := s.pool.QueryRow(ctx, qClaimPendingJob).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("claim pending job: %w", err)
	}
	return jobID, nil
}

func marshalJobPayloads(job *domain.BatchJob) (rowsJSON, resultsJSON, problemsJSON []byte, err error) {
	if rowsJSON, err = json.Marshal(job.Rows); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal rows for job %s: %w", job.ID, err)
	}
	if resultsJSON, err = json.Marshal(job.Results); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal results for job %s: %w", job.ID, err)
	}
	if problemsJSON, err = json.Marshal(job.Problems); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal problems for job %s: %w", job.ID, err)
	}
	return rowsJSON, resultsJSON, problemsJSON, nil
}

func scanJob(row pgx.Row) (*domain.BatchJob, error) {
	var (
		job          domain.BatchJob
		status       string
		rowsJSON     []byte
		resultsJSON  []byte
		problemsJSON []byte
	)
	err := row.Scan(&job.ID, &status, &rowsJSON, &job.Variants, &job.StyleRefs,
		&job.CompletedCount, &job.TotalCount, &resultsJSON, &problemsJSON,
		&job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Status = domain.JobStatus(status)
	if err := json.Unmarshal(rowsJSON, &job.Rows); err != nil {
		return nil, fmt.Errorf("decode rows for job %s: %w", job.ID, err)
	}
	if err := json.Unmarshal(resultsJSON, &job.Results); err != nil {
		return nil, fmt.Errorf("decode results for job %s: %w", job.ID, err)
	}
	if err := json.Unmarshal(problemsJSON, &job.Problems); err != nil {
		return nil, fmt.Errorf("decode problems for job %s: %w", job.ID, err)
	}
	return &job, nil
}

var _ domain.JobStore = (*PGStore)(nil)
