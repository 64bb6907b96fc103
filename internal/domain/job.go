package domain

import "time"

// JobStatus enumerates batch job lifecycle states.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// GenerationRow is one prompt entry of a submitted batch. Rows are immutable
// once the batch has been accepted.
type GenerationRow struct {
	Prompt         string   `json:"prompt"`
	SourceImageRef string   `json:"source_image_ref,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

// GenerationResult records one successfully generated item.
type GenerationResult struct {
	ItemID    string `json:"item_id"`
	Prompt    string `json:"prompt"`
	OutputRef string `json:"output_ref"`
}

// Problem records one failed item. Problems are append-only; they carry the
// cost already incurred so spend stays reconcilable even on failure.
type Problem struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Detail       string  `json:"detail"`
	StatusCode   int     `json:"status_code,omitempty"`
	Retryable    bool    `json:"retryable"`
	CostIncurred float64 `json:"cost_incurred"`
}

// BatchJob encapsulates the lifecycle of one generation batch. It is created
// on submit and mutated only by the goroutine that owns its processing loop.
type BatchJob struct {
	ID             string
	Status         JobStatus
	Rows           []GenerationRow
	Variants       int
	StyleRefs      []string
	CompletedCount int
	TotalCount     int
	Results        []GenerationResult
	Problems       []Problem
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AdvanceTo applies a forward-only status transition. Moving out of a
// terminal state, or backwards, is rejected.
func (j *BatchJob) AdvanceTo(next JobStatus) error {
	if j.Status == next {
		return nil
	}
	switch {
	case j.Status == JobStatusPending && next == JobStatusRunning:
	case j.Status == JobStatusPending && next == JobStatusFailed:
	case j.Status == JobStatusRunning && next.Terminal():
	default:
		return ErrInvalidTransition
	}
	j.Status = next
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// Clone returns a deep copy so callers outside the owning goroutine can read
// job state without aliasing the mutable slices.
func (j *BatchJob) Clone() *BatchJob {
	if j == nil {
		return nil
	}
	dup := *j
	dup.Rows = append([]GenerationRow(nil), j.Rows...)
	dup.StyleRefs = append([]string(nil), j.StyleRefs...)
	dup.Results = append([]GenerationResult(nil), j.Results...)
	dup.Problems = append([]Problem(nil), j.Problems...)
	return &dup
}
