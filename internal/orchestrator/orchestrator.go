// Package orchestrator runs the asynchronous batch lifecycle: accept a
// validated batch, fan row×variant items across a bounded worker pool, guard
// and persist outputs, and aggregate partial failures into the job record.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"stylebatch/internal/domain"
	"stylebatch/internal/guard"
	"stylebatch/internal/providers/image"
	"stylebatch/internal/retry"
	"stylebatch/internal/storage"
)

// Problem titles, one per failure class.
const (
	problemProviderFailure = "provider_failure"
	problemGuardRejection  = "style_guard_rejection"
	problemStorageFailure  = "storage_failure"
	problemStyleRefInvalid = "style_reference_invalid"
	problemInternal        = "internal_error"
)

const maxVariants = 3

// Options tunes batch processing.
type Options struct {
	Provider    string
	NoFallback  bool
	Concurrency int
	ItemTimeout time.Duration
	Retry       retry.Options
	Guard       guard.Config
}

// Orchestrator owns all running jobs of this process. Each accepted job gets
// a single owner goroutine; workers report item outcomes back to the owner,
// which is the only writer of the job record.
type Orchestrator struct {
	store    domain.JobStore
	selector *image.Selector
	files    *storage.FileStore
	opts     Options
	logger   zerolog.Logger

	mu       sync.Mutex
	controls map[string]*jobControl
}

type jobControl struct {
	canceled atomic.Bool
}

// SubmitReceipt acknowledges an accepted batch.
type SubmitReceipt struct {
	JobID     string `json:"job_id"`
	ItemCount int    `json:"item_count"`
}

// PollStatus is a point-in-time view of a job's progress.
type PollStatus struct {
	JobID          string           `json:"job_id"`
	Status         domain.JobStatus `json:"status"`
	CompletedCount int              `json:"completed_count"`
	TotalCount     int              `json:"total_count"`
	Problems       []domain.Problem `json:"problems,omitempty"`
}

// FetchResult holds the final outcome of a terminal job.
type FetchResult struct {
	JobID    string                    `json:"job_id"`
	Status   domain.JobStatus          `json:"status"`
	Results  []domain.GenerationResult `json:"results"`
	Problems []domain.Problem          `json:"problems,omitempty"`
}

// Cancel outcomes. Canceling a terminal or unknown job is benign.
const (
	CancelAccepted = "canceled"
	CancelNotFound = "not_found"
)

// New wires an orchestrator over a job store, provider selector and output
// file store.
func New(store domain.JobStore, selector *image.Selector, files *storage.FileStore, opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = 90 * time.Second
	}
	return &Orchestrator{
		store:    store,
		selector: selector,
		files:    files,
		opts:     opts,
		logger:   logger,
		controls: make(map[string]*jobControl),
	}
}

// Submit validates a batch, selects a provider, persists the pending job and
// starts its owner goroutine. Validation and provider selection failures are
// returned synchronously; everything after acceptance surfaces through the
// job record.
func (o *Orchestrator) Submit(ctx context.Context, rows []domain.GenerationRow, variants int, styleRefs []string) (SubmitReceipt, error) {
	if variants < 1 || variants > maxVariants {
		return SubmitReceipt{}, fmt.Errorf("variants %d: %w", variants, domain.ErrInvalidVariants)
	}
	if len(rows) == 0 {
		return SubmitReceipt{}, fmt.Errorf("empty batch: %w", domain.ErrInvalidRow)
	}
	for i, row := range rows {
		if strings.TrimSpace(row.Prompt) == "" {
			return SubmitReceipt{}, fmt.Errorf("row %d has empty prompt: %w", i, domain.ErrInvalidRow)
		}
	}
	for _, ref := range styleRefs {
		if _, err := os.Stat(ref); err != nil {
			return SubmitReceipt{}, fmt.Errorf("style reference %s: %w", ref, domain.ErrInvalidRow)
		}
	}

	handle, err := o.selector.Select(ctx, o.opts.Provider, o.opts.NoFallback)
	if err != nil {
		return SubmitReceipt{}, err
	}

	now := time.Now().UTC()
	job := &domain.BatchJob{
		ID:         uuid.NewString(),
		Status:     domain.JobStatusPending,
		Rows:       rows,
		Variants:   variants,
		StyleRefs:  append([]string(nil), styleRefs...),
		TotalCount: len(rows) * variants,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.store.Put(ctx, job); err != nil {
		return SubmitReceipt{}, err
	}

	ctrl := o.register(job.ID)
	go o.process(job.ID, handle, ctrl, false)

	o.logger.Info().
		Str("job_id", job.ID).
		Int("rows", len(rows)).
		Int("variants", variants).
		Str("provider", string(handle.Kind)).
		Msg("batch accepted")
	return SubmitReceipt{JobID: job.ID, ItemCount: job.TotalCount}, nil
}

// Poll returns the current status of a job.
func (o *Orchestrator) Poll(ctx context.Context, jobID string) (PollStatus, error) {
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return PollStatus{}, err
	}
	return PollStatus{
		JobID:          job.ID,
		Status:         job.Status,
		CompletedCount: job.CompletedCount,
		TotalCount:     job.TotalCount,
		Problems:       job.Problems,
	}, nil
}

// Fetch returns the results of a terminal job. Fetching a job still in
// flight is a conflict.
func (o *Orchestrator) Fetch(ctx context.Context, jobID string) (FetchResult, error) {
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return FetchResult{}, err
	}
	if !job.Status.Terminal() {
		return FetchResult{}, fmt.Errorf("job %s is %s: %w", jobID, job.Status, domain.ErrConflict)
	}
	return FetchResult{
		JobID:    job.ID,
		Status:   job.Status,
		Results:  job.Results,
		Problems: job.Problems,
	}, nil
}

// Cancel requests cooperative cancellation. In-flight items run to
// completion; no new item starts once the owner goroutine observes the flag.
// Terminal and unknown jobs report not_found, and repeated cancels are safe.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (string, error) {
	job, err := o.store.Get(ctx, jobID)
	if errors.Is(err, domain.ErrNotFound) {
		return CancelNotFound, nil
	}
	if err != nil {
		return "", err
	}
	if job.Status.Terminal() {
		return CancelNotFound, nil
	}
	o.mu.Lock()
	ctrl := o.controls[jobID]
	o.mu.Unlock()
	if ctrl == nil {
		return CancelNotFound, nil
	}
	ctrl.canceled.Store(true)
	o.logger.Info().Str("job_id", jobID).Msg("cancellation requested")
	return CancelAccepted, nil
}

// Resume picks up a claimed pending job, re-selects a provider and runs its
// processing loop synchronously. Used by the worker binary after ClaimPending.
func (o *Orchestrator) Resume(ctx context.Context, jobID string) error {
	if _, err := o.store.Get(ctx, jobID); err != nil {
		return err
	}
	handle, err := o.selector.Select(ctx, o.opts.Provider, o.opts.NoFallback)
	if err != nil {
		return err
	}
	ctrl := o.register(jobID)
	o.process(jobID, handle, ctrl, true)
	return nil
}

func (o *Orchestrator) register(jobID string) *jobControl {
	ctrl := &jobControl{}
	o.mu.Lock()
	o.controls[jobID] = ctrl
	o.mu.Unlock()
	return ctrl
}

func (o *Orchestrator) unregister(jobID string) {
	o.mu.Lock()
	delete(o.controls, jobID)
	o.mu.Unlock()
}

type workItem struct {
	index   int
	rowIdx  int
	variant int
	row     domain.GenerationRow
}

type itemOutcome struct {
	index   int
	result  *domain.GenerationResult
	problem *domain.Problem
}

// process is the owner goroutine of one job. It is the only writer of the
// job record while the job runs. Ownership is taken by the pending→running
// transition: exactly one loop wins it, so a job enqueued in Postgres is
// processed either here or by a worker that claimed it first, never both.
// A claimed job (ClaimPending already flipped it to running) skips the
// transition but must still be running.
func (o *Orchestrator) process(jobID string, handle image.Handle, ctrl *jobControl, claimed bool) {
	ctx := context.Background()
	log := o.logger.With().Str("job_id", jobID).Logger()
	defer o.unregister(jobID)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("job processing panicked")
			o.finalize(ctx, jobID, domain.JobStatusFailed, &domain.Problem{
				ID:     uuid.NewString(),
				Title:  problemInternal,
				Detail: fmt.Sprintf("processing panicked: %v", r),
			})
		}
	}()

	job, err := o.store.Update(ctx, jobID, func(j *domain.BatchJob) error {
		if claimed {
			if j.Status != domain.JobStatusRunning {
				return fmt.Errorf("job %s is %s, not claimed: %w", jobID, j.Status, domain.ErrConflict)
			}
			return nil
		}
		if j.Status != domain.JobStatusPending {
			return fmt.Errorf("job %s already %s: %w", jobID, j.Status, domain.ErrConflict)
		}
		return j.AdvanceTo(domain.JobStatusRunning)
	})
	if errors.Is(err, domain.ErrConflict) {
		log.Info().Err(err).Msg("job taken by another owner, skipping")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("could not mark job running")
		return
	}

	refs, refBytes, err := o.loadStyleRefs(ctx, job.StyleRefs)
	if err != nil {
		log.Error().Err(err).Msg("style references unreadable")
		o.finalize(ctx, jobID, domain.JobStatusFailed, &domain.Problem{
			ID:     uuid.NewString(),
			Title:  problemStyleRefInvalid,
			Detail: err.Error(),
		})
		return
	}

	items := buildItems(job)
	outcomes := make(chan itemOutcome, len(items))

	var pool errgroup.Group
	pool.SetLimit(poolSize(len(items), o.opts.Concurrency))

	launched := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, it := range items {
			if ctrl.canceled.Load() {
				break
			}
			it := it
			launched++
			pool.Go(func() error {
				outcomes <- o.runItem(ctx, jobID, handle, it, refs, refBytes, log)
				return nil
			})
		}
		pool.Wait()
		close(outcomes)
	}()

	for outcome := range outcomes {
		outcome := outcome
		if _, err := o.store.Update(ctx, jobID, func(j *domain.BatchJob) error {
			if outcome.result != nil {
				j.Results = append(j.Results, *outcome.result)
			}
			if outcome.problem != nil {
				j.Problems = append(j.Problems, *outcome.problem)
			}
			j.CompletedCount++
			return nil
		}); err != nil {
			log.Error().Err(err).Int("item", outcome.index).Msg("could not record item outcome")
		}
	}
	<-done

	final := domain.JobStatusSucceeded
	if ctrl.canceled.Load() {
		final = domain.JobStatusFailed
		log.Info().Int("launched", launched).Int("total", len(items)).Msg("job canceled")
	}
	o.finalize(ctx, jobID, final, nil)
}

func (o *Orchestrator) finalize(ctx context.Context, jobID string, status domain.JobStatus, extra *domain.Problem) {
	job, err := o.store.Update(ctx, jobID, func(j *domain.BatchJob) error {
		if extra != nil {
			j.Problems = append(j.Problems, *extra)
		}
		sortResults(j.Results)
		if j.Status.Terminal() {
			return nil
		}
		return j.AdvanceTo(status)
	})
	if err != nil {
		o.logger.Error().Err(err).Str("job_id", jobID).Msg("could not finalize job")
		return
	}
	o.logger.Info().
		Str("job_id", jobID).
		Str("status", string(job.Status)).
		Int("results", len(job.Results)).
		Int("problems", len(job.Problems)).
		Msg("job finished")
}

// runItem executes one row×variant item end to end: retried provider call,
// originality guard, output persistence.
func (o *Orchestrator) runItem(ctx context.Context, jobID string, handle image.Handle, it workItem, refs []image.StyleRef, refBytes [][]byte, log zerolog.Logger) itemOutcome {
	itemID := fmt.Sprintf("item-%d", it.index)
	attempts := 0

	asset, err := retry.WithRetry(ctx, log, o.opts.Retry, func(ctx context.Context) (*image.Asset, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, o.opts.ItemTimeout)
		defer cancel()
		return handle.Generator.Generate(callCtx, image.GenerateRequest{
			Prompt:    it.row.Prompt,
			Seed:      variantSeed(it.row.Seed, it.variant),
			Tags:      it.row.Tags,
			RequestID: jobID + "/" + itemID,
			StyleRefs: refs,
		})
	})
	cost := float64(attempts) * handle.CostPerCall
	if err != nil {
		log.Warn().Err(err).Str("item_id", itemID).Int("attempts", attempts).Msg("item failed upstream")
		return itemOutcome{index: it.index, problem: &domain.Problem{
			ID:           uuid.NewString(),
			Title:        problemProviderFailure,
			Detail:       err.Error(),
			StatusCode:   retry.StatusOf(err),
			Retryable:    retry.IsRetryable(err),
			CostIncurred: cost,
		}}
	}

	if !guard.PassesGuard(asset.Data, refBytes, o.opts.Guard) {
		log.Warn().Str("item_id", itemID).Msg("output too close to a style reference")
		return itemOutcome{index: it.index, problem: &domain.Problem{
			ID:           uuid.NewString(),
			Title:        problemGuardRejection,
			Detail:       fmt.Sprintf("generated image within hamming distance %d of a style reference", o.opts.Guard.HammingMaxThreshold),
			StatusCode:   http.StatusUnprocessableEntity,
			CostIncurred: cost,
		}}
	}

	key := fmt.Sprintf("generated/%s/%s%s", jobID, itemID, extForFormat(asset.Format))
	outputRef, err := o.files.Write(ctx, key, asset.Data)
	if err != nil {
		log.Error().Err(err).Str("item_id", itemID).Msg("could not persist output")
		return itemOutcome{index: it.index, problem: &domain.Problem{
			ID:           uuid.NewString(),
			Title:        problemStorageFailure,
			Detail:       err.Error(),
			CostIncurred: cost,
		}}
	}

	return itemOutcome{index: it.index, result: &domain.GenerationResult{
		ItemID:    itemID,
		Prompt:    it.row.Prompt,
		OutputRef: outputRef,
	}}
}

func (o *Orchestrator) loadStyleRefs(ctx context.Context, paths []string) ([]image.StyleRef, [][]byte, error) {
	refs := make([]image.StyleRef, 0, len(paths))
	raw := make([][]byte, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, nil, fmt.Errorf("read style reference %s: %w", p, err)
		}
		refs = append(refs, image.StyleRef{MIMEType: http.DetectContentType(data), Data: data})
		raw = append(raw, data)
	}
	return refs, raw, nil
}

// buildItems expands rows into row×variant work items in deterministic
// order: row-major, variants innermost.
func buildItems(job *domain.BatchJob) []workItem {
	items := make([]workItem, 0, len(job.Rows)*job.Variants)
	for rowIdx, row := range job.Rows {
		for v := 0; v < job.Variants; v++ {
			items = append(items, workItem{
				index:   rowIdx*job.Variants + v,
				rowIdx:  rowIdx,
				variant: v,
				row:     row,
			})
		}
	}
	return items
}

// variantSeed offsets an explicit row seed per variant so variants of the
// same row still differ. A nil seed stays nil.
func variantSeed(seed *int64, variant int) *int64 {
	if seed == nil {
		return nil
	}
	s := *seed + int64(variant)
	return &s
}

func poolSize(items, ceiling int) int {
	if ceiling < 1 {
		ceiling = 1
	}
	if items > 0 && items < ceiling {
		return items
	}
	return ceiling
}

func extForFormat(format string) string {
	switch strings.ToLower(format) {
	case "jpeg", "jpg":
		return ".jpg"
	default:
		return ".png"
	}
}

// sortResults orders results by numeric item index so fetch output is stable
// regardless of worker completion order.
func sortResults(results []domain.GenerationResult) {
	sort.Slice(results, func(i, j int) bool {
		return itemIndex(results[i].ItemID) < itemIndex(results[j].ItemID)
	})
}

func itemIndex(itemID string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(itemID, "item-"))
	if err != nil {
		return 0
	}
	return n
}
