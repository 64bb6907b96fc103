package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"stylebatch/internal/domain"
	"stylebatch/internal/guard"
	"stylebatch/internal/health"
	imgprov "stylebatch/internal/providers/image"
	"stylebatch/internal/retry"
	"stylebatch/internal/storage"
)

type testStatusError struct {
	status int
	msg    string
}

func (e *testStatusError) Error() string   { return e.msg }
func (e *testStatusError) HTTPStatus() int { return e.status }

// gradientPNG renders a deterministic image whose fingerprint differs
// strongly between light and dark variants.
func gradientPNG(t *testing.T, dark bool) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			v := uint8(x * 4)
			if dark {
				v = 255 - v
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newTestOrchestrator(t *testing.T, generate func(ctx context.Context, req imgprov.GenerateRequest) (*imgprov.Asset, error), opts Options) *Orchestrator {
	t.Helper()
	logger := zerolog.Nop()
	files, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	sel := imgprov.NewSelector(nil, &imgprov.MockGenerator{GenerateFunc: generate},
		health.NewCache(health.DefaultCacheConfig()), nil,
		imgprov.SelectorOptions{BatchCostUSD: 0.02}, logger)
	if opts.Provider == "" {
		opts.Provider = "batch"
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Options{MaxAttempts: 2, BaseDelay: time.Millisecond}
	}
	if opts.Guard.HammingMaxThreshold == 0 {
		opts.Guard = guard.DefaultConfig()
	}
	return New(NewMemoryStore(), sel, files, opts, logger)
}

func waitTerminal(t *testing.T, o *Orchestrator, jobID string) PollStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := o.Poll(context.Background(), jobID)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if st.Status.Terminal() {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return PollStatus{}
}

func TestPartialFailureStillSucceeds(t *testing.T) {
	output := gradientPNG(t, false)
	generate := func(ctx context.Context, req imgprov.GenerateRequest) (*imgprov.Asset, error) {
		if strings.HasSuffix(req.RequestID, "/item-2") {
			return nil, &testStatusError{status: 400, msg: "unsupported prompt"}
		}
		return &imgprov.Asset{Data: output, Format: "png"}, nil
	}
	o := newTestOrchestrator(t, generate, Options{Concurrency: 2})

	rows := []domain.GenerationRow{{Prompt: "red chair"}, {Prompt: "blue chair"}}
	receipt, err := o.Submit(context.Background(), rows, 2, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.ItemCount != 4 {
		t.Fatalf("item count = %d, want 4", receipt.ItemCount)
	}

	st := waitTerminal(t, o, receipt.JobID)
	if st.Status != domain.JobStatusSucceeded {
		t.Fatalf("status = %s, want succeeded", st.Status)
	}
	if st.CompletedCount != 4 {
		t.Fatalf("completed = %d, want 4", st.CompletedCount)
	}

	out, err := o.Fetch(context.Background(), receipt.JobID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(out.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(out.Results))
	}
	wantIDs := []string{"item-0", "item-1", "item-3"}
	for i, r := range out.Results {
		if r.ItemID != wantIDs[i] {
			t.Fatalf("result %d item id = %s, want %s", i, r.ItemID, wantIDs[i])
		}
		if r.OutputRef == "" {
			t.Fatalf("result %s has empty output ref", r.ItemID)
		}
	}
	if len(out.Problems) != 1 {
		t.Fatalf("problems = %d, want 1", len(out.Problems))
	}
	p := out.Problems[0]
	if p.Title != problemProviderFailure {
		t.Fatalf("problem title = %s", p.Title)
	}
	if p.StatusCode != 400 || p.Retryable {
		t.Fatalf("problem status=%d retryable=%v, want 400/false", p.StatusCode, p.Retryable)
	}
	if p.CostIncurred != 0.02 {
		t.Fatalf("cost incurred = %v, want 0.02 (one fatal attempt)", p.CostIncurred)
	}
}

func TestSubmitValidation(t *testing.T) {
	o := newTestOrchestrator(t, func(ctx context.Context, req imgprov.GenerateRequest) (*imgprov.Asset, error) {
		t.Fatal("generator must not run for rejected submissions")
		return nil, nil
	}, Options{})

	row := domain.GenerationRow{Prompt: "a chair"}
	cases := []struct {
		name      string
		rows      []domain.GenerationRow
		variants  int
		styleRefs []string
		wantErr   error
	}{
		{"zero variants", []domain.GenerationRow{row}, 0, nil, domain.ErrInvalidVariants},
		{"too many variants", []domain.GenerationRow{row}, 4, nil, domain.ErrInvalidVariants},
		{"empty batch", nil, 1, nil, domain.ErrInvalidRow},
		{"blank prompt", []domain.GenerationRow{{Prompt: "   "}}, 1, nil, domain.ErrInvalidRow},
		{"missing style ref", []domain.GenerationRow{row}, 1, []string{"/does/not/exist.png"}, domain.ErrInvalidRow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := o.Submit(context.Background(), tc.rows, tc.variants, tc.styleRefs)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("submit err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestCancelStopsFurtherItems(t *testing.T) {
	output := gradientPNG(t, false)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	generate := func(ctx context.Context, req imgprov.GenerateRequest) (*imgprov.Asset, error) {
		once.Do(func() { close(started) })
		<-release
		return &imgprov.Asset{Data: output, Format: "png"}, nil
	}
	o := newTestOrchestrator(t, generate, Options{Concurrency: 1})

	rows := make([]domain.GenerationRow, 4)
	for i := range rows {
		rows[i] = domain.GenerationRow{Prompt: fmt.Sprintf("prompt %d", i)}
	}
	receipt, err := o.Submit(context.Background(), rows, 1, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	<-started
	outcome, err := o.Cancel(context.Background(), receipt.JobID)
	if err != nil || outcome != CancelAccepted {
		t.Fatalf("cancel = %s, %v", outcome, err)
	}
	// Repeated cancel of a still-running job stays benign.
	if outcome, _ := o.Cancel(context.Background(), receipt.JobID); outcome != CancelAccepted {
		t.Fatalf("second cancel = %s", outcome)
	}
	close(release)

	st := waitTerminal(t, o, receipt.JobID)
	if st.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", st.Status)
	}
	if st.CompletedCount >= st.TotalCount {
		t.Fatalf("completed = %d, want fewer than %d", st.CompletedCount, st.TotalCount)
	}

	if outcome, _ := o.Cancel(context.Background(), receipt.JobID); outcome != CancelNotFound {
		t.Fatalf("cancel of terminal job = %s, want %s", outcome, CancelNotFound)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	o := newTestOrchestrator(t, nil, Options{})
	outcome, err := o.Cancel(context.Background(), "missing")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if outcome != CancelNotFound {
		t.Fatalf("outcome = %s, want %s", outcome, CancelNotFound)
	}
}

func TestPollUnknownJob(t *testing.T) {
	o := newTestOrchestrator(t, nil, Options{})
	if _, err := o.Poll(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("poll err = %v, want not found", err)
	}
}

func TestFetchBeforeTerminalConflicts(t *testing.T) {
	output := gradientPNG(t, false)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	generate := func(ctx context.Context, req imgprov.GenerateRequest) (*imgprov.Asset, error) {
		once.Do(func() { close(started) })
		<-release
		return &imgprov.Asset{Data: output, Format: "png"}, nil
	}
	o := newTestOrchestrator(t, generate, Options{})

	receipt, err := o.Submit(context.Background(), []domain.GenerationRow{{Prompt: "a chair"}}, 1, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started
	if _, err := o.Fetch(context.Background(), receipt.JobID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("fetch err = %v, want conflict", err)
	}
	close(release)

	waitTerminal(t, o, receipt.JobID)
	out, err := o.Fetch(context.Background(), receipt.JobID)
	if err != nil {
		t.Fatalf("fetch after terminal: %v", err)
	}
	if len(out.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(out.Results))
	}
}

func TestGuardRejectsCopiedReference(t *testing.T) {
	ref := gradientPNG(t, false)
	refPath := filepath.Join(t.TempDir(), "ref.png")
	if err := os.WriteFile(refPath, ref, 0o644); err != nil {
		t.Fatalf("write ref: %v", err)
	}
	// The provider returns the reference verbatim.
	generate := func(ctx context.Context, req imgprov.GenerateRequest) (*imgprov.Asset, error) {
		return &imgprov.Asset{Data: ref, Format: "png"}, nil
	}
	o := newTestOrchestrator(t, generate, Options{})

	receipt, err := o.Submit(context.Background(), []domain.GenerationRow{{Prompt: "a chair"}}, 1, []string{refPath})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	st := waitTerminal(t, o, receipt.JobID)
	if st.Status != domain.JobStatusSucceeded {
		t.Fatalf("status = %s, want succeeded", st.Status)
	}

	out, err := o.Fetch(context.Background(), receipt.JobID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(out.Results) != 0 {
		t.Fatalf("results = %d, want 0", len(out.Results))
	}
	if len(out.Problems) != 1 || out.Problems[0].Title != problemGuardRejection {
		t.Fatalf("problems = %+v, want one %s", out.Problems, problemGuardRejection)
	}
	if out.Problems[0].CostIncurred == 0 {
		t.Fatalf("guard rejection must still report the spend")
	}
}

func TestGuardPassesDissimilarOutput(t *testing.T) {
	ref := gradientPNG(t, false)
	out := gradientPNG(t, true)
	refPath := filepath.Join(t.TempDir(), "ref.png")
	if err := os.WriteFile(refPath, ref, 0o644); err != nil {
		t.Fatalf("write ref: %v", err)
	}
	generate := func(ctx context.Context, req imgprov.GenerateRequest) (*imgprov.Asset, error) {
		return &imgprov.Asset{Data: out, Format: "png"}, nil
	}
	o := newTestOrchestrator(t, generate, Options{})

	receipt, err := o.Submit(context.Background(), []domain.GenerationRow{{Prompt: "a chair"}}, 1, []string{refPath})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitTerminal(t, o, receipt.JobID)
	res, err := o.Fetch(context.Background(), receipt.JobID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.Results) != 1 || len(res.Problems) != 0 {
		t.Fatalf("results=%d problems=%d, want 1/0", len(res.Results), len(res.Problems))
	}
}

func TestRetryableFailureRetriesThenRecords(t *testing.T) {
	output := gradientPNG(t, false)
	var mu sync.Mutex
	calls := 0
	generate := func(ctx context.Context, req imgprov.GenerateRequest) (*imgprov.Asset, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return nil, &testStatusError{status: 503, msg: "backend overloaded"}
		}
		return &imgprov.Asset{Data: output, Format: "png"}, nil
	}
	o := newTestOrchestrator(t, generate, Options{})

	receipt, err := o.Submit(context.Background(), []domain.GenerationRow{{Prompt: "a chair"}}, 1, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	st := waitTerminal(t, o, receipt.JobID)
	if st.Status != domain.JobStatusSucceeded {
		t.Fatalf("status = %s, want succeeded", st.Status)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("provider calls = %d, want 2 (one retry)", calls)
	}
}

func TestVariantSeeds(t *testing.T) {
	output := gradientPNG(t, false)
	var mu sync.Mutex
	seeds := map[int64]bool{}
	generate := func(ctx context.Context, req imgprov.GenerateRequest) (*imgprov.Asset, error) {
		mu.Lock()
		if req.Seed != nil {
			seeds[*req.Seed] = true
		}
		mu.Unlock()
		return &imgprov.Asset{Data: output, Format: "png"}, nil
	}
	o := newTestOrchestrator(t, generate, Options{})

	seed := int64(42)
	receipt, err := o.Submit(context.Background(), []domain.GenerationRow{{Prompt: "a chair", Seed: &seed}}, 3, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitTerminal(t, o, receipt.JobID)
	mu.Lock()
	defer mu.Unlock()
	for want := int64(42); want <= 44; want++ {
		if !seeds[want] {
			t.Fatalf("seed %d never requested, got %v", want, seeds)
		}
	}
}

// claimingStore flips every inserted job straight to running, standing in
// for a worker whose claim lands between the insert and the submitting
// process taking ownership.
type claimingStore struct {
	*MemoryStore
}

func (s *claimingStore) Put(ctx context.Context, job *domain.BatchJob) error {
	if err := s.MemoryStore.Put(ctx, job); err != nil {
		return err
	}
	_, err := s.MemoryStore.Update(ctx, job.ID, func(j *domain.BatchJob) error {
		return j.AdvanceTo(domain.JobStatusRunning)
	})
	return err
}

func TestSubmitYieldsToEarlierClaim(t *testing.T) {
	output := gradientPNG(t, false)
	var mu sync.Mutex
	calls := 0
	generate := func(ctx context.Context, req imgprov.GenerateRequest) (*imgprov.Asset, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return &imgprov.Asset{Data: output, Format: "png"}, nil
	}
	logger := zerolog.Nop()
	files, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	sel := imgprov.NewSelector(nil, &imgprov.MockGenerator{GenerateFunc: generate},
		health.NewCache(health.DefaultCacheConfig()), nil, imgprov.SelectorOptions{}, logger)
	store := &claimingStore{MemoryStore: NewMemoryStore()}
	o := New(store, sel, files, Options{
		Provider: "batch",
		Retry:    retry.Options{MaxAttempts: 2, BaseDelay: time.Millisecond},
		Guard:    guard.DefaultConfig(),
	}, logger)

	receipt, err := o.Submit(context.Background(), []domain.GenerationRow{{Prompt: "a chair"}}, 1, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// The claimed job belongs to the other owner now; the submitting side
	// must not touch it.
	time.Sleep(100 * time.Millisecond)
	job, err := store.Get(context.Background(), receipt.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != domain.JobStatusRunning {
		t.Fatalf("status = %s, want running (left to the claiming owner)", job.Status)
	}
	if job.CompletedCount != 0 || len(job.Results) != 0 {
		t.Fatalf("completed=%d results=%d, want untouched job", job.CompletedCount, len(job.Results))
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("provider calls = %d, want 0", calls)
	}
}

func TestResumeProcessesClaimedJob(t *testing.T) {
	output := gradientPNG(t, false)
	generate := func(ctx context.Context, req imgprov.GenerateRequest) (*imgprov.Asset, error) {
		return &imgprov.Asset{Data: output, Format: "png"}, nil
	}
	o := newTestOrchestrator(t, generate, Options{})

	now := time.Now().UTC()
	job := &domain.BatchJob{
		ID:         "claimed-job",
		Status:     domain.JobStatusRunning,
		Rows:       []domain.GenerationRow{{Prompt: "a chair"}},
		Variants:   1,
		TotalCount: 1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.store.Put(context.Background(), job); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := o.Resume(context.Background(), job.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	out, err := o.Fetch(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if out.Status != domain.JobStatusSucceeded || len(out.Results) != 1 {
		t.Fatalf("status=%s results=%d, want succeeded/1", out.Status, len(out.Results))
	}
}

func TestMemoryStoreUpdateUnknown(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Update(context.Background(), "missing", func(j *domain.BatchJob) error { return nil })
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}
