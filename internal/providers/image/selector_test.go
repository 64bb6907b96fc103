package image

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"stylebatch/internal/domain"
	"stylebatch/internal/health"
)

type stubProber struct {
	record health.Record
	err    error
	calls  int
}

func (p *stubProber) Probe(ctx context.Context, model string) (health.Record, error) {
	p.calls++
	if p.err != nil {
		return health.Record{}, p.err
	}
	record := p.record
	record.Model = model
	record.CheckedAt = time.Now()
	return record, nil
}

func newTestSelector(cache *health.Cache, prober health.Prober, projectID string) *Selector {
	noop := &MockGenerator{GenerateFunc: func(ctx context.Context, req GenerateRequest) (*Asset, error) {
		return &Asset{Data: []byte("x")}, nil
	}}
	return NewSelector(noop, NewBatchGenerator(""), cache, prober, SelectorOptions{
		PrimaryModel: "imagen-4.0",
		ProjectID:    projectID,
	}, zerolog.Nop())
}

func TestSelectBatchSkipsHealthGate(t *testing.T) {
	prober := &stubProber{record: health.Record{Status: health.StatusError}}
	selector := newTestSelector(health.NewCache(health.DefaultCacheConfig()), prober, "proj-1")

	handle, err := selector.Select(context.Background(), "batch", false)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if handle.Kind != KindBatch {
		t.Fatalf("expected batch handle, got %s", handle.Kind)
	}
	if prober.calls != 0 {
		t.Fatalf("batch selection must not probe, got %d probes", prober.calls)
	}
}

func TestSelectHealthyPrimary(t *testing.T) {
	cache := health.NewCache(health.DefaultCacheConfig())
	cache.Put(health.Record{Model: "imagen-4.0", Status: health.StatusHealthy, HTTPCode: 200})
	selector := newTestSelector(cache, &stubProber{}, "proj-1")

	handle, err := selector.Select(context.Background(), "primary", false)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if handle.Kind != KindPrimary {
		t.Fatalf("expected primary handle, got %s", handle.Kind)
	}
}

func TestSelectDegradedFallsBack(t *testing.T) {
	cache := health.NewCache(health.DefaultCacheConfig())
	cache.Put(health.Record{Model: "imagen-4.0", Status: health.StatusDegraded, HTTPCode: 503})
	selector := newTestSelector(cache, &stubProber{}, "proj-1")

	handle, err := selector.Select(context.Background(), "primary", false)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if handle.Kind != KindBatch {
		t.Fatalf("degraded primary must fall back to batch, got %s", handle.Kind)
	}
}

func TestSelectDegradedNoFallbackErrors(t *testing.T) {
	cache := health.NewCache(health.DefaultCacheConfig())
	cache.Put(health.Record{Model: "imagen-4.0", Status: health.StatusDegraded, HTTPCode: 503})
	selector := newTestSelector(cache, &stubProber{}, "proj-1")

	_, err := selector.Select(context.Background(), "primary", true)
	if err == nil {
		t.Fatalf("expected error under noFallback")
	}
	if !errors.Is(err, domain.ErrProviderFailure) {
		t.Fatalf("expected provider failure, got %v", err)
	}
}

func TestSelectMissingProjectConfig(t *testing.T) {
	cache := health.NewCache(health.DefaultCacheConfig())
	selector := newTestSelector(cache, &stubProber{}, "")

	handle, err := selector.Select(context.Background(), "primary", false)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if handle.Kind != KindBatch {
		t.Fatalf("missing project config must fall back, got %s", handle.Kind)
	}

	if _, err := selector.Select(context.Background(), "primary", true); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("noFallback with missing config must be a configuration error, got %v", err)
	}
}

func TestSelectProbesWhenStale(t *testing.T) {
	cache := health.NewCache(health.DefaultCacheConfig())
	prober := &stubProber{record: health.Record{Status: health.StatusHealthy, HTTPCode: 200}}
	selector := newTestSelector(cache, prober, "proj-1")

	handle, err := selector.Select(context.Background(), "primary", false)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if handle.Kind != KindPrimary {
		t.Fatalf("healthy probe should select primary, got %s", handle.Kind)
	}
	if prober.calls != 1 {
		t.Fatalf("expected exactly one probe, got %d", prober.calls)
	}

	// The probe result is cached, so a second selection stays quiet.
	if _, err := selector.Select(context.Background(), "primary", false); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if prober.calls != 1 {
		t.Fatalf("second selection must reuse the cached record, got %d probes", prober.calls)
	}
}

func TestSelectProbeFailure(t *testing.T) {
	cache := health.NewCache(health.DefaultCacheConfig())
	prober := &stubProber{err: errors.New("connection refused")}
	selector := newTestSelector(cache, prober, "proj-1")

	handle, err := selector.Select(context.Background(), "primary", false)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if handle.Kind != KindBatch {
		t.Fatalf("probe failure must fall back, got %s", handle.Kind)
	}

	if _, err := selector.Select(context.Background(), "primary", true); err == nil {
		t.Fatalf("probe failure under noFallback must error")
	}
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{" watercolor ", "Watercolor", "bold lines", ""})
	want := []string{"Watercolor", "Bold Lines"}
	if len(got) != len(want) {
		t.Fatalf("NormalizeTags = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("NormalizeTags[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
