package image

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"stylebatch/internal/domain"
	"stylebatch/internal/health"
)

// FallbackReason codes why the selector substituted the batch provider.
type FallbackReason string

const (
	ReasonModelUnhealthy       FallbackReason = "model_unhealthy"
	ReasonMissingProjectConfig FallbackReason = "missing_project_config"
	ReasonProbeFailed          FallbackReason = "probe_failed"
)

// SelectorOptions configures the selector's handles.
type SelectorOptions struct {
	PrimaryModel   string
	BatchModel     string
	ProjectID      string
	PrimaryCostUSD float64
	BatchCostUSD   float64
}

// Selector picks a provider handle for a requested provider name, consulting
// the health cache so known-bad primaries fall back to the batch handle
// without a network probe on every call.
type Selector struct {
	primary Handle
	batch   Handle
	mock    *Handle
	cache   *health.Cache
	prober  health.Prober
	opts    SelectorOptions
	logger  zerolog.Logger
}

// NewSelector builds a selector over the primary and batch generators. The
// prober may be nil, in which case missing health data is always treated
// optimistically.
func NewSelector(primary, batch Generator, cache *health.Cache, prober health.Prober, opts SelectorOptions, logger zerolog.Logger) *Selector {
	if opts.PrimaryModel == "" {
		opts.PrimaryModel = "imagen-4.0"
	}
	if opts.BatchModel == "" {
		opts.BatchModel = "batch-renderer"
	}
	return &Selector{
		primary: Handle{Kind: KindPrimary, Model: opts.PrimaryModel, Generator: primary, CostPerCall: opts.PrimaryCostUSD},
		batch:   Handle{Kind: KindBatch, Model: opts.BatchModel, Generator: batch, CostPerCall: opts.BatchCostUSD},
		cache:   cache,
		prober:  prober,
		opts:    opts,
		logger:  logger,
	}
}

// WithMock registers a mock handle so tests can request it by name.
func (s *Selector) WithMock(generator Generator) *Selector {
	s.mock = &Handle{Kind: KindMock, Model: "mock", Generator: generator}
	return s
}

// Select resolves a requested provider to a handle. The batch provider is
// returned directly with no health read; the primary goes through the cached
// health gate and falls back to batch (or errors under noFallback).
func (s *Selector) Select(ctx context.Context, requested string, noFallback bool) (Handle, error) {
	switch normalizeProvider(requested) {
	case KindBatch:
		return s.batch, nil
	case KindMock:
		if s.mock != nil {
			return *s.mock, nil
		}
		return Handle{}, fmt.Errorf("selector: mock provider not configured: %w", domain.ErrConfiguration)
	}

	if s.opts.ProjectID == "" {
		if noFallback {
			return Handle{}, fmt.Errorf("selector: project id required for %s: %w", s.primary.Model, domain.ErrConfiguration)
		}
		return s.fallback(ReasonMissingProjectConfig), nil
	}

	if record, ok := s.cache.Fresh(s.primary.Model); ok {
		if record.Status == health.StatusHealthy {
			return s.primary, nil
		}
		if noFallback {
			return Handle{}, fmt.Errorf("selector: model %s is %s (http %d): %w",
				s.primary.Model, record.Status, record.HTTPCode, domain.ErrProviderFailure)
		}
		return s.fallback(ReasonModelUnhealthy), nil
	}

	// No fresh record. A recent probe means healthy-unknown: proceed
	// optimistically. Otherwise probe once before permitting live calls.
	if s.prober == nil || s.cache.ProbedRecently(s.primary.Model) {
		return s.primary, nil
	}

	record, err := s.prober.Probe(ctx, s.primary.Model)
	if err != nil {
		if noFallback {
			return Handle{}, fmt.Errorf("selector: probe %s: %w", s.primary.Model, err)
		}
		s.logger.Warn().Err(err).Str("model", s.primary.Model).Msg("selector: health probe failed")
		return s.fallback(ReasonProbeFailed), nil
	}
	s.cache.Put(record)

	if record.Status == health.StatusHealthy {
		return s.primary, nil
	}
	if noFallback {
		return Handle{}, fmt.Errorf("selector: model %s is %s (http %d): %w",
			s.primary.Model, record.Status, record.HTTPCode, domain.ErrProviderFailure)
	}
	return s.fallback(ReasonModelUnhealthy), nil
}

func (s *Selector) fallback(reason FallbackReason) Handle {
	s.logger.Info().
		Str("reason", string(reason)).
		Str("from", s.primary.Model).
		Str("to", s.batch.Model).
		Msg("selector: falling back to batch provider")
	return s.batch
}

func normalizeProvider(requested string) Kind {
	switch strings.ToLower(strings.TrimSpace(requested)) {
	case "batch", "simple", "batch-renderer":
		return KindBatch
	case "mock":
		return KindMock
	default:
		return KindPrimary
	}
}
