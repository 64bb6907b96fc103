// Package preflight runs the non-billable validation pass over style
// references before a batch commits to actual generation work: content-hash
// deduplication, bounded compression of oversized references, and
// budget-aware chunking.
package preflight

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stylebatch/internal/domain"
	"stylebatch/internal/storage"
)

// Budgets bounds what a single job may carry to the provider.
type Budgets struct {
	JobMaxBytes     int64
	ItemMaxBytes    int64
	MaxImagesPerJob int
	Compress        bool
	Split           bool
}

// Validate enforces the ItemMaxBytes ≤ JobMaxBytes invariant.
func (b Budgets) Validate() error {
	if b.JobMaxBytes <= 0 || b.ItemMaxBytes <= 0 {
		return fmt.Errorf("preflight: budgets must be positive")
	}
	if b.ItemMaxBytes > b.JobMaxBytes {
		return fmt.Errorf("preflight: item budget %d exceeds job budget %d", b.ItemMaxBytes, b.JobMaxBytes)
	}
	if b.MaxImagesPerJob <= 0 {
		return fmt.Errorf("preflight: max images per job must be positive")
	}
	return nil
}

// Result is the outcome of a preflight pass. Budget violations are reported
// through OK and Problems, never raised as errors.
type Result struct {
	OK          bool
	Chunks      [][]RegistryEntry
	UniqueRefs  int
	BytesBefore int64
	BytesAfter  int64
	Registry    map[string]RegistryEntry
	Problems    []domain.Problem
}

// Planner combines dedup, compression and budget checks into one pass.
type Planner struct {
	store  *storage.FileStore
	logger zerolog.Logger
}

// NewPlanner creates a planner. The file store is optional; without it
// compressed copies are measured but not persisted.
func NewPlanner(store *storage.FileStore, logger zerolog.Logger) *Planner {
	return &Planner{store: store, logger: logger}
}

// Plan hashes every reference, collapses duplicates, compresses oversized
// entries when allowed, and bin-packs the survivors into chunks that respect
// the job budgets. Only I/O failures surface as errors.
func (p *Planner) Plan(ctx context.Context, referencePaths []string, budgets Budgets) (*Result, error) {
	if err := budgets.Validate(); err != nil {
		return nil, err
	}

	registry, err := buildRegistry(ctx, referencePaths)
	if err != nil {
		return nil, err
	}

	var bytesBefore int64
	for _, entry := range registry {
		bytesBefore += entry.OriginalBytes
	}

	if budgets.Compress {
		for hash, entry := range registry {
			if entry.OriginalBytes <= budgets.ItemMaxBytes {
				continue
			}
			compressed, err := p.compressEntry(ctx, entry)
			if err != nil {
				return nil, err
			}
			p.logger.Debug().
				Str("content_hash", hash).
				Int64("original_bytes", entry.OriginalBytes).
				Int64("compressed_bytes", compressed.CompressedBytes).
				Msg("preflight: compressed reference")
			registry[hash] = compressed
		}
	}

	result := &Result{
		OK:          true,
		UniqueRefs:  len(registry),
		BytesBefore: bytesBefore,
		Registry:    registry,
	}

	entries := sortedEntries(registry)
	for _, entry := range entries {
		result.BytesAfter += entry.EffectiveBytes()
		if entry.EffectiveBytes() > budgets.ItemMaxBytes {
			result.Problems = append(result.Problems, budgetProblem(fmt.Sprintf(
				"reference %s is %d bytes after compression; item budget is %d",
				entry.Path, entry.EffectiveBytes(), budgets.ItemMaxBytes)))
		}
	}

	withinJob := result.BytesAfter <= budgets.JobMaxBytes && len(entries) <= budgets.MaxImagesPerJob
	switch {
	case withinJob:
		if len(entries) > 0 {
			result.Chunks = [][]RegistryEntry{entries}
		}
	case budgets.Split:
		chunks, oversized := packChunks(entries, budgets)
		result.Chunks = chunks
		for _, entry := range oversized {
			result.OK = false
			result.Problems = append(result.Problems, budgetProblem(fmt.Sprintf(
				"reference %s (%d bytes) cannot fit any chunk within the %d byte job budget",
				entry.Path, entry.EffectiveBytes(), budgets.JobMaxBytes)))
		}
	default:
		result.OK = false
		result.Problems = append(result.Problems, budgetProblem(fmt.Sprintf(
			"references total %d bytes across %d images; job budget is %d bytes / %d images and splitting is disabled",
			result.BytesAfter, len(entries), budgets.JobMaxBytes, budgets.MaxImagesPerJob)))
	}

	if len(result.Problems) > 0 && !result.OK {
		p.logger.Warn().Int("problems", len(result.Problems)).Msg("preflight: budget check failed")
	}
	return result, nil
}

// packChunks greedily first-fits entries (already sorted by content hash for
// determinism) into the minimum number of chunks, each within the job byte
// budget and image count. Entries too large for any chunk are returned
// separately.
func packChunks(entries []RegistryEntry, budgets Budgets) ([][]RegistryEntry, []RegistryEntry) {
	var chunks [][]RegistryEntry
	var sizes []int64
	var oversized []RegistryEntry

	for _, entry := range entries {
		size := entry.EffectiveBytes()
		if size > budgets.JobMaxBytes {
			oversized = append(oversized, entry)
			continue
		}
		placed := false
		for i := range chunks {
			if sizes[i]+size <= budgets.JobMaxBytes && len(chunks[i]) < budgets.MaxImagesPerJob {
				chunks[i] = append(chunks[i], entry)
				sizes[i] += size
				placed = true
				break
			}
		}
		if !placed {
			chunks = append(chunks, []RegistryEntry{entry})
			sizes = append(sizes, size)
		}
	}
	return chunks, oversized
}

func budgetProblem(detail string) domain.Problem {
	return domain.Problem{
		ID:        uuid.NewString(),
		Title:     "budget_exceeded",
		Detail:    detail,
		Retryable: false,
	}
}
