package preflight

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"sort"
)

// RegistryEntry describes one unique reference image, keyed by content hash.
// Entries are immutable after creation except for the compressed size, which
// the compressor fills in.
type RegistryEntry struct {
	ContentHash     string `json:"content_hash"`
	Path            string `json:"path"`
	OriginalBytes   int64  `json:"original_bytes"`
	CompressedBytes int64  `json:"compressed_bytes,omitempty"`
	CompressedKey   string `json:"compressed_key,omitempty"`
	MIMEType        string `json:"mime_type"`
}

// EffectiveBytes returns the size that counts against budgets: the compressed
// size when compression produced one, the original size otherwise.
func (e RegistryEntry) EffectiveBytes() int64 {
	if e.CompressedBytes > 0 {
		return e.CompressedBytes
	}
	return e.OriginalBytes
}

// buildRegistry content-hashes every reference path and collapses duplicates
// into one entry each. Hashing identical content reached through two
// different paths yields exactly one entry; the first path seen wins.
func buildRegistry(ctx context.Context, paths []string) (map[string]RegistryEntry, error) {
	registry := make(map[string]RegistryEntry, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("preflight: read reference %s: %w", path, err)
		}
		sum := sha256.Sum256(data)
		hash := hex.EncodeToString(sum[:])
		if _, seen := registry[hash]; seen {
			continue
		}
		registry[hash] = RegistryEntry{
			ContentHash:   hash,
			Path:          path,
			OriginalBytes: int64(len(data)),
			MIMEType:      http.DetectContentType(data),
		}
	}
	return registry, nil
}

// sortedEntries returns registry entries ordered by content hash so every
// downstream step is deterministic regardless of map iteration order.
func sortedEntries(registry map[string]RegistryEntry) []RegistryEntry {
	entries := make([]RegistryEntry, 0, len(registry))
	for _, entry := range registry {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ContentHash < entries[j].ContentHash })
	return entries
}
