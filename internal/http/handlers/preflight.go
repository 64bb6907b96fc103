package handlers

import (
	"encoding/json"
	"net/http"

	"stylebatch/internal/domain"
)

type preflightRequest struct {
	ImagePaths []string `json:"image_paths"`
}

type preflightEntry struct {
	Path            string `json:"path"`
	ContentHash     string `json:"content_hash"`
	Bytes           int64  `json:"bytes"`
	CompressedBytes int64  `json:"compressed_bytes,omitempty"`
	CompressedKey   string `json:"compressed_key,omitempty"`
}

type preflightResponse struct {
	OK          bool               `json:"ok"`
	UniqueRefs  int                `json:"unique_refs"`
	BytesBefore int64              `json:"bytes_before"`
	BytesAfter  int64              `json:"bytes_after"`
	Chunks      [][]preflightEntry `json:"chunks"`
	Problems    []domain.Problem   `json:"problems,omitempty"`
}

// Preflight runs dedup, compression and budget packing over the referenced
// images without submitting anything.
func (a *App) Preflight(w http.ResponseWriter, r *http.Request) {
	var req preflightRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if len(req.ImagePaths) == 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "image_paths required")
		return
	}

	result, err := a.Planner.Plan(r.Context(), req.ImagePaths, a.Budgets)
	if err != nil {
		a.Logger.Error().Err(err).Msg("preflight failed")
		a.error(w, http.StatusInternalServerError, "internal", "preflight failed")
		return
	}

	resp := preflightResponse{
		OK:          result.OK,
		UniqueRefs:  result.UniqueRefs,
		BytesBefore: result.BytesBefore,
		BytesAfter:  result.BytesAfter,
		Chunks:      make([][]preflightEntry, 0, len(result.Chunks)),
		Problems:    result.Problems,
	}
	for _, chunk := range result.Chunks {
		entries := make([]preflightEntry, 0, len(chunk))
		for _, e := range chunk {
			entries = append(entries, preflightEntry{
				Path:            e.Path,
				ContentHash:     e.ContentHash,
				Bytes:           e.EffectiveBytes(),
				CompressedBytes: e.CompressedBytes,
				CompressedKey:   e.CompressedKey,
			})
		}
		resp.Chunks = append(resp.Chunks, entries)
	}
	a.json(w, http.StatusOK, resp)
}
