package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"stylebatch/internal/domain"
	"stylebatch/pkg/zip"
)

type submitRequest struct {
	Rows      []domain.GenerationRow `json:"rows"`
	Variants  int                    `json:"variants"`
	StyleRefs []string               `json:"style_refs"`
}

// SubmitJob accepts a batch and returns 202 with the job id. Validation and
// provider-selection failures are synchronous; everything later is reported
// through the job record.
func (a *App) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.Variants == 0 {
		req.Variants = 1
	}
	receipt, err := a.Jobs.Submit(r.Context(), req.Rows, req.Variants, req.StyleRefs)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInvalidVariants), errors.Is(err, domain.ErrInvalidRow):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	case errors.Is(err, domain.ErrConfiguration):
		a.error(w, http.StatusServiceUnavailable, "provider_unconfigured", err.Error())
		return
	case errors.Is(err, domain.ErrProviderFailure):
		a.error(w, http.StatusServiceUnavailable, "provider_unavailable", err.Error())
		return
	default:
		a.Logger.Error().Err(err).Msg("submit failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to accept batch")
		return
	}
	a.json(w, http.StatusAccepted, receipt)
}

// JobStatus reports progress counters and accumulated problems.
func (a *App) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	st, err := a.Jobs.Poll(r.Context(), jobID)
	if errors.Is(err, domain.ErrNotFound) {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	if err != nil {
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("poll failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to read job")
		return
	}
	a.json(w, http.StatusOK, st)
}

// JobResults returns the terminal outcome. A job still running is a 409 so
// clients keep polling instead of treating a partial view as final.
func (a *App) JobResults(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	out, err := a.Jobs.Fetch(r.Context(), jobID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	case errors.Is(err, domain.ErrConflict):
		a.error(w, http.StatusConflict, "not_terminal", "job is still running")
		return
	case err != nil:
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("fetch failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to read results")
		return
	}
	a.json(w, http.StatusOK, out)
}

// CancelJob requests cooperative cancellation. Terminal and unknown jobs get
// the same benign not_found outcome.
func (a *App) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	outcome, err := a.Jobs.Cancel(r.Context(), jobID)
	if err != nil {
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("cancel failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to cancel job")
		return
	}
	a.json(w, http.StatusOK, map[string]string{"job_id": jobID, "outcome": outcome})
}

// DownloadResults streams all outputs of a terminal job as one zip.
func (a *App) DownloadResults(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	out, err := a.Jobs.Fetch(r.Context(), jobID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	case errors.Is(err, domain.ErrConflict):
		a.error(w, http.StatusConflict, "not_terminal", "job is still running")
		return
	case err != nil:
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("download failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to read results")
		return
	}
	if len(out.Results) == 0 {
		a.error(w, http.StatusNotFound, "no_outputs", "job produced no outputs")
		return
	}

	entries := make([]zip.Entry, 0, len(out.Results))
	for _, res := range out.Results {
		data, err := a.Files.Read(r.Context(), res.OutputRef)
		if err != nil {
			a.Logger.Error().Err(err).Str("output_ref", res.OutputRef).Msg("output unreadable")
			a.error(w, http.StatusInternalServerError, "internal", "output missing from storage")
			return
		}
		entries = append(entries, zip.Entry{Filename: res.ItemID + path.Ext(res.OutputRef), Data: data})
	}
	archive, err := zip.Archive(entries)
	if err != nil {
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("archive failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to build archive")
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+jobID+`.zip"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}
