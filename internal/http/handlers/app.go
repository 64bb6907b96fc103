// Package handlers exposes the batch generation API over HTTP.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"stylebatch/internal/orchestrator"
	"stylebatch/internal/preflight"
	"stylebatch/internal/storage"
)

// App carries the wired components behind the HTTP surface.
type App struct {
	Jobs    *orchestrator.Orchestrator
	Planner *preflight.Planner
	Budgets preflight.Budgets
	Files   *storage.FileStore
	Logger  zerolog.Logger
}

func NewApp(jobs *orchestrator.Orchestrator, planner *preflight.Planner, budgets preflight.Budgets, files *storage.FileStore, logger zerolog.Logger) *App {
	return &App{Jobs: jobs, Planner: planner, Budgets: budgets, Files: files, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
