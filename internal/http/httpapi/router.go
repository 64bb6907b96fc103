// Package httpapi assembles the chi router for the batch generation API.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"stylebatch/internal/http/handlers"
	"stylebatch/internal/middleware"
)

// RouterOptions tunes the outer request pipeline.
type RouterOptions struct {
	RateLimitPerMinute int
}

func NewRouter(app *handlers.App, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(app.Logger),
	)

	r.Get("/v1/healthz", app.Health)

	r.Group(func(r chi.Router) {
		if opts.RateLimitPerMinute > 0 {
			r.Use(middleware.RateLimit(opts.RateLimitPerMinute, time.Minute))
		}
		r.Post("/v1/preflight", app.Preflight)
		r.Route("/v1/jobs", func(r chi.Router) {
			r.Post("/", app.SubmitJob)
			r.Get("/{job_id}", app.JobStatus)
			r.Get("/{job_id}/results", app.JobResults)
			r.Get("/{job_id}/download", app.DownloadResults)
			r.Post("/{job_id}/cancel", app.CancelJob)
		})
	})

	return r
}
