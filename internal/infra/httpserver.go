package infra

import (
	"context"
	"net/http"
)

// maxHeaderBytes bounds request headers; the API takes reference paths and
// prompts in bodies, never in headers.
const maxHeaderBytes = 1 << 20

// HTTPServer pairs an http.Server with the env-driven timeouts so mains only
// start and stop it.
type HTTPServer struct {
	srv *http.Server
}

// NewHTTPServer builds the server for the API binding. Every timeout comes
// from config; slow-header clients are cut off by ReadHeaderTimeout before
// the body read timeout even starts.
func NewHTTPServer(cfg *Config, handler http.Handler) *HTTPServer {
	return &HTTPServer{srv: &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: cfg.HTTPReadHeaderTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}}
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *HTTPServer) Start() error {
	if s == nil || s.srv == nil {
		return nil
	}
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests within the context's deadline.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
