package infra

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestNewHTTPServerWiresTimeouts(t *testing.T) {
	t.Setenv("HTTP_READ_HEADER_TIMEOUT_SECONDS", "7")
	t.Setenv("HTTP_READ_TIMEOUT_SECONDS", "11")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	s := NewHTTPServer(cfg, http.NotFoundHandler())
	if s.srv.ReadHeaderTimeout != 7*time.Second {
		t.Fatalf("read header timeout = %v, want 7s", s.srv.ReadHeaderTimeout)
	}
	if s.srv.ReadTimeout != 11*time.Second {
		t.Fatalf("read timeout = %v, want 11s", s.srv.ReadTimeout)
	}
	if s.srv.MaxHeaderBytes != maxHeaderBytes {
		t.Fatalf("max header bytes = %d, want %d", s.srv.MaxHeaderBytes, maxHeaderBytes)
	}
}

func TestNilServerStartAndShutdown(t *testing.T) {
	var s *HTTPServer
	if err := s.Start(); err != nil {
		t.Fatalf("nil Start: %v", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil Shutdown: %v", err)
	}
}
