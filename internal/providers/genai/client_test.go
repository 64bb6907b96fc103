package genai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestGenerateImageDecodesInlineData(t *testing.T) {
	pngBytes := tinyPNG(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("key"); got != "test-key" {
			t.Fatalf("unexpected api key: %q", got)
		}
		var payload apiGenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(payload.Contents) != 1 {
			t.Fatalf("unexpected contents length: %d", len(payload.Contents))
		}
		parts := payload.Contents[0].Parts
		if len(parts) != 2 {
			t.Fatalf("expected prompt part plus one style ref, got %d parts", len(parts))
		}
		if !strings.Contains(parts[0].Text, "sunset harbor") {
			t.Fatalf("prompt text missing: %q", parts[0].Text)
		}
		if parts[1].InlineData == nil || parts[1].InlineData.MimeType != "image/png" {
			t.Fatalf("style ref not sent inline: %+v", parts[1])
		}

		resp := apiGenerateResponse{Candidates: []apiCandidate{{
			Content: apiContent{Parts: []apiPart{{InlineData: &apiInlineData{
				MimeType: "image/png",
				Data:     base64.StdEncoding.EncodeToString(pngBytes),
			}}}},
		}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer ts.Close()

	client, err := NewClient(Options{APIKey: "test-key", BaseURL: ts.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	asset, err := client.GenerateImage(context.Background(), ImageRequest{
		Prompt:    "sunset harbor",
		RequestID: "req-1",
		StyleRefs: []StyleRef{{MIMEType: "image/png", Data: tinyPNG(t)}},
	})
	if err != nil {
		t.Fatalf("GenerateImage: %v", err)
	}
	if !bytes.Equal(asset.Data, pngBytes) {
		t.Fatalf("asset bytes mismatch")
	}
	if asset.Width != 4 || asset.Height != 4 {
		t.Fatalf("unexpected dimensions: %dx%d", asset.Width, asset.Height)
	}
}

func TestGenerateImageSurfacesStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": 503, "message": "overloaded"}})
	}))
	defer ts.Close()

	client, err := NewClient(Options{BaseURL: ts.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	_, err = client.GenerateImage(context.Background(), ImageRequest{Prompt: "x"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d", statusErr.Status)
	}
	if !strings.Contains(statusErr.Message, "overloaded") {
		t.Fatalf("message not preserved: %q", statusErr.Message)
	}
}

func TestProbeMapsStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		code int
		want string
	}{
		{"ok is healthy", http.StatusOK, "healthy"},
		{"rate limited is degraded", http.StatusTooManyRequests, "degraded"},
		{"server error is degraded", http.StatusInternalServerError, "degraded"},
		{"missing model is error", http.StatusNotFound, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer ts.Close()

			client, err := NewClient(Options{BaseURL: ts.URL, Model: "imagen-4.0"})
			if err != nil {
				t.Fatalf("NewClient: %v", err)
			}
			record, err := client.Probe(context.Background(), "")
			if err != nil {
				t.Fatalf("Probe: %v", err)
			}
			if string(record.Status) != tt.want {
				t.Fatalf("status = %s, want %s", record.Status, tt.want)
			}
			if record.HTTPCode != tt.code {
				t.Fatalf("http code = %d, want %d", record.HTTPCode, tt.code)
			}
			if record.Model != "imagen-4.0" {
				t.Fatalf("model = %s", record.Model)
			}
		})
	}
}
