// Package genai is a lightweight facade over the remote image-generation
// service so providers can focus on translating domain requests to API calls.
package genai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"stylebatch/internal/health"
	"stylebatch/internal/infra"
)

// Options controls how the client is configured.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	ProjectID  string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client invokes the remote generation API. It carries no retry policy of its
// own; callers wrap invocations in the retry executor.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	projectID  string
	httpClient *http.Client
	logger     *infra.Logger
}

// StatusError is a provider failure that carries the upstream HTTP status so
// callers can classify it as retryable or fatal.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("genai status %d", e.Status)
	}
	return fmt.Sprintf("genai status %d: %s", e.Status, e.Message)
}

// HTTPStatus returns the upstream status code.
func (e *StatusError) HTTPStatus() int { return e.Status }

// StyleRef is one reference image sent inline as conditioning input.
type StyleRef struct {
	MIMEType string
	Data     []byte
}

// ImageRequest represents the information required to generate one image.
type ImageRequest struct {
	Prompt    string
	Seed      *int64
	Tags      []string
	RequestID string
	StyleRefs []StyleRef
}

// ImageAsset is the normalized representation of one generated image.
type ImageAsset struct {
	Data   []byte
	Format string
	Width  int
	Height int
}

type apiContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []apiPart `json:"parts,omitempty"`
}

type apiPart struct {
	Text       string         `json:"text,omitempty"`
	InlineData *apiInlineData `json:"inlineData,omitempty"`
}

type apiInlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type apiGenerationConfig struct {
	CandidateCount int    `json:"candidateCount,omitempty"`
	Seed           *int64 `json:"seed,omitempty"`
}

type apiGenerateRequest struct {
	Contents         []apiContent         `json:"contents"`
	GenerationConfig *apiGenerationConfig `json:"generationConfig,omitempty"`
}

type apiCandidate struct {
	Content      apiContent `json:"content"`
	FinishReason string     `json:"finishReason,omitempty"`
}

type apiGenerateResponse struct {
	Candidates []apiCandidate `json:"candidates"`
}

type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error"`
}

// NewClient constructs a client with sane defaults. Callers may provide a nil
// HTTP client; a reusable one with sensible timeouts will be created.
func NewClient(opts Options) (*Client, error) {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}

	model := opts.Model
	if model == "" {
		model = "imagen-4.0"
	}

	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}

	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		projectID:  strings.TrimSpace(opts.ProjectID),
		httpClient: client,
		logger:     logger,
	}, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

// ProjectID returns the configured project, empty when unset.
func (c *Client) ProjectID() string { return c.projectID }

// GenerateImage requests a single image conditioned on the prompt and the
// inline style references.
func (c *Client) GenerateImage(ctx context.Context, req ImageRequest) (*ImageAsset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	payload := apiGenerateRequest{
		Contents: []apiContent{{Role: "user", Parts: c.buildParts(req)}},
		GenerationConfig: &apiGenerationConfig{
			CandidateCount: 1,
			Seed:           req.Seed,
		},
	}

	var response apiGenerateResponse
	path := fmt.Sprintf("/models/%s:generateContent", url.PathEscape(c.model))
	if err := c.invoke(ctx, http.MethodPost, path, payload, &response); err != nil {
		return nil, err
	}

	for _, candidate := range response.Candidates {
		for _, part := range candidate.Content.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("genai: decode inline data: %w", err)
			}
			format := part.InlineData.MimeType
			if format == "" {
				format = "image/png"
			}
			w, h := decodeImageDimensions(data)
			c.logger.Debug().
				Str("request_id", req.RequestID).
				Str("model", c.model).
				Int("bytes", len(data)).
				Msg("genai: generated image")
			return &ImageAsset{Data: data, Format: format, Width: w, Height: h}, nil
		}
	}

	return nil, &StatusError{Status: http.StatusBadGateway, Message: "no image content returned"}
}

// Probe checks the model endpoint and maps the response onto a health record.
func (c *Client) Probe(ctx context.Context, model string) (health.Record, error) {
	if model == "" {
		model = c.model
	}
	path := fmt.Sprintf("/models/%s", url.PathEscape(model))
	code, err := c.head(ctx, path)
	record := health.Record{Model: model, HTTPCode: code, CheckedAt: time.Now().UTC()}
	switch {
	case err != nil:
		return record, err
	case code == http.StatusOK:
		record.Status = health.StatusHealthy
	case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
		record.Status = health.StatusDegraded
	default:
		record.Status = health.StatusError
	}
	return record, nil
}

func (c *Client) buildParts(req ImageRequest) []apiPart {
	parts := make([]apiPart, 0, len(req.StyleRefs)+1)
	parts = append(parts, apiPart{Text: buildPromptText(req)})
	for _, ref := range req.StyleRefs {
		mime := ref.MIMEType
		if mime == "" {
			mime = "image/png"
		}
		parts = append(parts, apiPart{InlineData: &apiInlineData{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(ref.Data),
		}})
	}
	return parts
}

func (c *Client) invoke(ctx context.Context, method, path string, payload any, out any) error {
	endpoint := c.baseURL + path
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("genai: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("genai: create request: %w", err)
	}
	q := req.URL.Query()
	if c.apiKey != "" {
		q.Set("key", c.apiKey)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("genai: invoke: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return statusErrorFromBody(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("genai: decode response: %w", err)
	}
	return nil
}

func (c *Client) head(ctx context.Context, path string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("genai: create probe request: %w", err)
	}
	if c.apiKey != "" {
		q := req.URL.Query()
		q.Set("key", c.apiKey)
		req.URL.RawQuery = q.Encode()
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("genai: probe: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func statusErrorFromBody(resp *http.Response) error {
	var apiErr apiErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error.Message != "" {
		return &StatusError{Status: resp.StatusCode, Message: apiErr.Error.Message}
	}
	data, _ := io.ReadAll(resp.Body)
	return &StatusError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}

func buildPromptText(req ImageRequest) string {
	var b strings.Builder
	if prompt := strings.TrimSpace(req.Prompt); prompt != "" {
		b.WriteString(prompt)
	}
	if len(req.Tags) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Tags: ")
		b.WriteString(strings.Join(req.Tags, ", "))
	}
	if len(req.StyleRefs) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Match the overall style of the attached reference images without copying them.")
	}
	if b.Len() == 0 {
		b.WriteString("Create an illustrative image")
	}
	return b.String()
}

func decodeImageDimensions(data []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}
