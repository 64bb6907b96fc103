// Package image defines the provider contract for image generation and the
// closed set of provider variants the selector routes between.
package image

import "context"

// StyleRef is one reference image passed to the provider as conditioning
// input.
type StyleRef struct {
	MIMEType string
	Data     []byte
}

// GenerateRequest describes a normalized request passed to any provider.
type GenerateRequest struct {
	Prompt    string
	Seed      *int64
	Tags      []string
	RequestID string
	StyleRefs []StyleRef
}

// Asset represents one generated image.
type Asset struct {
	Data   []byte
	Format string
	Width  int
	Height int
}

// Generator is the contract implemented by all image providers.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*Asset, error)
}

// Kind tags the closed set of provider variants.
type Kind string

const (
	KindPrimary Kind = "primary"
	KindBatch   Kind = "batch"
	KindMock    Kind = "mock"
)

// Handle is a selected provider plus the metadata the orchestrator needs to
// account for its calls.
type Handle struct {
	Kind        Kind
	Model       string
	Generator   Generator
	CostPerCall float64
}
