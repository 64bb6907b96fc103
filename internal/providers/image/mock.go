package image

import "context"

// MockGenerator delegates to a caller-supplied function. It completes the
// closed set of provider variants and backs the orchestration tests.
type MockGenerator struct {
	GenerateFunc func(ctx context.Context, req GenerateRequest) (*Asset, error)
}

func (g *MockGenerator) Generate(ctx context.Context, req GenerateRequest) (*Asset, error) {
	return g.GenerateFunc(ctx, req)
}

var _ Generator = (*MockGenerator)(nil)
