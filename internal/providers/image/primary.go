package image

import (
	"context"

	"stylebatch/internal/providers/genai"
)

// PrimaryGenerator is the health-checkable provider backed by the remote
// generation API.
type PrimaryGenerator struct {
	client *genai.Client
}

// NewPrimaryGenerator wraps a configured genai client.
func NewPrimaryGenerator(client *genai.Client) *PrimaryGenerator {
	return &PrimaryGenerator{client: client}
}

func (g *PrimaryGenerator) Generate(ctx context.Context, req GenerateRequest) (*Asset, error) {
	refs := make([]genai.StyleRef, len(req.StyleRefs))
	for i, ref := range req.StyleRefs {
		refs[i] = genai.StyleRef{MIMEType: ref.MIMEType, Data: ref.Data}
	}
	asset, err := g.client.GenerateImage(ctx, genai.ImageRequest{
		Prompt:    req.Prompt,
		Seed:      req.Seed,
		Tags:      NormalizeTags(req.Tags),
		RequestID: req.RequestID,
		StyleRefs: refs,
	})
	if err != nil {
		return nil, err
	}
	return &Asset{
		Data:   asset.Data,
		Format: asset.Format,
		Width:  asset.Width,
		Height: asset.Height,
	}, nil
}

var _ Generator = (*PrimaryGenerator)(nil)
