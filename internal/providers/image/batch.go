package image

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	stdimage "image"
	"image/color"
	"image/draw"
	"image/png"
	"strings"
)

const batchImageSize = 1024

// BatchGenerator is the simple offline renderer used as the fallback when the
// primary provider is unhealthy, and directly when a caller requests cheap
// batch output. Output is deterministic for a given request, which keeps the
// rest of the pipeline verifiable end-to-end without network access.
type BatchGenerator struct {
	model string
}

// NewBatchGenerator creates the batch provider.
func NewBatchGenerator(model string) *BatchGenerator {
	if model == "" {
		model = "batch-renderer"
	}
	return &BatchGenerator{model: model}
}

// Model returns the configured model label.
func (g *BatchGenerator) Model() string { return g.model }

func (g *BatchGenerator) Generate(ctx context.Context, req GenerateRequest) (*Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seed := requestSeed(req)
	data, err := renderDeterministic(batchImageSize, batchImageSize, seed)
	if err != nil {
		return nil, fmt.Errorf("batch render: %w", err)
	}
	return &Asset{
		Data:   data,
		Format: "image/png",
		Width:  batchImageSize,
		Height: batchImageSize,
	}, nil
}

// requestSeed folds prompt, tags and the explicit seed into one hex digest so
// two distinct requests render distinct images.
func requestSeed(req GenerateRequest) string {
	h := sha256.New()
	h.Write([]byte(req.Prompt))
	h.Write([]byte(strings.Join(req.Tags, ",")))
	h.Write([]byte(req.RequestID))
	if req.Seed != nil {
		fmt.Fprintf(h, "%d", *req.Seed)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func renderDeterministic(width, height int, seed string) ([]byte, error) {
	img := stdimage.NewRGBA(stdimage.Rect(0, 0, width, height))
	base := colorFromSeed(seed, 0)
	accent := colorFromSeed(seed, 1)
	draw.Draw(img, img.Bounds(), &stdimage.Uniform{C: base}, stdimage.Point{}, draw.Src)

	stripeHeight := height / 12
	if stripeHeight < 32 {
		stripeHeight = 32
	}
	for y := 0; y < height; y += stripeHeight * 2 {
		bottom := y + stripeHeight
		if bottom > height {
			bottom = height
		}
		stripe := stdimage.Rect(0, y, width, bottom)
		draw.Draw(img, stripe, &stdimage.Uniform{C: accent}, stdimage.Point{}, draw.Over)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func colorFromSeed(seed string, shift int) color.RGBA {
	if len(seed) < 6 {
		seed = seed + "a1b2c3"
	}
	start := (shift * 6) % (len(seed) - 5)
	chunk := seed[start : start+6]
	parse := func(s string) uint8 {
		var v uint8
		for _, c := range s {
			v = v<<4 | hexNibble(byte(c))
		}
		return v
	}
	return color.RGBA{
		R: parse(chunk[0:2]),
		G: parse(chunk[2:4]),
		B: parse(chunk[4:6]),
		A: 255,
	}
}

func hexNibble(c byte) uint8 {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	default:
		return 0
	}
}

var _ Generator = (*BatchGenerator)(nil)
