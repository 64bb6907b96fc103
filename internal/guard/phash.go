// Package guard implements the perceptual-hash style guard: a post-generation
// check that rejects outputs too visually close to the style references they
// were conditioned on.
package guard

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math/bits"
)

const (
	// gridSize is the grayscale downsample grid.
	gridSize = 32
	// sampleStride picks an 8x8 sample out of the grid for the 64-bit print.
	sampleStride = gridSize / 8
)

// Fingerprint is a 64-bit perceptual hash: coarse image structure, robust to
// minor re-encoding, compared via Hamming distance.
type Fingerprint uint64

// ComputeFingerprint downsamples the image to a 32x32 grayscale grid, takes
// the mean intensity, and sets one bit per deterministic 8x8 sample position
// that sits above the mean.
func ComputeFingerprint(data []byte) (Fingerprint, error) {
	if len(data) == 0 {
		return 0, errors.New("guard: empty image")
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("guard: decode image: %w", err)
	}

	grid := downsampleGray(img, gridSize)

	var sum uint64
	for _, v := range grid {
		sum += uint64(v)
	}
	mean := sum / uint64(len(grid))

	var fp Fingerprint
	bit := 0
	for gy := 0; gy < gridSize; gy += sampleStride {
		for gx := 0; gx < gridSize; gx += sampleStride {
			if uint64(grid[gy*gridSize+gx]) > mean {
				fp |= 1 << uint(bit)
			}
			bit++
		}
	}
	return fp, nil
}

// Distance is the Hamming distance between two fingerprints.
func Distance(a, b Fingerprint) int {
	return bits.OnesCount64(uint64(a) ^ uint64(b))
}

// PassesGuard reports whether a generated image is sufficiently different
// from every reference. It fails closed: any decode or internal error yields
// false. An image is never sufficiently different from an exact copy of
// itself, so an exact copy is always rejected at any non-negative threshold.
func PassesGuard(generated []byte, references [][]byte, cfg Config) bool {
	if err := cfg.Validate(); err != nil {
		return false
	}
	genFP, err := ComputeFingerprint(generated)
	if err != nil {
		return false
	}
	for _, ref := range references {
		refFP, err := ComputeFingerprint(ref)
		if err != nil {
			return false
		}
		if Distance(genFP, refFP) <= cfg.HammingMaxThreshold {
			return false
		}
	}
	return true
}

// downsampleGray averages the source pixels behind each grid cell into one
// 8-bit intensity.
func downsampleGray(img image.Image, size int) []uint8 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	grid := make([]uint8, size*size)

	for gy := 0; gy < size; gy++ {
		y0 := b.Min.Y + gy*h/size
		y1 := b.Min.Y + (gy+1)*h/size
		if y1 <= y0 {
			y1 = y0 + 1
		}
		for gx := 0; gx < size; gx++ {
			x0 := b.Min.X + gx*w/size
			x1 := b.Min.X + (gx+1)*w/size
			if x1 <= x0 {
				x1 = x0 + 1
			}
			var sum, count uint64
			for y := y0; y < y1 && y < b.Max.Y; y++ {
				for x := x0; x < x1 && x < b.Max.X; x++ {
					r, g, bl, _ := img.At(x, y).RGBA()
					// Luma weights over 16-bit channels, scaled to 8 bits.
					sum += uint64((299*r + 587*g + 114*bl) / 1000 >> 8)
					count++
				}
			}
			if count > 0 {
				grid[gy*size+gx] = uint8(sum / count)
			}
		}
	}
	return grid
}
