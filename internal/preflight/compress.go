package preflight

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"
)

const (
	// compressMaxEdge bounds the longest edge of a re-encoded reference.
	compressMaxEdge = 1024
	// compressQuality is the reduced JPEG quality for oversized references.
	compressQuality = 75
)

// compressEntry decodes an oversized reference, downscales it so the longest
// edge stays within compressMaxEdge, and re-encodes it as JPEG at reduced
// quality. The compressed copy is written through the file store when one is
// configured; the entry records the new size either way.
func (p *Planner) compressEntry(ctx context.Context, entry RegistryEntry) (RegistryEntry, error) {
	data, err := os.ReadFile(entry.Path)
	if err != nil {
		return entry, fmt.Errorf("preflight: read reference %s: %w", entry.Path, err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return entry, fmt.Errorf("preflight: decode reference %s: %w", entry.Path, err)
	}

	resized := boundImage(img, compressMaxEdge)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: compressQuality}); err != nil {
		return entry, fmt.Errorf("preflight: encode reference %s: %w", entry.Path, err)
	}

	compressed := buf.Bytes()
	if int64(len(compressed)) >= entry.OriginalBytes {
		// Re-encoding did not help; keep the original.
		return entry, nil
	}

	entry.CompressedBytes = int64(len(compressed))
	if p.store != nil {
		key, err := p.store.Write(ctx, "compressed/"+entry.ContentHash+".jpg", compressed)
		if err != nil {
			return entry, fmt.Errorf("preflight: persist compressed copy: %w", err)
		}
		entry.CompressedKey = key
	}
	return entry, nil
}

// boundImage scales img down with nearest-neighbor sampling so its longest
// edge does not exceed maxEdge. Images already within bounds are returned
// unchanged.
func boundImage(img image.Image, maxEdge int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := w
	if h > longest {
		longest = h
	}
	if longest <= maxEdge {
		return img
	}

	scale := float64(maxEdge) / float64(longest)
	nw := int(float64(w) * scale)
	nh := int(float64(h) * scale)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	out := image.NewRGBA(image.Rect(0, 0, nw, nh))
	for y := 0; y < nh; y++ {
		sy := b.Min.Y + y*h/nh
		for x := 0; x < nw; x++ {
			sx := b.Min.X + x*w/nw
			out.Set(x, y, img.At(sx, sy))
		}
	}
	return out
}
