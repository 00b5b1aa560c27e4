package backend

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strconv"
	"strings"
	"time"

	"studio/internal/domain"
)

// Synthetic renders deterministic striped PNGs locally. It stands in for the
// remote variants in development and tests: the same request always yields
// the same pixels.
type Synthetic struct {
	Variant domain.Variant
	// Delay simulates backend latency.
	Delay time.Duration
}

func NewSynthetic(variant domain.Variant) *Synthetic {
	return &Synthetic{Variant: variant}
}

func (s *Synthetic) Generate(ctx context.Context, req Request) (*Render, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("synthetic: %w", domain.ErrInvalidPrompt)
	}
	seed := deterministicSeed(s.Variant, req.BrandID, req.Prompt, req.AspectRatio, req.ProductID)
	return s.render(ctx, seed, req.Prompt, req.AspectRatio, s.Variant)
}

func (s *Synthetic) Edit(ctx context.Context, req EditRequest) (*Render, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("synthetic: %w", domain.ErrInvalidPrompt)
	}
	seed := deterministicSeed("edit", req.PreviousImageURL, req.Prompt)
	return s.render(ctx, seed, req.Prompt, req.AspectRatio, "")
}

func (s *Synthetic) render(ctx context.Context, seed, prompt, aspect string, variant domain.Variant) (*Render, error) {
	start := time.Now()
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	width, height := normalizeAspect(aspect)
	data := renderSyntheticImage(width, height, seed)
	if data == nil {
		return nil, fmt.Errorf("synthetic: encode png")
	}
	return &Render{
		Data:     data,
		MIME:     "image/png",
		Width:    width,
		Height:   height,
		Variant:  variant,
		Provider: "synthetic",
		Latency:  time.Since(start),
	}, nil
}

func (s *Synthetic) String() string {
	return "synthetic:" + string(s.Variant)
}

var (
	_ Generator = (*Synthetic)(nil)
	_ Editor    = (*Synthetic)(nil)
)

func renderSyntheticImage(width, height int, seed string) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{colorFromSeed(seed, 0)}, image.Point{}, draw.Src)

	accent := &image.Uniform{colorFromSeed(seed, 1)}
	stripe := max(32, height/12)
	for y := 0; y < height; y += stripe * 2 {
		draw.Draw(img, image.Rect(0, y, width, min(height, y+stripe)), accent, image.Point{}, draw.Over)
	}

	diagonal := colorFromSeed(seed, 2)
	step := max(16, width/32)
	for x := 0; x < width; x += step {
		for y := 0; y < height && x+y < width; y++ {
			img.Set(x+y, y, diagonal)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}

func colorFromSeed(seed string, shift int) color.RGBA {
	if len(seed) < 6 {
		seed = (seed + "000000")[:6]
	}
	doubled := seed + seed
	start := (shift * 6) % len(seed)
	segment := doubled[start : start+6]
	return color.RGBA{R: hexByte(segment[0:2]), G: hexByte(segment[2:4]), B: hexByte(segment[4:6]), A: 255}
}

func hexByte(s string) uint8 {
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0
	}
	return uint8(v)
}

func deterministicSeed(parts ...any) string {
	hasher := sha256.New()
	for _, part := range parts {
		fmt.Fprintf(hasher, "%v|", part)
	}
	return hex.EncodeToString(hasher.Sum(nil))[:16]
}

// normalizeAspect returns render dimensions for an aspect ratio. Synthetic
// renders stay small; only the proportions matter.
func normalizeAspect(aspect string) (int, int) {
	switch strings.TrimSpace(strings.ToLower(aspect)) {
	case "16:9":
		return 320, 180
	case "9:16":
		return 180, 320
	case "4:5":
		return 256, 320
	case "3:2":
		return 300, 200
	case "4:3":
		return 320, 240
	case "3:4":
		return 240, 320
	case "1:1", "square", "":
		return 256, 256
	}
	if a, b, ok := strings.Cut(aspect, ":"); ok {
		x, errA := strconv.Atoi(strings.TrimSpace(a))
		y, errB := strconv.Atoi(strings.TrimSpace(b))
		if errA == nil && errB == nil && x > 0 && y > 0 {
			return 256, max(1, 256*y/x)
		}
	}
	return 256, 256
}
