// Package raster converts the first page of a PDF document into a PNG image of a
// fixed pixel width.
package raster

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"github.com/gen2brain/go-fitz"
	"golang.org/x/image/draw"

	"github.com/JakeFAU/newsstand/internal/newsstand"
)

const (
	pointsPerInch = 72.0
	defaultWidth  = 1600
	defaultMaxDPI = 600
)

// Config controls rendering.
type Config struct {
	// Width is the default output width in pixels.
	Width int
	// MaxDPI caps the render resolution for very small page boxes.
	MaxDPI float64
}

// Rasterizer renders documents with MuPDF.
type Rasterizer struct {
	cfg Config
}

var _ newsstand.Rasterizer = (*Rasterizer)(nil)

// New builds a Rasterizer.
func New(cfg Config) *Rasterizer {
	if cfg.Width <= 0 {
		cfg.Width = defaultWidth
	}
	if cfg.MaxDPI <= 0 {
		cfg.MaxDPI = defaultMaxDPI
	}
	return &Rasterizer{cfg: cfg}
}

// Rasterize renders page one of doc as a PNG exactly width pixels wide,
// preserving the aspect ratio. Unparsable documents wrap newsstand.ErrCorruptDocument.
func (r *Rasterizer) Rasterize(ctx context.Context, doc []byte, width int) ([]byte, error) {
	if width <= 0 {
		width = r.cfg.Width
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("rasterize: %w", err)
	}
	if len(doc) == 0 {
		return nil, fmt.Errorf("%w: empty document", newsstand.ErrCorruptDocument)
	}

	pdf, err := fitz.NewFromMemory(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %w", newsstand.ErrCorruptDocument, err)
	}
	defer func() { _ = pdf.Close() }()

	if pdf.NumPage() < 1 {
		return nil, fmt.Errorf("%w: document has no pages", newsstand.ErrCorruptDocument)
	}
	bound, err := pdf.Bound(0)
	if err != nil {
		return nil, fmt.Errorf("%w: page bounds: %w", newsstand.ErrCorruptDocument, err)
	}
	if bound.Dx() <= 0 || bound.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty page box %v", newsstand.ErrCorruptDocument, bound)
	}

	img, err := pdf.ImageDPI(0, r.dpiFor(bound, width))
	if err != nil {
		return nil, fmt.Errorf("%w: render: %w", newsstand.ErrCorruptDocument, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("rasterize: %w", err)
	}

	var out bytes.Buffer
	if err := png.Encode(&out, scaleToWidth(img, width)); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return out.Bytes(), nil
}

// dpiFor returns the resolution at which the page box renders width pixels wide.
func (r *Rasterizer) dpiFor(bound image.Rectangle, width int) float64 {
	dpi := pointsPerInch * float64(width) / float64(bound.Dx())
	if dpi > r.cfg.MaxDPI {
		dpi = r.cfg.MaxDPI
	}
	return dpi
}

// scaleToWidth resamples img so that it is exactly width pixels wide.
func scaleToWidth(img image.Image, width int) image.Image {
	b := img.Bounds()
	if b.Dx() == width || b.Dx() == 0 {
		return img
	}
	height := (b.Dy()*width + b.Dx()/2) / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
