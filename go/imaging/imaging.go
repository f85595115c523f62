// Package imaging holds the raster primitives shared by question extraction
// and long-image composition: PNG load/save with atomic writes, full-width
// band cropping, and vertical composition onto a white canvas.
package imaging

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Load decodes the PNG at path.
func Load(path string) (image.Image, error) {
	var f, err = os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening image %q: %w", path, err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding image %q: %w", path, err)
	}
	return img, nil
}

// Save encodes img as PNG at path through a temporary file and rename, so a
// crash mid-write never leaves a truncated image behind. The parent directory
// is created if needed.
func Save(path string, img image.Image, level png.CompressionLevel) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating image directory: %w", err)
	}

	var tmp = filepath.Join(filepath.Dir(path), ".tmp-"+uuid.NewString())
	var f, err = os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating image temp file: %w", err)
	}

	var enc = png.Encoder{CompressionLevel: level}
	if err = enc.Encode(f, img); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("encoding image %q: %w", path, err)
	}
	if err = f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("closing image %q: %w", path, err)
	}
	if err = os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("committing image %q: %w", path, err)
	}
	return nil
}

// Band crops the full-width horizontal band of img spanning [y1, y2),
// clamped to the image bounds. A degenerate span yields a 1px band so that
// downstream composition never sees an empty image.
func Band(img image.Image, y1, y2 int) image.Image {
	var b = img.Bounds()
	if y1 < b.Min.Y {
		y1 = b.Min.Y
	}
	if y2 > b.Max.Y {
		y2 = b.Max.Y
	}
	if y2 <= y1 {
		y2 = y1 + 1
		if y2 > b.Max.Y {
			y1, y2 = b.Max.Y-1, b.Max.Y
		}
	}
	return Crop(img, image.Rect(b.Min.X, y1, b.Max.X, y2))
}

// Crop copies the intersection of r and img's bounds into a fresh RGBA image
// anchored at the origin. Copying (rather than sharing pixels via SubImage)
// lets the source page be evicted from cache while crops remain live.
func Crop(img image.Image, r image.Rectangle) image.Image {
	r = r.Intersect(img.Bounds())
	var out = image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), img, r.Min, draw.Src)
	return out
}

// ComposeVertical stacks parts top to bottom onto a white canvas of the
// maximum part width. Paletted and other non-RGBA sources are converted by
// the draw itself. Nil or empty input yields a 1x1 white image.
func ComposeVertical(parts []image.Image) image.Image {
	var width, height int
	for _, p := range parts {
		if w := p.Bounds().Dx(); w > width {
			width = w
		}
		height += p.Bounds().Dy()
	}
	if width == 0 || height == 0 {
		width, height = 1, 1
	}

	var canvas = image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	var y int
	for _, p := range parts {
		var b = p.Bounds()
		var dst = image.Rect(0, y, b.Dx(), y+b.Dy())
		draw.Draw(canvas, dst, p, b.Min, draw.Src)
		y += b.Dy()
	}
	return canvas
}

// Size returns the pixel dimensions of the PNG at path without decoding the
// full raster.
func Size(path string) (width, height int, err error) {
	var f *os.File
	if f, err = os.Open(path); err != nil {
		return 0, 0, fmt.Errorf("opening image %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := png.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("reading image header %q: %w", path, err)
	}
	return cfg.Width, cfg.Height, nil
}
