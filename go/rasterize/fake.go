package rasterize

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"sync"

	"github.com/examio/paperflow/go/imaging"
)

// Fake is an in-process Renderer for tests. It writes small solid-white
// pages, records which pages were rendered, and can inject failures.
type Fake struct {
	// Pages is the page count PageCount reports.
	Pages int
	// Width and Height of the rendered pages (80x120 when zero).
	Width, Height int
	// FailPage makes rendering of the given 1-indexed page fail; 0 never.
	FailPage int
	// Err fails every RenderPage when set.
	Err error
	// CountErr fails PageCount when set.
	CountErr error

	mu       sync.Mutex
	rendered []int
}

var _ Renderer = (*Fake)(nil)

func (f *Fake) PageCount(ctx context.Context, pdf string) (int, error) {
	if f.CountErr != nil {
		return 0, f.CountErr
	}
	return f.Pages, nil
}

func (f *Fake) RenderPage(ctx context.Context, pdf string, pageIdx, dpi int, dir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.Err != nil {
		return "", f.Err
	}
	if f.FailPage > 0 && pageIdx+1 == f.FailPage {
		return "", fmt.Errorf("injected failure for page %d", f.FailPage)
	}

	var w, h = f.Width, f.Height
	if w <= 0 {
		w = 80
	}
	if h <= 0 {
		h = 120
	}
	var img = image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}

	var target = PagePath(dir, pageIdx)
	if err := imaging.Save(target, img, png.DefaultCompression); err != nil {
		return "", err
	}

	f.mu.Lock()
	f.rendered = append(f.rendered, pageIdx+1)
	f.mu.Unlock()
	return target, nil
}

// Rendered returns the 1-indexed pages RenderPage wrote, in completion order.
func (f *Fake) Rendered() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.rendered...)
}
