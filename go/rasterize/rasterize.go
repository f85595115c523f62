// Package rasterize turns the pages of a source PDF into 1-indexed
// page_{n}.png images. The actual rendering is delegated to an external
// poppler toolchain (pdftoppm / pdfinfo) driven one subprocess per page,
// bounded by a pool sized to min(pages, cpu).
package rasterize

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultDPI is the rasterization resolution the layout models expect.
const DefaultDPI = 200

// Renderer rasterizes single pages of a PDF. Implementations must be safe
// for concurrent use; RenderAll fans pages out across a pool.
type Renderer interface {
	// PageCount reports the number of pages of the document.
	PageCount(ctx context.Context, pdf string) (int, error)
	// RenderPage rasterizes the zero-indexed page into dir at the given DPI
	// and returns the path of the page_{pageIdx+1}.png it wrote.
	RenderPage(ctx context.Context, pdf string, pageIdx, dpi int, dir string) (string, error)
}

// PagePath names the rendered image of a zero-indexed page inside dir.
func PagePath(dir string, pageIdx int) string {
	return filepath.Join(dir, fmt.Sprintf("page_%d.png", pageIdx+1))
}

// Options tune a whole-document render.
type Options struct {
	// DPI of the rendered pages (DefaultDPI if 0).
	DPI int
	// SkipExisting keeps non-empty page images already present in the
	// output directory instead of re-rendering them.
	SkipExisting bool
	// Workers caps the render pool; 0 sizes it min(pages, cpu).
	Workers int
}

func (o Options) withDefaults() Options {
	if o.DPI <= 0 {
		o.DPI = DefaultDPI
	}
	return o
}

func (o Options) poolSize(pages int) int {
	var n = o.Workers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n > pages {
		n = pages
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Result is the outcome of a whole-document render.
type Result struct {
	// Paths of every page image, in page order.
	Paths []string
	// Skipped counts pre-existing pages that were kept as-is.
	Skipped int
}

// RenderAll rasterizes every page of the PDF into dir and returns the page
// image paths in page order. The first page failure cancels the remaining
// renders. progress, when non-nil, is invoked after every finished page.
func RenderAll(ctx context.Context, r Renderer, pdf, dir string, opts Options, progress func(done, total int)) (*Result, error) {
	opts = opts.withDefaults()

	var started = time.Now()
	var total, err = r.PageCount(ctx, pdf)
	if err != nil {
		return nil, fmt.Errorf("counting pages of %s: %w", filepath.Base(pdf), err)
	}
	if total == 0 {
		return &Result{}, nil
	}
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating page directory: %w", err)
	}

	log.WithFields(log.Fields{
		"pdf":     filepath.Base(pdf),
		"pages":   total,
		"dpi":     opts.DPI,
		"workers": opts.poolSize(total),
	}).Info("rasterize: rendering pages")

	var out = &Result{Paths: make([]string, total)}
	var skipped, done int32

	var group, gctx = errgroup.WithContext(ctx)
	group.SetLimit(opts.poolSize(total))
	for i := 0; i < total; i++ {
		var idx = i
		group.Go(func() error {
			var target = PagePath(dir, idx)
			if opts.SkipExisting {
				if st, err := os.Stat(target); err == nil && st.Size() > 0 {
					out.Paths[idx] = target
					atomic.AddInt32(&skipped, 1)
					pagesRendered.WithLabelValues("skipped").Inc()
					report(progress, &done, total)
					return nil
				}
			}
			var path, err = r.RenderPage(gctx, pdf, idx, opts.DPI, dir)
			if err != nil {
				pagesRendered.WithLabelValues("error").Inc()
				return fmt.Errorf("rendering page %d: %w", idx+1, err)
			}
			out.Paths[idx] = path
			pagesRendered.WithLabelValues("rendered").Inc()
			report(progress, &done, total)
			return nil
		})
	}
	if err = group.Wait(); err != nil {
		return nil, err
	}
	out.Skipped = int(skipped)

	renderSeconds.Observe(time.Since(started).Seconds())
	return out, nil
}

func report(progress func(done, total int), done *int32, total int) {
	var n = atomic.AddInt32(done, 1)
	if progress != nil {
		progress(int(n), total)
	}
}

// ExecRenderer shells out to poppler-utils. Zero value uses the binaries
// from PATH.
type ExecRenderer struct {
	// PDFToPPM names the pdftoppm binary ("pdftoppm" if empty).
	PDFToPPM string
	// PDFInfo names the pdfinfo binary ("pdfinfo" if empty).
	PDFInfo string
}

var _ Renderer = (*ExecRenderer)(nil)

// PageCount runs pdfinfo and parses its "Pages:" line.
func (r *ExecRenderer) PageCount(ctx context.Context, pdf string) (int, error) {
	var bin = r.PDFInfo
	if bin == "" {
		bin = "pdfinfo"
	}
	var stdout, stderr bytes.Buffer
	var cmd = exec.CommandContext(ctx, bin, pdf)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("%s: %w (%s)", bin, err, firstLine(stderr.Bytes()))
	}
	return parsePageCount(stdout.Bytes())
}

// RenderPage runs pdftoppm over the single zero-indexed page. The -singlefile
// flag writes exactly {dir}/page_{n}.png with no page-number suffix.
func (r *ExecRenderer) RenderPage(ctx context.Context, pdf string, pageIdx, dpi int, dir string) (string, error) {
	var bin = r.PDFToPPM
	if bin == "" {
		bin = "pdftoppm"
	}
	var page = strconv.Itoa(pageIdx + 1)
	var target = PagePath(dir, pageIdx)
	var prefix = strings.TrimSuffix(target, ".png")

	var stderr bytes.Buffer
	var cmd = exec.CommandContext(ctx, bin,
		"-png",
		"-r", strconv.Itoa(dpi),
		"-f", page,
		"-l", page,
		"-singlefile",
		pdf,
		prefix,
	)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w (%s)", bin, err, firstLine(stderr.Bytes()))
	}
	if st, err := os.Stat(target); err != nil || st.Size() == 0 {
		return "", fmt.Errorf("%s produced no output for page %s", bin, page)
	}
	return target, nil
}

// parsePageCount extracts the page total from pdfinfo output.
func parsePageCount(out []byte) (int, error) {
	for _, line := range strings.Split(string(out), "\n") {
		var rest, ok = strings.CutPrefix(line, "Pages:")
		if !ok {
			continue
		}
		var n, err = strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			return 0, fmt.Errorf("parsing page count %q: %w", strings.TrimSpace(rest), err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("no Pages line in pdfinfo output")
}

// firstLine trims subprocess stderr down to its informative head.
func firstLine(b []byte) string {
	var s = strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		s = "no stderr"
	}
	return s
}
