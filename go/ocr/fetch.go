package ocr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/examio/paperflow/go/imaging"
	"github.com/examio/paperflow/go/model"
	log "github.com/sirupsen/logrus"
)

// FetchOptions tune one Fetch call.
type FetchOptions struct {
	// Force bypasses both cache tiers and re-runs inference.
	Force bool
	// PassByArray sends decoded image bytes to the engine so that file I/O
	// happens here, outside the accelerator mutex, instead of inside the
	// engine's predict.
	PassByArray bool
	// BatchSize forwards a per-request OCR batch size to the engine.
	BatchSize int
}

// Fetch returns the layout document of a page image, reusing cached results
// when it can. On a full miss it measures the image, runs one inference
// under the lease, normalizes and truncates the blocks, persists the
// document, and promotes it into memory.
func (c *Cache) Fetch(ctx context.Context, lease *model.Lease, imagePath, workdir string, opts FetchOptions) (*PageDoc, error) {
	var pageID = PageID(imagePath)

	if !opts.Force {
		if doc, ok := c.Get(workdir, pageID); ok {
			return doc, nil
		}
	}

	// Read the image header eagerly: the dimensions belong in the document
	// and a broken file should fail before ever touching the accelerator.
	var width, height, err = imaging.Size(imagePath)
	if err != nil {
		return nil, fmt.Errorf("measuring page %q: %w", pageID, err)
	}

	var req = model.PredictRequest{ImagePath: imagePath, BatchSize: opts.BatchSize}
	if opts.PassByArray {
		// Loading bytes here keeps file I/O out of the hard mutex; the
		// lease falls back to the path if the engine refuses bytes.
		if data, readErr := os.ReadFile(imagePath); readErr == nil {
			req.Image = data
		} else {
			log.WithError(readErr).WithField("page", pageID).Warn("falling back to pass-by-path")
		}
	}

	resp, err := lease.Predict(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("analyzing page %q: %w", pageID, err)
	}
	if resp.Width > 0 && resp.Height > 0 {
		width, height = resp.Width, resp.Height
	}

	var doc = &PageDoc{
		PageID:      pageID,
		ImageWidth:  width,
		ImageHeight: height,
		Blocks:      Normalize(resp.Blocks, c.cfg.MaxChars),
	}
	if err = c.Put(workdir, pageID, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// ListPageImages returns the workdir's page_*.png paths in page order.
func ListPageImages(workdir string) ([]string, error) {
	var paths, err = filepath.Glob(filepath.Join(workdir, "page_*.png"))
	if err != nil {
		return nil, fmt.Errorf("globbing pages of %q: %w", workdir, err)
	}
	sort.SliceStable(paths, func(i, j int) bool {
		var a, b = PageNumber(PageID(paths[i])), PageNumber(PageID(paths[j]))
		if a != b {
			return a < b
		}
		return paths[i] < paths[j]
	})
	return paths, nil
}

// LoadAll reads every cached page document of the workdir, in page order.
func (c *Cache) LoadAll(workdir string) ([]*PageDoc, error) {
	var entries, err = os.ReadDir(filepath.Join(workdir, DiskDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading ocr cache of %q: %w", workdir, err)
	}

	var ids []string
	for _, entry := range entries {
		var name = entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	SortPageIDs(ids)

	var docs = make([]*PageDoc, 0, len(ids))
	for _, id := range ids {
		doc, ok := c.Get(workdir, id)
		if !ok {
			return nil, fmt.Errorf("ocr document of %q vanished mid-load", id)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// IsComplete reports whether every page image of the workdir has a cached
// document: the page_*.png stems must equal the ocr/page_*.json stems.
func IsComplete(workdir string) (bool, error) {
	var images, err = ListPageImages(workdir)
	if err != nil {
		return false, err
	}

	var want = make(map[string]bool, len(images))
	for _, p := range images {
		want[PageID(p)] = true
	}

	entries, err := os.ReadDir(filepath.Join(workdir, DiskDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return len(want) == 0, nil
		}
		return false, fmt.Errorf("reading ocr cache of %q: %w", workdir, err)
	}

	var have = make(map[string]bool, len(entries))
	for _, entry := range entries {
		var name = entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		var stem = strings.TrimSuffix(name, ".json")
		if strings.HasPrefix(stem, "page_") {
			have[stem] = true
		}
	}

	if len(want) != len(have) {
		return false, nil
	}
	for stem := range want {
		if !have[stem] {
			return false, nil
		}
	}
	return true, nil
}
