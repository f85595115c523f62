// Package compose renders the final deliverables of a task: one PNG per
// standalone question and one per big question, cut as full-width bands from
// the rasterized pages and stitched vertically when a question crosses pages.
// Everything lands in {workdir}/all_questions/.
package compose

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/examio/paperflow/go/imaging"
	"github.com/examio/paperflow/go/ocr"
	"github.com/examio/paperflow/go/structure"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DirName is the output directory inside a workdir.
const DirName = "all_questions"

// bitmapCacheSize bounds the decoded page cache. Questions cluster on
// neighboring pages, so a handful of entries absorbs most re-decodes.
const bitmapCacheSize = 5

// parallelThreshold is the item count above which rendering fans out.
const parallelThreshold = 10

// fallbackTopY and fallbackBottomInset frame the content region of a page
// when a big question carries no bboxes at all.
const (
	fallbackTopY        = 100
	fallbackBottomInset = 150
)

// Config tunes the composer. Zero values select the defaults.
type Config struct {
	PNGLevel png.CompressionLevel
	// Workers caps the render pool; 0 sizes it min(cpu, 6).
	Workers int
}

// Composer renders question images out of page bitmaps.
type Composer struct {
	cfg     Config
	bitmaps *lru.Cache[string, image.Image]
}

// NewComposer builds a composer with its page-bitmap cache.
func NewComposer(cfg Config) (*Composer, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
		if cfg.Workers > 6 {
			cfg.Workers = 6
		}
	}
	var bitmaps, err = lru.New[string, image.Image](bitmapCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating bitmap cache: %w", err)
	}
	return &Composer{cfg: cfg, bitmaps: bitmaps}, nil
}

// Render produces every output image of the document and returns the file
// paths, standalone questions first in ascending qno, then big questions in
// order. Rendering fans out only past the parallel threshold.
func (c *Composer) Render(ctx context.Context, workdir string, doc *structure.Doc) ([]string, error) {
	var started = time.Now()
	var outDir = filepath.Join(workdir, DirName)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	var normals = doc.NormalQuestions()
	sort.SliceStable(normals, func(i, j int) bool { return normals[i].QNo < normals[j].QNo })

	type renderItem struct {
		name   string
		render func() (image.Image, error)
	}
	var items []renderItem
	for _, q := range normals {
		var q = q
		items = append(items, renderItem{
			name:   fmt.Sprintf("q%d.png", q.QNo),
			render: func() (image.Image, error) { return c.renderBoxes(workdir, q.BBoxes) },
		})
	}
	for _, big := range doc.BigQuestions {
		var big = big
		items = append(items, renderItem{
			name:   big.ID + ".png",
			render: func() (image.Image, error) { return c.renderBig(workdir, doc, big) },
		})
	}
	if len(items) == 0 {
		return nil, nil
	}

	var limit = 1
	if len(items) > parallelThreshold {
		limit = c.cfg.Workers
	}

	var files = make([]string, len(items))
	var group, gctx = errgroup.WithContext(ctx)
	group.SetLimit(limit)
	for i, item := range items {
		var i, item = i, item
		group.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var img, err = item.render()
			if err != nil {
				return fmt.Errorf("rendering %s: %w", item.name, err)
			}
			var path = filepath.Join(outDir, item.name)
			if err = imaging.Save(path, img, c.cfg.PNGLevel); err != nil {
				return fmt.Errorf("saving %s: %w", item.name, err)
			}
			files[i] = path
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"workdir": workdir,
		"images":  len(files),
		"took":    time.Since(started).Round(time.Millisecond).String(),
	}).Info("compose: rendered question images")
	imagesRendered.Add(float64(len(files)))
	return files, nil
}

// renderBoxes cuts one full-width band per page covered by the boxes and
// stitches the bands in page order.
func (c *Composer) renderBoxes(workdir string, boxes []structure.PageBox) (image.Image, error) {
	var byPage = make(map[string][2]float64)
	var pages []string
	for _, pb := range boxes {
		var span, ok = byPage[pb.Page]
		if !ok {
			span = [2]float64{pb.Box[1], pb.Box[3]}
			pages = append(pages, pb.Page)
		} else {
			if pb.Box[1] < span[0] {
				span[0] = pb.Box[1]
			}
			if pb.Box[3] > span[1] {
				span[1] = pb.Box[3]
			}
		}
		byPage[pb.Page] = span
	}
	sort.SliceStable(pages, func(i, j int) bool {
		return ocr.PageNumber(pages[i]) < ocr.PageNumber(pages[j])
	})

	var bands []image.Image
	for _, pageID := range pages {
		var img, err = c.page(workdir, pageID)
		if err != nil {
			return nil, err
		}
		var span = byPage[pageID]
		bands = append(bands, imaging.Band(img, int(span[0]), int(span[1])))
	}
	if len(bands) == 1 {
		return bands[0], nil
	}
	return imaging.ComposeVertical(bands), nil
}

// renderBig combines the material boxes with every sub-question's boxes. With
// no boxes at all, it falls back to framing each page of the span.
func (c *Composer) renderBig(workdir string, doc *structure.Doc, big *structure.BigQuestion) (image.Image, error) {
	var boxes = append([]structure.PageBox{}, big.MaterialBoxes...)
	for _, id := range big.SubQuestionIDs {
		if sub := doc.QuestionByID(id); sub != nil {
			boxes = append(boxes, sub.BBoxes...)
		}
	}
	if len(boxes) > 0 {
		return c.renderBoxes(workdir, boxes)
	}

	log.WithField("big_question", big.ID).Warn("compose: no bboxes, framing page span")
	var bands []image.Image
	for _, pageID := range big.PageSpan {
		var img, err = c.page(workdir, pageID)
		if err != nil {
			return nil, err
		}
		bands = append(bands, imaging.Band(img, fallbackTopY, img.Bounds().Dy()-fallbackBottomInset))
	}
	if len(bands) == 0 {
		return nil, fmt.Errorf("big question %s has no pages to frame", big.ID)
	}
	if len(bands) == 1 {
		return bands[0], nil
	}
	return imaging.ComposeVertical(bands), nil
}

// page resolves a page bitmap through the LRU.
func (c *Composer) page(workdir, pageID string) (image.Image, error) {
	var path = filepath.Join(workdir, pageID+".png")
	if img, ok := c.bitmaps.Get(path); ok {
		return img, nil
	}
	var img, err = imaging.Load(path)
	if err != nil {
		return nil, err
	}
	c.bitmaps.Add(path, img)
	return img, nil
}

// IsComplete reports whether every output the document calls for exists: a
// q{qno}.png per standalone question and a {big_id}.png per big question.
func IsComplete(workdir string, doc *structure.Doc) bool {
	var outDir = filepath.Join(workdir, DirName)
	for _, q := range doc.NormalQuestions() {
		if q.QNo <= 0 {
			continue
		}
		if _, err := os.Stat(filepath.Join(outDir, fmt.Sprintf("q%d.png", q.QNo))); err != nil {
			return false
		}
	}
	for _, big := range doc.BigQuestions {
		if _, err := os.Stat(filepath.Join(outDir, big.ID+".png")); err != nil {
			return false
		}
	}
	return true
}

// Wipe removes the output directory. Manual-mode reruns start clean.
func Wipe(workdir string) error {
	return os.RemoveAll(filepath.Join(workdir, DirName))
}
