package pages

import (
	"fmt"
	"image/png"
	"math"
	"path"
	"path/filepath"

	"github.com/examio/paperflow/go/imaging"
	"github.com/examio/paperflow/go/ocr"
)

// ExtractOptions tune the crop encoding.
type ExtractOptions struct {
	PNGLevel png.CompressionLevel
}

// questionSpan is the run of blocks between one question number and the next.
type questionSpan struct {
	qno    int
	blocks []ocr.Block
}

// ExtractQuestions walks a page's layout blocks, groups them into question
// spans, crops a full-width band per span out of the page image, and returns
// the page summary. Blocks before the first question number are intro or
// material text and belong to no span.
func ExtractQuestions(workdir, imagePath string, doc *ocr.PageDoc, opts ExtractOptions) (*PageMeta, error) {
	var meta = &PageMeta{
		PageName:  doc.PageID,
		ImagePath: filepath.Base(imagePath),
		Questions: []QuestionMeta{},
	}

	var spans []questionSpan
	var cur = -1
	for _, b := range doc.Blocks {
		if b.Noise() {
			continue
		}
		if qno, ok := ocr.QuestionNumber(b.Content); ok {
			spans = append(spans, questionSpan{qno: qno})
			cur = len(spans) - 1
		}
		if cur >= 0 {
			spans[cur].blocks = append(spans[cur].blocks, b)
		}
	}
	if len(spans) == 0 {
		return meta, nil
	}

	var img, err = imaging.Load(imagePath)
	if err != nil {
		return nil, fmt.Errorf("loading page image: %w", err)
	}
	var width = img.Bounds().Dx()
	var height = img.Bounds().Dy()

	var dir = MetaDir(doc.PageID)
	var seen = make(map[int]int, len(spans))
	for _, sp := range spans {
		var union = sp.blocks[0].BBox
		var text, table, other int
		for _, b := range sp.blocks {
			union[0] = math.Min(union[0], b.BBox[0])
			union[1] = math.Min(union[1], b.BBox[1])
			union[2] = math.Max(union[2], b.BBox[2])
			union[3] = math.Max(union[3], b.BBox[3])
			switch {
			case ocr.TextLabel(b.Label):
				text++
			case b.Label == "table":
				table++
			default:
				other++
			}
		}

		var y1 = int(math.Floor(union[1]))
		var y2 = int(math.Ceil(union[3]))
		var crop = imaging.Band(img, y1, y2)

		seen[sp.qno]++
		var name = fmt.Sprintf("q_%d.png", sp.qno)
		if n := seen[sp.qno]; n > 1 {
			name = fmt.Sprintf("q_%d_%d.png", sp.qno, n)
		}
		if err = imaging.Save(filepath.Join(workdir, dir, name), crop, opts.PNGLevel); err != nil {
			return nil, fmt.Errorf("saving question crop: %w", err)
		}

		meta.Questions = append(meta.Questions, QuestionMeta{
			QNo:           sp.qno,
			Image:         path.Join(dir, name),
			CropBoxImage:  [4]int{0, clamp(y1, 0, height), width, clamp(y2, 0, height)},
			CropBoxBlocks: union,
			TextBlocks:    text,
			TableBlocks:   table,
			OtherBlocks:   other,
		})
	}
	return meta, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
