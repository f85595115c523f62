// Package ocr normalizes engine layout blocks and caches per-page results in
// two tiers: an optional in-memory LRU in front of durable per-page JSON
// documents under {workdir}/ocr/. A page that has ever been analyzed is never
// sent to the engine again unless the caller forces it.
package ocr

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/examio/paperflow/go/model"
)

// Block is one normalized layout block.
type Block struct {
	Index            int        `json:"index"`
	Label            string     `json:"label"`
	RegionLabel      string     `json:"region_label,omitempty"`
	BBox             [4]float64 `json:"bbox"`
	Content          string     `json:"content"`
	ContentTruncated bool       `json:"content_truncated,omitempty"`
	ContentLen       int        `json:"content_len,omitempty"`
}

// PageDoc is the cached layout analysis of one page.
type PageDoc struct {
	PageID      string  `json:"page_id"`
	ImageWidth  int     `json:"image_width"`
	ImageHeight int     `json:"image_height"`
	Blocks      []Block `json:"blocks"`
}

// textLabels are block labels whose content is prose and never truncated.
var textLabels = map[string]bool{
	"text":            true,
	"paragraph_title": true,
	"title":           true,
}

// Normalize converts raw engine blocks into Blocks. Blocks lacking a bbox or
// a label are dropped; non-text content longer than maxChars is truncated
// with its original length recorded. maxChars <= 0 disables truncation.
func Normalize(raw []model.RawBlock, maxChars int) []Block {
	var out = make([]Block, 0, len(raw))
	for _, rb := range raw {
		if len(rb.BBox) < 4 || rb.Label == "" {
			continue
		}
		var b = Block{
			Index:       rb.Index,
			Label:       rb.Label,
			RegionLabel: rb.RegionLabel,
			BBox:        [4]float64{rb.BBox[0], rb.BBox[1], rb.BBox[2], rb.BBox[3]},
			Content:     rb.Content,
		}
		if maxChars > 0 && !textLabels[b.Label] {
			if runes := []rune(b.Content); len(runes) > maxChars {
				b.ContentLen = len(runes)
				b.Content = string(runes[:maxChars])
				b.ContentTruncated = true
			}
		}
		out = append(out, b)
	}
	return out
}

// Width and Height of a block's bbox.
func (b Block) Width() float64  { return b.BBox[2] - b.BBox[0] }
func (b Block) Height() float64 { return b.BBox[3] - b.BBox[1] }

// TextLabel reports whether a label carries prose content.
func TextLabel(label string) bool { return textLabels[label] }

// noiseLabels mark page furniture that never belongs to a question.
var noiseLabels = map[string]bool{
	"footer": true,
	"header": true,
	"number": true,
}

// NoiseLabel reports whether a label marks page furniture.
func NoiseLabel(label string) bool { return noiseLabels[label] }

// Noise reports whether a block is page furniture or has a degenerate bbox.
func (b Block) Noise() bool {
	if noiseLabels[b.Label] || noiseLabels[b.RegionLabel] {
		return true
	}
	return b.BBox[2] <= b.BBox[0] || b.BBox[3] <= b.BBox[1]
}

// qnoPattern matches a question-number prefix such as "12." or "111、".
var qnoPattern = regexp.MustCompile(`^\s*(\d{1,3})[.．、]`)

// QuestionNumber extracts the leading question number of a block's content.
func QuestionNumber(content string) (int, bool) {
	var m = qnoPattern.FindStringSubmatch(content)
	if m == nil {
		return 0, false
	}
	var qno, err = strconv.Atoi(m[1])
	if err != nil || qno == 0 {
		return 0, false
	}
	return qno, true
}

var pageNumberPattern = regexp.MustCompile(`(\d+)$`)

// PageID derives the page identifier from an image path or filename:
// "/work/page_12.png" becomes "page_12".
func PageID(path string) string {
	var base = path
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	return base
}

// PageNumber orders page ids by their trailing integer. Ids without one sort
// as 0, falling back to lexicographic order among themselves.
func PageNumber(pageID string) int {
	var m = pageNumberPattern.FindStringSubmatch(pageID)
	if m == nil {
		return 0
	}
	var n, err = strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// SortPageIDs sorts ids in ascending page order.
func SortPageIDs(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		var a, b = PageNumber(ids[i]), PageNumber(ids[j])
		if a != b {
			return a < b
		}
		return ids[i] < ids[j]
	})
}
