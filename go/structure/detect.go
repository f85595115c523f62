package structure

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/examio/paperflow/go/ocr"
	log "github.com/sirupsen/logrus"
)

// Config tunes the detection walk. Zero values select the defaults.
type Config struct {
	// GroupSize is the number of sub-questions sharing one material block.
	GroupSize int
	// SubQNoLow / SubQNoHigh bound the reserved data-analysis qno range,
	// used for retroactive start detection when no section title exists.
	SubQNoLow  int
	SubQNoHigh int
	// ContinuationMaxRatio caps a cross-page continuation group's height
	// as a fraction of the page. VisualMaxRatio applies instead when the
	// group contains a visual block.
	ContinuationMaxRatio float64
	VisualMaxRatio       float64
}

func (c Config) withDefaults() Config {
	if c.GroupSize == 0 {
		c.GroupSize = 5
	}
	if c.SubQNoLow == 0 {
		c.SubQNoLow = 111
	}
	if c.SubQNoHigh == 0 {
		c.SubQNoHigh = 130
	}
	if c.ContinuationMaxRatio == 0 {
		c.ContinuationMaxRatio = 0.35
	}
	if c.VisualMaxRatio == 0 {
		c.VisualMaxRatio = 0.25
	}
	return c
}

// partHintPattern matches part headings such as "第五部分".
var partHintPattern = regexp.MustCompile(`第[一二三四五六七八九十百\d]+部分`)

// sectionOrdinalPattern matches enumerated section heads such as "一、常识判断".
var sectionOrdinalPattern = regexp.MustCompile(`^[一二三四五六七八九十]、`)

var noiseKeywords = []string{
	"答题卡",
	"草稿纸",
	"扫描全能王",
	"绝密",
	"第页",
}

var endKeywords = []string{
	"全部测验到此结束",
	"测验到此结束",
	"考试到此结束",
	"全卷结束",
}

var sectionHeadKeywords = []string{
	"常识判断",
	"言语理解",
	"数量关系",
	"判断推理",
	"资料分析",
}

var introKeywords = []string{
	"根据题目要求",
	"请开始答题",
	"仔细阅读",
}

var titleLabels = map[string]bool{
	"title":           true,
	"paragraph_title": true,
	"doc_title":       true,
}

var visualLabels = map[string]bool{
	"image":  true,
	"figure": true,
	"table":  true,
	"chart":  true,
}

const dataAnalysisKeyword = "资料分析"

// previewRunes caps the stored text preview of a question stem.
const previewRunes = 60

func isNoise(b ocr.Block) bool {
	if b.Noise() {
		return true
	}
	var content = strings.TrimSpace(b.Content)
	for _, kw := range noiseKeywords {
		if strings.Contains(content, kw) {
			return true
		}
	}
	return false
}

// isEndMarker recognizes the document terminator: a short block carrying an
// end keyword near its start.
func isEndMarker(b ocr.Block) bool {
	var content = strings.TrimSpace(b.Content)
	if utf8.RuneCountInString(content) > 30 {
		return false
	}
	for _, kw := range endKeywords {
		var idx = strings.Index(content, kw)
		if idx >= 0 && utf8.RuneCountInString(content[:idx]) <= 6 {
			return true
		}
	}
	return false
}

func isSectionBoundary(b ocr.Block) bool {
	var content = strings.TrimSpace(b.Content)
	if content == "" {
		return false
	}
	if sectionOrdinalPattern.MatchString(content) {
		return true
	}
	if partHintPattern.MatchString(content) && utf8.RuneCountInString(content) <= 30 {
		return true
	}
	var hasHead, hasIntro bool
	for _, kw := range sectionHeadKeywords {
		if strings.Contains(content, kw) {
			hasHead = true
			break
		}
	}
	for _, kw := range introKeywords {
		if strings.Contains(content, kw) {
			hasIntro = true
			break
		}
	}
	return hasHead && hasIntro
}

// isDataAnalysisTitle recognizes an explicit data-analysis section opener.
func isDataAnalysisTitle(b ocr.Block) bool {
	if !strings.Contains(b.Content, dataAnalysisKeyword) {
		return false
	}
	return titleLabels[b.Label] || titleLabels[b.RegionLabel] ||
		partHintPattern.MatchString(b.Content)
}

func preview(content string) string {
	var s = strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	var runes = []rune(s)
	return string(runes[:previewRunes])
}

// continuationOK decides whether the unnumbered blocks opening a page are the
// tail of the question cut at the previous page break. Tall groups are more
// plausibly shared material than question tails, so height is capped relative
// to the page; a group carrying a figure or table is even more so, and gets
// the tighter cap.
func continuationOK(group []ocr.Block, pageHeight float64, cfg Config) bool {
	if len(group) == 0 || pageHeight <= 0 {
		return false
	}
	var top, bottom = group[0].BBox[1], group[0].BBox[3]
	var hasVisual bool
	for _, b := range group {
		if b.BBox[1] < top {
			top = b.BBox[1]
		}
		if b.BBox[3] > bottom {
			bottom = b.BBox[3]
		}
		if visualLabels[b.Label] || visualLabels[b.RegionLabel] {
			hasVisual = true
		}
	}
	var ratio = (bottom - top) / pageHeight
	if hasVisual {
		return ratio <= cfg.VisualMaxRatio
	}
	return ratio <= cfg.ContinuationMaxRatio
}

// Detect walks ordered page documents and assembles the question graph.
func Detect(pages []*ocr.PageDoc, cfg Config) (*Doc, error) {
	cfg = cfg.withDefaults()
	var doc = &Doc{TotalPages: len(pages)}

	// Pass 1: explicit data-analysis section title.
	var startIdx = -1
	for i, page := range pages {
		for _, b := range page.Blocks {
			if isDataAnalysisTitle(b) {
				startIdx = i
				doc.DataAnalysisStartPage = page.PageID
				break
			}
		}
		if startIdx >= 0 {
			break
		}
	}

	// Pass 2: the question walk.
	var cursor *Question
	var seq int
	var halted bool

	for pageIdx, page := range pages {
		var pageHeight = float64(page.ImageHeight)

		var blocks []ocr.Block
		for _, b := range page.Blocks {
			if isNoise(b) {
				continue
			}
			if isEndMarker(b) {
				halted = true
				break
			}
			blocks = append(blocks, b)
		}

		// Leading blocks run up to the first qno start or section
		// boundary. They either continue the cursor cut at the prior
		// page break, or float free as potential material.
		var lead = 0
		for lead < len(blocks) {
			if _, ok := ocr.QuestionNumber(blocks[lead].Content); ok {
				break
			}
			if isSectionBoundary(blocks[lead]) {
				break
			}
			lead++
		}

		if cursor != nil {
			var adjacent = pageIdx > 0 &&
				cursor.PageSpan[len(cursor.PageSpan)-1] == pages[pageIdx-1].PageID
			if adjacent && lead > 0 && continuationOK(blocks[:lead], pageHeight, cfg) {
				for _, b := range blocks[:lead] {
					attach(cursor, page.PageID, b)
				}
			} else {
				cursor = nil
			}
		}

		for _, b := range blocks[lead:] {
			if qno, ok := ocr.QuestionNumber(b.Content); ok {
				var kind = KindNormal
				if startIdx >= 0 && pageIdx >= startIdx {
					kind = KindDataAnalysisSub
				} else if qno >= cfg.SubQNoLow && qno <= cfg.SubQNoHigh {
					// Retroactive start: a reserved sub qno with
					// no explicit title opens the region here.
					kind = KindDataAnalysisSub
					if startIdx < 0 {
						startIdx = pageIdx
						doc.DataAnalysisStartPage = page.PageID
						log.WithFields(log.Fields{
							"page": page.PageID,
							"qno":  qno,
						}).Debug("structure: data-analysis start set retroactively")
					}
				}

				seq++
				cursor = &Question{
					ID:          fmt.Sprintf("question_%d", seq),
					QNo:         qno,
					Kind:        kind,
					PageSpan:    []string{page.PageID},
					BBoxes:      []PageBox{{Page: page.PageID, Box: b.BBox}},
					TextPreview: preview(b.Content),
				}
				doc.Questions = append(doc.Questions, cursor)
				continue
			}
			if isSectionBoundary(b) {
				cursor = nil
				continue
			}
			if cursor != nil {
				attach(cursor, page.PageID, b)
			}
		}

		if halted {
			log.WithField("page", page.PageID).Debug("structure: end marker reached")
			break
		}
	}

	groupSubQuestions(doc, cfg)
	inferMaterials(doc, pages, startIdx)

	log.WithFields(log.Fields{
		"questions":     len(doc.Questions),
		"big_questions": len(doc.BigQuestions),
		"pages":         len(pages),
	}).Info("structure: detection complete")

	doc.reindex()
	return doc, nil
}

func attach(q *Question, pageID string, b ocr.Block) {
	if q.PageSpan[len(q.PageSpan)-1] != pageID {
		q.PageSpan = append(q.PageSpan, pageID)
	}
	q.BBoxes = append(q.BBoxes, PageBox{Page: pageID, Box: b.BBox})
}

// groupSubQuestions chunks detected sub-questions into big questions: runs of
// consecutive qnos capped at the group size, so each big question's range is
// exactly its members.
func groupSubQuestions(doc *Doc, cfg Config) {
	var subs []*Question
	for _, q := range doc.Questions {
		if q.Kind == KindDataAnalysisSub {
			subs = append(subs, q)
		}
	}
	if len(subs) == 0 {
		return
	}
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].QNo < subs[j].QNo })

	var group []*Question
	var flush = func() {
		if len(group) == 0 {
			return
		}
		var big = &BigQuestion{
			ID:       fmt.Sprintf("data_analysis_%d", len(doc.BigQuestions)+1),
			Order:    len(doc.BigQuestions) + 1,
			QNoRange: [2]int{group[0].QNo, group[len(group)-1].QNo},
		}
		for _, sub := range group {
			sub.ParentID = big.ID
			big.SubQuestionIDs = append(big.SubQuestionIDs, sub.ID)
			for _, p := range sub.PageSpan {
				big.PageSpan = appendPage(big.PageSpan, p)
			}
		}
		doc.BigQuestions = append(doc.BigQuestions, big)
		group = nil
	}

	for _, sub := range subs {
		if len(group) > 0 && (sub.QNo != group[len(group)-1].QNo+1 || len(group) == cfg.GroupSize) {
			flush()
		}
		group = append(group, sub)
	}
	flush()
}

func appendPage(span []string, page string) []string {
	for _, p := range span {
		if p == page {
			return span
		}
	}
	return append(span, page)
}

// inferMaterials assigns each big question the non-noise blocks lying between
// the previous big question's end (or the data-analysis start) and its first
// sub-question's top edge.
func inferMaterials(doc *Doc, pages []*ocr.PageDoc, startIdx int) {
	if len(doc.BigQuestions) == 0 || startIdx < 0 {
		return
	}

	var pageIndex = make(map[string]int, len(pages))
	for i, p := range pages {
		pageIndex[p.PageID] = i
	}

	// Blocks consumed by questions never double as material.
	var claimed = make(map[string]map[[4]float64]bool)
	for _, q := range doc.Questions {
		for _, pb := range q.BBoxes {
			if claimed[pb.Page] == nil {
				claimed[pb.Page] = make(map[[4]float64]bool)
			}
			claimed[pb.Page][pb.Box] = true
		}
	}

	// The region opens below the explicit title, when one exists.
	var regionPage = startIdx
	var regionY float64
	for _, b := range pages[startIdx].Blocks {
		if isDataAnalysisTitle(b) {
			regionY = b.BBox[3]
			break
		}
	}

	for _, big := range doc.BigQuestions {
		var first = firstSub(doc, big)
		if first == nil || len(first.BBoxes) == 0 {
			continue
		}
		var firstPage, ok = pageIndex[first.BBoxes[0].Page]
		if !ok {
			continue
		}
		var firstTop = first.BBoxes[0].Box[1]

		for idx := regionPage; idx <= firstPage && idx < len(pages); idx++ {
			var page = pages[idx]
			for _, b := range page.Blocks {
				if isNoise(b) || isSectionBoundary(b) || isDataAnalysisTitle(b) {
					continue
				}
				if claimed[page.PageID][b.BBox] {
					continue
				}
				if idx == regionPage && b.BBox[1] < regionY {
					continue
				}
				if idx == firstPage && b.BBox[1] >= firstTop {
					continue
				}
				big.MaterialBoxes = append(big.MaterialBoxes, PageBox{Page: page.PageID, Box: b.BBox})
				big.PageSpan = appendPage(big.PageSpan, page.PageID)
			}
		}
		sortPageSpan(big.PageSpan, pageIndex)

		// Material regions are also first-class questions, so downstream
		// consumers can walk material and subs through one arena.
		if len(big.MaterialBoxes) > 0 {
			var mat = &Question{
				ID:       big.ID + "_material",
				Kind:     KindDataAnalysisMat,
				ParentID: big.ID,
				BBoxes:   big.MaterialBoxes,
			}
			for _, pb := range big.MaterialBoxes {
				mat.PageSpan = appendPage(mat.PageSpan, pb.Page)
			}
			doc.Questions = append(doc.Questions, mat)
		}

		// The next region opens where this group's last sub ends.
		var last = lastSub(doc, big)
		if last != nil && len(last.BBoxes) > 0 {
			var tail = last.BBoxes[len(last.BBoxes)-1]
			if idx, ok := pageIndex[tail.Page]; ok {
				regionPage = idx
				regionY = tail.Box[3]
			}
		}
	}
}

func firstSub(doc *Doc, big *BigQuestion) *Question {
	if len(big.SubQuestionIDs) == 0 {
		return nil
	}
	return doc.QuestionByID(big.SubQuestionIDs[0])
}

func lastSub(doc *Doc, big *BigQuestion) *Question {
	if len(big.SubQuestionIDs) == 0 {
		return nil
	}
	return doc.QuestionByID(big.SubQuestionIDs[len(big.SubQuestionIDs)-1])
}

func sortPageSpan(span []string, pageIndex map[string]int) {
	sort.SliceStable(span, func(i, j int) bool { return pageIndex[span[i]] < pageIndex[span[j]] })
}
