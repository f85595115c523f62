// Package structure builds the question graph of an exam from cached layout
// documents: plain questions, data-analysis sub-questions, and the big
// questions which group five sub-questions around shared material. The graph
// serializes to a single structure.json per workdir; parent/child links are
// stored one-way (parent_id) and indexes are rebuilt on load.
package structure

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
)

// Kind classifies a question.
type Kind string

const (
	KindNormal          Kind = "normal"
	KindDataAnalysisSub Kind = "data_analysis_sub"
	KindDataAnalysisMat Kind = "data_analysis_material"
)

// FileName is the persisted document name inside a workdir.
const FileName = "structure.json"

// PageBox is one block bounding box pinned to its page.
type PageBox struct {
	Page string     `json:"page"`
	Box  [4]float64 `json:"box"`
}

// Question is one detected question.
type Question struct {
	ID          string    `json:"id"`
	QNo         int       `json:"qno,omitempty"`
	Kind        Kind      `json:"kind"`
	PageSpan    []string  `json:"page_span"`
	BBoxes      []PageBox `json:"bboxes"`
	TextPreview string    `json:"text_preview,omitempty"`
	ParentID    string    `json:"parent_id,omitempty"`
}

// BigQuestion groups contiguous data-analysis sub-questions sharing material.
type BigQuestion struct {
	ID             string    `json:"id"`
	Order          int       `json:"order"`
	PageSpan       []string  `json:"page_span"`
	MaterialBoxes  []PageBox `json:"material_bboxes"`
	SubQuestionIDs []string  `json:"sub_question_ids"`
	QNoRange       [2]int    `json:"qno_range"`
}

// Doc is the rooted question graph of one exam.
type Doc struct {
	Questions             []*Question    `json:"questions"`
	BigQuestions          []*BigQuestion `json:"big_questions"`
	DataAnalysisStartPage string         `json:"data_analysis_start_page,omitempty"`
	TotalPages            int            `json:"total_pages,omitempty"`

	// Indexes rebuilt by reindex; never serialized.
	questionByID     map[string]*Question
	childrenByParent map[string][]*Question
}

// reindex rebuilds the arena maps from the serialized one-way links.
func (d *Doc) reindex() {
	d.questionByID = make(map[string]*Question, len(d.Questions))
	d.childrenByParent = make(map[string][]*Question)
	for _, q := range d.Questions {
		d.questionByID[q.ID] = q
		if q.ParentID != "" {
			d.childrenByParent[q.ParentID] = append(d.childrenByParent[q.ParentID], q)
		}
	}
	for _, subs := range d.childrenByParent {
		sort.SliceStable(subs, func(i, j int) bool { return subs[i].QNo < subs[j].QNo })
	}
}

// QuestionByID resolves a question id, or nil.
func (d *Doc) QuestionByID(id string) *Question {
	if d.questionByID == nil {
		d.reindex()
	}
	return d.questionByID[id]
}

// ChildrenOf returns the sub-questions of a big question in ascending qno.
func (d *Doc) ChildrenOf(bigID string) []*Question {
	if d.childrenByParent == nil {
		d.reindex()
	}
	return d.childrenByParent[bigID]
}

// InBigRange reports whether qno falls inside any big question's range.
func (d *Doc) InBigRange(qno int) bool {
	for _, big := range d.BigQuestions {
		if qno >= big.QNoRange[0] && qno <= big.QNoRange[1] {
			return true
		}
	}
	return false
}

// NormalQuestions returns questions rendered standalone: every question not
// claimed by a big question's range.
func (d *Doc) NormalQuestions() []*Question {
	var out []*Question
	for _, q := range d.Questions {
		if q.Kind == KindNormal && !d.InBigRange(q.QNo) {
			out = append(out, q)
		}
	}
	return out
}

// Validate checks the graph invariants: unique question ids, resolvable
// parents, and per-big sub-questions ascending, contiguous, and of sub kind.
func (d *Doc) Validate() error {
	var seen = make(map[string]bool, len(d.Questions))
	for _, q := range d.Questions {
		if q.ID == "" {
			return errors.New("question with empty id")
		}
		if seen[q.ID] {
			return fmt.Errorf("duplicate question id %q", q.ID)
		}
		seen[q.ID] = true
	}

	var bigByID = make(map[string]*BigQuestion, len(d.BigQuestions))
	for _, big := range d.BigQuestions {
		bigByID[big.ID] = big
	}
	for _, q := range d.Questions {
		if q.ParentID != "" {
			if _, ok := bigByID[q.ParentID]; !ok {
				return fmt.Errorf("question %q references unknown parent %q", q.ID, q.ParentID)
			}
		}
	}

	for _, big := range d.BigQuestions {
		var prev = big.QNoRange[0] - 1
		for _, id := range big.SubQuestionIDs {
			var sub = d.QuestionByID(id)
			if sub == nil {
				return fmt.Errorf("big question %q references unknown sub %q", big.ID, id)
			}
			if sub.Kind != KindDataAnalysisSub {
				return fmt.Errorf("sub %q of big question %q has kind %q", id, big.ID, sub.Kind)
			}
			if sub.QNo != prev+1 {
				return fmt.Errorf("big question %q subs are not contiguous at qno %d", big.ID, sub.QNo)
			}
			prev = sub.QNo
		}
		if prev != big.QNoRange[1] {
			return fmt.Errorf("big question %q range [%d, %d] does not match its subs",
				big.ID, big.QNoRange[0], big.QNoRange[1])
		}
	}
	return nil
}

// Path is the document path for a workdir.
func Path(workdir string) string { return filepath.Join(workdir, FileName) }

// Load reads and reindexes the document at path.
func Load(path string) (*Doc, error) {
	var data, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading structure %q: %w", path, err)
	}
	var doc Doc
	if err = json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding structure %q: %w", path, err)
	}
	doc.reindex()
	return &doc, nil
}

// Save atomically persists the document.
func (d *Doc) Save(path string, pretty bool) error {
	var data []byte
	var err error
	if pretty {
		data, err = json.MarshalIndent(d, "", "  ")
	} else {
		data, err = json.Marshal(d)
	}
	if err != nil {
		return fmt.Errorf("encoding structure: %w", err)
	}

	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating structure directory: %w", err)
	}
	var tmp = filepath.Join(filepath.Dir(path), ".tmp-"+uuid.NewString())
	if err = os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing structure: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("committing structure: %w", err)
	}
	return nil
}
