package compose

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/examio/paperflow/go/structure"
	"github.com/google/uuid"
)

// SummaryFileName is the collected result document inside all_questions/.
const SummaryFileName = "summary.json"

// Summary is the final accounting of a task's outputs.
type Summary struct {
	TotalQuestions  int      `json:"total_questions"`
	NormalQuestions int      `json:"normal_questions"`
	BigQuestions    int      `json:"big_questions"`
	NormalQNoRange  *[2]int  `json:"normal_qno_range,omitempty"`
	BigQuestionIDs  []string `json:"big_question_ids"`
}

// BuildSummary derives the summary from a structure document. Material
// pseudo-questions are not counted; sub-questions count toward the total.
func BuildSummary(doc *structure.Doc) Summary {
	var s = Summary{BigQuestionIDs: []string{}}
	var normals = doc.NormalQuestions()
	s.NormalQuestions = len(normals)

	for _, q := range normals {
		if q.QNo <= 0 {
			continue
		}
		if s.NormalQNoRange == nil {
			s.NormalQNoRange = &[2]int{q.QNo, q.QNo}
			continue
		}
		if q.QNo < s.NormalQNoRange[0] {
			s.NormalQNoRange[0] = q.QNo
		}
		if q.QNo > s.NormalQNoRange[1] {
			s.NormalQNoRange[1] = q.QNo
		}
	}

	var subs int
	for _, big := range doc.BigQuestions {
		s.BigQuestionIDs = append(s.BigQuestionIDs, big.ID)
		subs += len(big.SubQuestionIDs)
	}
	s.BigQuestions = len(doc.BigQuestions)
	s.TotalQuestions = s.NormalQuestions + subs
	return s
}

// SummaryPath is the summary document path for a workdir.
func SummaryPath(workdir string) string {
	return filepath.Join(workdir, DirName, SummaryFileName)
}

// WriteSummary atomically persists the summary.
func WriteSummary(workdir string, s Summary, pretty bool) error {
	var data []byte
	var err error
	if pretty {
		data, err = json.MarshalIndent(s, "", "  ")
	} else {
		data, err = json.Marshal(s)
	}
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}

	var path = SummaryPath(workdir)
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	var tmp = filepath.Join(filepath.Dir(path), ".tmp-"+uuid.NewString())
	if err = os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing summary: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("committing summary: %w", err)
	}
	return nil
}

// LoadSummary reads a previously collected summary.
func LoadSummary(workdir string) (*Summary, error) {
	var data, err = os.ReadFile(SummaryPath(workdir))
	if err != nil {
		return nil, err
	}
	var s Summary
	if err = json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding summary: %w", err)
	}
	return &s, nil
}
