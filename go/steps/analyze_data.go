package steps

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/examio/paperflow/go/ocr"
	"github.com/examio/paperflow/go/runner"
	"github.com/examio/paperflow/go/structure"
	"github.com/examio/paperflow/go/taskdb"
)

// AnalyzeData is stage 2: walk the cached layout documents and persist the
// question graph as structure.json. Non-critical; a failure here leaves the
// task able to complete without derived outputs.
type AnalyzeData struct{}

var _ runner.Step = (*AnalyzeData)(nil)

func (s *AnalyzeData) Name() string  { return taskdb.StageAnalyzeData }
func (s *AnalyzeData) Title() string { return taskdb.StageTitles[2] }

// Prepare skips re-analysis in auto mode when a structure document already
// exists, and otherwise requires a complete OCR cache: detection reads every
// page's layout document. Manual mode always rebuilds.
func (s *AnalyzeData) Prepare(ctx context.Context, sc *runner.StepContext) error {
	if sc.Mode != taskdb.ModeManual {
		if _, err := os.Stat(structure.Path(sc.Workdir)); err == nil {
			return runner.Skip("already_analyzed")
		}
	}
	var complete, err = ocr.IsComplete(sc.Workdir)
	if err != nil {
		return err
	}
	if !complete {
		return runner.Fatal(errors.New("ocr cache is incomplete; extraction must finish first"))
	}
	return nil
}

func (s *AnalyzeData) Execute(ctx context.Context, sc *runner.StepContext) (*runner.StepResult, error) {
	var docs, err = sc.Cache.LoadAll(sc.Workdir)
	if err != nil {
		return nil, err
	}
	doc, err := structure.Detect(docs, structure.Config{})
	if err != nil {
		return nil, err
	}
	if err = doc.Validate(); err != nil {
		return nil, runner.Fatal(fmt.Errorf("detected structure is inconsistent: %w", err))
	}

	// Save replaces any previous document atomically, which is the manual
	// mode rebuild.
	var path = structure.Path(sc.Workdir)
	if err = doc.Save(path, sc.PrettyJSON); err != nil {
		return nil, err
	}
	refs, err := commitFiles(sc.Artifacts, sc.TaskID, s.Name(), sc.Workdir, []string{path})
	if err != nil {
		return nil, err
	}

	return &runner.StepResult{
		Success:   true,
		Message:   fmt.Sprintf("detected %d question(s) in %d group(s)", len(doc.Questions), len(doc.BigQuestions)),
		Artifacts: refs,
		Counts: map[string]int{
			"questions":     len(doc.Questions),
			"big_questions": len(doc.BigQuestions),
			"pages":         doc.TotalPages,
		},
	}, nil
}

// Rollback keeps the previous structure document, if any; Save only replaces
// it whole.
func (s *AnalyzeData) Rollback(ctx context.Context, sc *runner.StepContext) error { return nil }
