package steps

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/examio/paperflow/go/compose"
	"github.com/examio/paperflow/go/ocr"
	"github.com/examio/paperflow/go/runner"
	"github.com/examio/paperflow/go/structure"
	"github.com/examio/paperflow/go/taskdb"
)

// CollectResults is stage 4: validate that every output the structure calls
// for exists and persist the final summary.json accounting.
type CollectResults struct{}

var _ runner.Step = (*CollectResults)(nil)

func (s *CollectResults) Name() string  { return taskdb.StageCollectResults }
func (s *CollectResults) Title() string { return taskdb.StageTitles[4] }

func (s *CollectResults) Prepare(ctx context.Context, sc *runner.StepContext) error {
	if st, err := os.Stat(sc.Workdir); err != nil || !st.IsDir() {
		return runner.Fatal(fmt.Errorf("workdir %q is missing", sc.Workdir))
	}
	return nil
}

func (s *CollectResults) Execute(ctx context.Context, sc *runner.StepContext) (*runner.StepResult, error) {
	var images, err = ocr.ListPageImages(sc.Workdir)
	if err != nil {
		return nil, err
	}

	var summary compose.Summary
	if len(images) == 0 {
		// A legitimately empty document collects a zero-count summary.
		summary = compose.Summary{BigQuestionIDs: []string{}}
	} else {
		doc, err := structure.Load(structure.Path(sc.Workdir))
		if err != nil {
			return nil, runner.Fatal(fmt.Errorf("no structure to collect from: %w", err))
		}
		if !compose.IsComplete(sc.Workdir, doc) {
			return nil, runner.Fatal(errors.New("question images are incomplete"))
		}
		summary = compose.BuildSummary(doc)
	}

	if err = compose.WriteSummary(sc.Workdir, summary, sc.PrettyJSON); err != nil {
		return nil, err
	}
	refs, err := commitFiles(sc.Artifacts, sc.TaskID, s.Name(), sc.Workdir,
		[]string{compose.SummaryPath(sc.Workdir)})
	if err != nil {
		return nil, err
	}

	return &runner.StepResult{
		Success:   true,
		Message:   fmt.Sprintf("collected %d question(s)", summary.TotalQuestions),
		Artifacts: refs,
		Counts: map[string]int{
			"total_questions":  summary.TotalQuestions,
			"normal_questions": summary.NormalQuestions,
			"big_questions":    summary.BigQuestions,
		},
	}, nil
}

// Rollback keeps the previous summary, if any; WriteSummary only replaces it
// whole.
func (s *CollectResults) Rollback(ctx context.Context, sc *runner.StepContext) error { return nil }
