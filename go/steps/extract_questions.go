package steps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/examio/paperflow/go/pages"
	"github.com/examio/paperflow/go/runner"
	"github.com/examio/paperflow/go/taskdb"
)

// ExtractQuestions is stage 1: run every page image through the page
// processor, which resolves layout blocks via the OCR cache under a model
// lease and crops one image per detected question.
type ExtractQuestions struct{}

var _ runner.Step = (*ExtractQuestions)(nil)

func (s *ExtractQuestions) Name() string  { return taskdb.StageExtractQuestions }
func (s *ExtractQuestions) Title() string { return taskdb.StageTitles[1] }

// Prepare requires the workdir from stage 0 and a wired model gateway.
func (s *ExtractQuestions) Prepare(ctx context.Context, sc *runner.StepContext) error {
	if st, err := os.Stat(sc.Workdir); err != nil || !st.IsDir() {
		return runner.Fatal(fmt.Errorf("workdir %q is missing", sc.Workdir))
	}
	if sc.Gateway == nil {
		return runner.Fatal(errors.New("no model gateway wired"))
	}
	return nil
}

func (s *ExtractQuestions) Execute(ctx context.Context, sc *runner.StepContext) (*runner.StepResult, error) {
	var proc = pages.NewProcessor(sc.Gateway, sc.Cache, sc.Pages)
	var results, err = proc.Process(ctx, sc.Workdir, sc.Progress)
	if err != nil {
		return nil, err
	}

	// Commit every question crop the page summaries reference.
	var crops []string
	var questions, skipped int
	for _, r := range results {
		if r.Skipped {
			skipped++
		}
		questions += r.Questions

		meta, err := pages.LoadMeta(sc.Workdir, r.PageID)
		if err != nil {
			return nil, fmt.Errorf("reading summary of %s: %w", r.PageID, err)
		}
		for _, q := range meta.Questions {
			crops = append(crops, filepath.Join(sc.Workdir, filepath.FromSlash(q.Image)))
		}
	}
	refs, err := commitFiles(sc.Artifacts, sc.TaskID, s.Name(), sc.Workdir, crops)
	if err != nil {
		return nil, err
	}

	return &runner.StepResult{
		Success:   true,
		Message:   fmt.Sprintf("extracted %d question(s) from %d page(s)", questions, len(results)),
		Artifacts: refs,
		Counts: map[string]int{
			"pages":     len(results),
			"questions": questions,
			"skipped":   skipped,
		},
	}, nil
}

// Rollback keeps the OCR cache and any complete page summaries; the next
// attempt resumes from them instead of re-running inference.
func (s *ExtractQuestions) Rollback(ctx context.Context, sc *runner.StepContext) error { return nil }
