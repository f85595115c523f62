package steps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/examio/paperflow/go/rasterize"
	"github.com/examio/paperflow/go/runner"
	"github.com/examio/paperflow/go/taskdb"
	log "github.com/sirupsen/logrus"
)

// PDFToImages is stage 0: rasterize the source PDF into 1-indexed
// page_{n}.png images inside the workdir.
type PDFToImages struct{}

var _ runner.Step = (*PDFToImages)(nil)

func (s *PDFToImages) Name() string  { return taskdb.StagePDFToImages }
func (s *PDFToImages) Title() string { return taskdb.StageTitles[0] }

// Prepare verifies the source PDF exists and is readable. A document whose
// page count cannot be determined is corrupt and never worth retrying.
func (s *PDFToImages) Prepare(ctx context.Context, sc *runner.StepContext) error {
	if sc.PDFPath == "" {
		return runner.Fatal(errors.New("task has no source pdf"))
	}
	if _, err := os.Stat(sc.PDFPath); err != nil {
		return runner.Fatal(fmt.Errorf("source pdf: %w", err))
	}
	if _, err := sc.Renderer.PageCount(ctx, sc.PDFPath); err != nil {
		return runner.Fatal(fmt.Errorf("unreadable pdf %s: %w", filepath.Base(sc.PDFPath), err))
	}
	if err := os.MkdirAll(sc.Workdir, 0o755); err != nil {
		return fmt.Errorf("creating workdir: %w", err)
	}
	return nil
}

func (s *PDFToImages) Execute(ctx context.Context, sc *runner.StepContext) (*runner.StepResult, error) {
	var res, err = rasterize.RenderAll(ctx, sc.Renderer, sc.PDFPath, sc.Workdir, sc.Raster, sc.Progress)
	if err != nil {
		return nil, err
	}
	if sc.ExpectedPages > 0 && len(res.Paths) != sc.ExpectedPages {
		log.WithFields(log.Fields{
			"task":     sc.TaskID,
			"expected": sc.ExpectedPages,
			"actual":   len(res.Paths),
		}).Warn("steps: page count differs from the expectation recorded at upload")
	}

	refs, err := commitFiles(sc.Artifacts, sc.TaskID, s.Name(), sc.Workdir, res.Paths)
	if err != nil {
		return nil, err
	}

	var message = fmt.Sprintf("rendered %d page(s)", len(res.Paths)-res.Skipped)
	if res.Skipped > 0 {
		message += fmt.Sprintf(", kept %d existing", res.Skipped)
	}
	return &runner.StepResult{
		Success:   true,
		Message:   message,
		Artifacts: refs,
		Counts: map[string]int{
			"pages":   len(res.Paths),
			"skipped": res.Skipped,
		},
	}, nil
}

// Rollback keeps partial renders: with skip-existing the next attempt resumes
// from the pages that already landed.
func (s *PDFToImages) Rollback(ctx context.Context, sc *runner.StepContext) error { return nil }
