package steps

import (
	"context"
	"fmt"
	"os"

	"github.com/examio/paperflow/go/compose"
	"github.com/examio/paperflow/go/runner"
	"github.com/examio/paperflow/go/structure"
	"github.com/examio/paperflow/go/taskdb"
)

// ComposeLongImage is stage 3: render one PNG per question and per big
// question into {workdir}/all_questions/. Non-critical.
type ComposeLongImage struct{}

var _ runner.Step = (*ComposeLongImage)(nil)

func (s *ComposeLongImage) Name() string  { return taskdb.StageComposeLongImage }
func (s *ComposeLongImage) Title() string { return taskdb.StageTitles[3] }

// Prepare skips when there is no structure document to compose from (stage 2
// failed or never ran), and in auto mode when every output already exists.
func (s *ComposeLongImage) Prepare(ctx context.Context, sc *runner.StepContext) error {
	var path = structure.Path(sc.Workdir)
	if _, err := os.Stat(path); err != nil {
		return runner.Skip("missing_structure")
	}
	if sc.Mode != taskdb.ModeManual {
		var doc, err = structure.Load(path)
		if err != nil {
			return err
		}
		if len(doc.NormalQuestions())+len(doc.BigQuestions) > 0 && compose.IsComplete(sc.Workdir, doc) {
			return runner.Skip("already_composed")
		}
	}
	return nil
}

func (s *ComposeLongImage) Execute(ctx context.Context, sc *runner.StepContext) (*runner.StepResult, error) {
	var doc, err = structure.Load(structure.Path(sc.Workdir))
	if err != nil {
		return nil, err
	}
	if sc.Mode == taskdb.ModeManual {
		if err = compose.Wipe(sc.Workdir); err != nil {
			return nil, fmt.Errorf("wiping previous outputs: %w", err)
		}
	}

	files, err := sc.Composer.Render(ctx, sc.Workdir, doc)
	if err != nil {
		return nil, err
	}
	refs, err := commitFiles(sc.Artifacts, sc.TaskID, s.Name(), sc.Workdir, files)
	if err != nil {
		return nil, err
	}

	return &runner.StepResult{
		Success:   true,
		Message:   fmt.Sprintf("composed %d image(s)", len(files)),
		Artifacts: refs,
		Counts:    map[string]int{"images": len(files)},
	}, nil
}

// Rollback removes the output directory whole: composition has no per-file
// resume, so a failed attempt starts clean.
func (s *ComposeLongImage) Rollback(ctx context.Context, sc *runner.StepContext) error {
	return compose.Wipe(sc.Workdir)
}
