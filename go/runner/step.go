package runner

import (
	"context"
	"errors"

	"github.com/examio/paperflow/go/artifact"
	"github.com/examio/paperflow/go/compose"
	"github.com/examio/paperflow/go/model"
	"github.com/examio/paperflow/go/ocr"
	"github.com/examio/paperflow/go/ops"
	"github.com/examio/paperflow/go/pages"
	"github.com/examio/paperflow/go/rasterize"
	"github.com/examio/paperflow/go/taskdb"
)

// Step is one executable pipeline stage. The runner depends on this
// interface only; concrete executors live in go/steps.
//
// Prepare validates preconditions and may short-circuit the stage with
// Skip. Execute does the work and reports through StepResult; an error
// return is treated as a failed result whose retryability follows the
// error's type (FatalError is never retried). Rollback runs after a failed
// attempt and clears whatever partial output the stage documents it clears.
type Step interface {
	Name() string
	Title() string
	Prepare(ctx context.Context, sc *StepContext) error
	Execute(ctx context.Context, sc *StepContext) (*StepResult, error)
	Rollback(ctx context.Context, sc *StepContext) error
}

// StepContext carries one task's identity and the service handles its
// stages need. The runner installs Progress before each stage; everything
// else is wired by the caller.
type StepContext struct {
	TaskID        string
	PDFPath       string
	Workdir       string
	FileHash      string
	ExpectedPages int
	Mode          taskdb.Mode
	Meta          map[string]string

	Gateway   *model.Gateway
	Cache     *ocr.Cache
	Renderer  rasterize.Renderer
	Composer  *compose.Composer
	Artifacts *artifact.Store
	Tracer    *ops.Tracer

	Pages      pages.Config
	Raster     rasterize.Options
	PrettyJSON bool

	// Progress reports live stage progress. May be nil.
	Progress func(done, total int)
}

// StepResult is the outcome of one stage execution.
type StepResult struct {
	Success    bool
	Message    string
	Artifacts  []string
	Retryable  bool
	Skipped    bool
	SkipReason string
	Counts     map[string]int
}

// FatalError marks a stage failure that must never be retried: invalid
// input, failed validation, or a path-safety violation.
type FatalError struct {
	Err error
}

// Fatal wraps err as a FatalError. A nil err stays nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether any error in the chain is a FatalError.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// skipError short-circuits a stage from Prepare.
type skipError struct {
	reason string
}

func (e *skipError) Error() string { return "step skipped: " + e.reason }

// Skip returns an error that Prepare uses to mark the stage skipped with
// the given reason instead of executing it.
func Skip(reason string) error {
	return &skipError{reason: reason}
}

// SkipReason extracts the skip reason when err signals a skip.
func SkipReason(err error) (string, bool) {
	var skip *skipError
	if errors.As(err, &skip) {
		return skip.reason, true
	}
	return "", false
}
