// Package steps holds the five concrete pipeline stages the runner drives:
// rasterization, question extraction, structure detection, long-image
// composition, and result collection. Every stage commits its durable outputs
// to the artifact store and lists the references in its result, which is what
// lets recovery re-validate completed work after a restart.
package steps

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/examio/paperflow/go/artifact"
	"github.com/examio/paperflow/go/runner"
)

// Ordered returns the five pipeline stages in execution order.
func Ordered() []runner.Step {
	return []runner.Step{
		&PDFToImages{},
		&ExtractQuestions{},
		&AnalyzeData{},
		&ComposeLongImage{},
		&CollectResults{},
	}
}

// commitFiles saves each file into the artifact store under the stage's
// namespace and returns the references in input order. Files are named by
// their workdir-relative path so outputs from different page directories
// cannot collide.
func commitFiles(store *artifact.Store, taskID, stage, workdir string, paths []string) ([]string, error) {
	var refs = make([]string, 0, len(paths))
	for _, p := range paths {
		var name = p
		if rel, err := filepath.Rel(workdir, p); err == nil {
			name = filepath.ToSlash(rel)
		}
		var data, err = os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading stage output %q: %w", name, err)
		}
		ref, err := store.Save(taskID, stage, name, data)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}
