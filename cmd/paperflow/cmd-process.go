package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/examio/paperflow/go/model"
	"github.com/examio/paperflow/go/runner"
	"github.com/examio/paperflow/go/runtime"
	"github.com/examio/paperflow/go/taskdb"
	"github.com/fatih/color"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type cmdProcess struct {
	Mode          string `long:"mode" default:"auto" choice:"auto" choice:"manual" description:"Processing mode. Manual mode recomposes from operator-edited structure."`
	ExamDir       string `long:"exam-dir" description:"Working directory name of the task. Defaults to the PDF name without extension."`
	ExpectedPages int    `long:"expected-pages" description:"Fail fast when the rendered page count differs. 0 accepts any count."`
	StartStep     int    `long:"start-step" description:"Skip stages before this index (0-4)."`

	runtime.Config

	Positional struct {
		PDF string `positional-arg-name:"pdf" required:"true" description:"Path of the exam paper PDF"`
	} `positional-args:"yes"`
}

func (cmd cmdProcess) execute(ctx context.Context) error {
	if cmd.StartStep < 0 || cmd.StartStep >= taskdb.NumStages {
		return fmt.Errorf("start-step must be within [0, %d)", taskdb.NumStages)
	}

	var svc, err = runtime.NewService(ctx, cmd.Config)
	if err != nil {
		return err
	}
	defer svc.Close()
	model.SetShared(svc.Gateway)

	hash, err := hashFile(cmd.Positional.PDF)
	if err != nil {
		return fmt.Errorf("hashing %s: %w", cmd.Positional.PDF, err)
	}

	// Re-processing the same bytes resumes the live task holding them
	// instead of creating a duplicate.
	var task taskdb.Task
	var created bool
	if err = svc.DB.WithTx(ctx, func(ctx context.Context, tx *taskdb.Tx) error {
		var found, err = tx.FindTaskByHash(ctx, hash)
		if err != nil {
			return err
		}
		if found != nil {
			task = *found
			return nil
		}

		var examDir = cmd.ExamDir
		if examDir == "" {
			var base = filepath.Base(cmd.Positional.PDF)
			examDir = strings.TrimSuffix(base, filepath.Ext(base))
		}
		var params = taskdb.CreateTaskParams{
			TaskID:        uuid.NewString(),
			Mode:          taskdb.Mode(cmd.Mode),
			PDFName:       filepath.Base(cmd.Positional.PDF),
			FileHash:      hash,
			ExamDirName:   examDir,
			ExpectedPages: cmd.ExpectedPages,
		}
		if err = tx.CreateTask(ctx, params); err != nil {
			return err
		}
		// Reload so timestamps and defaults reflect the stored row.
		detail, err := tx.GetTask(ctx, params.TaskID)
		if err != nil {
			return err
		}
		task = detail.Task
		created = true
		return nil
	}); err != nil {
		return err
	}

	if created {
		fmt.Println("created task", green(task.TaskID))
	} else {
		fmt.Println("resuming task", yellow(task.TaskID), "holding the same file")
	}

	if err = stageSource(cmd.Positional.PDF, svc.SourcePath(task)); err != nil {
		return fmt.Errorf("staging source pdf: %w", err)
	}

	snap, err := runner.LoadSnapshot(ctx, svc.DB, task.TaskID)
	if err != nil {
		return err
	}
	var startFrom *int
	if cmd.StartStep > 0 {
		startFrom = &cmd.StartStep
	}
	if snap, err = svc.Runner.Run(ctx, snap, svc.StepContext(task), startFrom); err != nil {
		return err
	}

	printSnapshot(snap)
	if snap.Task.Status != taskdb.StatusCompleted {
		return fmt.Errorf("task %s finished %s", snap.Task.TaskID, snap.Task.Status)
	}
	return nil
}

func (cmd cmdProcess) Execute(_ []string) error {
	runtime.InitLog(cmd.Log)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		var sig = <-signalCh
		log.WithField("signal", sig).Info("caught signal; aborting the run")
		cancel()
	}()

	log.WithFields(log.Fields{"config": cmd}).Debug("paperflow configuration")
	return cmd.execute(ctx)
}

// hashFile streams the file through SHA-256 and returns the hex digest.
func hashFile(path string) (string, error) {
	var f, err = os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var h = sha256.New()
	if _, err = io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// stageSource copies the source PDF into the task workdir once, so resumed
// runs find their input without the original path.
func stageSource(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	var in, err = os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".staging-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err = io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func printSnapshot(snap *runner.Snapshot) {
	fmt.Printf("task %s (%s) is %s\n",
		snap.Task.TaskID, snap.Task.PDFName, coloredStatus(string(snap.Task.Status)))
	for _, s := range snap.Steps {
		fmt.Printf("  %d  %-24s %s\n", s.StepIndex, s.Name, coloredStatus(string(s.Status)))
		if s.Error != "" {
			fmt.Printf("     %s\n", red(s.Error))
		}
	}
}

// statusColor picks the color of a task or step status string.
func statusColor(s string) func(...interface{}) string {
	switch s {
	case string(taskdb.StatusCompleted):
		return green
	case string(taskdb.StatusFailed):
		return red
	case string(taskdb.StatusProcessing), string(taskdb.StepRunning):
		return yellow
	default:
		return fmt.Sprint
	}
}

func coloredStatus(s string) string { return statusColor(s)(s) }

var green = color.New(color.FgGreen).SprintFunc()
var yellow = color.New(color.FgYellow).SprintFunc()
var red = color.New(color.FgRed).SprintFunc()
