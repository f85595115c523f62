package runner

import (
	"context"
	"fmt"
	"os"

	"github.com/examio/paperflow/go/artifact"
	"github.com/examio/paperflow/go/taskdb"
	log "github.com/sirupsen/logrus"
)

// Recovery rebuilds trustworthy snapshots of unfinished tasks at process
// start. Persisted progress is validated against the filesystem: a missing
// workdir resets every stage, a completed stage with a missing artifact
// resets that stage and everything after it, and stages left running by a
// dead process are reset to pending.
type Recovery struct {
	store     *taskdb.Store
	artifacts *artifact.Store
	// workdirFor resolves a task's working directory.
	workdirFor func(taskdb.Task) string
}

// NewRecovery wires the recovery service.
func NewRecovery(store *taskdb.Store, artifacts *artifact.Store, workdirFor func(taskdb.Task) string) *Recovery {
	return &Recovery{store: store, artifacts: artifacts, workdirFor: workdirFor}
}

// Snapshots loads every live pending or processing task, cleans its state,
// persists the resets, and returns the snapshots ready to resume.
func (r *Recovery) Snapshots(ctx context.Context) ([]*Snapshot, error) {
	var snaps []*Snapshot
	var err = r.store.WithTx(ctx, func(ctx context.Context, tx *taskdb.Tx) error {
		var tasks, err = tx.ListByStatuses(ctx, taskdb.StatusPending, taskdb.StatusProcessing)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			var snap, err = r.recoverTask(ctx, tx, task)
			if err != nil {
				return fmt.Errorf("recovering task %q: %w", task.TaskID, err)
			}
			snaps = append(snaps, snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(snaps) > 0 {
		log.WithField("tasks", len(snaps)).Info("recovery: rebuilt unfinished task snapshots")
	}
	return snaps, nil
}

func (r *Recovery) recoverTask(ctx context.Context, tx *taskdb.Tx, task taskdb.Task) (*Snapshot, error) {
	var steps, err = tx.StepsForTask(ctx, task.TaskID)
	if err != nil {
		return nil, err
	}

	// resetFrom is the first stage whose recorded completion cannot be
	// trusted; -1 when every completed stage still checks out.
	var resetFrom = -1
	var workdir = r.workdirFor(task)
	if st, statErr := os.Stat(workdir); statErr != nil || !st.IsDir() {
		resetFrom = 0
	} else {
		for i := range steps {
			if steps[i].Status != taskdb.StepCompleted {
				continue
			}
			for _, ref := range steps[i].Artifacts {
				if !r.artifacts.Exists(ref) {
					log.WithFields(log.Fields{
						"task":     task.TaskID,
						"step":     steps[i].Name,
						"artifact": ref,
					}).Warn("recovery: completed stage lost an artifact")
					resetFrom = i
					break
				}
			}
			if resetFrom >= 0 {
				break
			}
		}
	}

	var resets int
	for i := range steps {
		var reset = steps[i].Status == taskdb.StepRunning ||
			(resetFrom >= 0 && i >= resetFrom && steps[i].Status != taskdb.StepPending)
		if !reset {
			continue
		}
		if err = tx.UpdateStepStatus(ctx, task.TaskID, i, taskdb.StepPending, nil, []string{}); err != nil {
			return nil, err
		}
		steps[i].Status = taskdb.StepPending
		steps[i].Error = ""
		steps[i].Artifacts = nil
		resets++
	}

	if resets > 0 {
		tasksRecovered.Inc()
		if err = tx.AddLog(ctx, task.TaskID,
			fmt.Sprintf("recovery reset %d stage(s) after restart", resets), taskdb.LogInfo); err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{
			"task":   task.TaskID,
			"resets": resets,
		}).Info("recovery: reset untrusted stages")
	}

	// A task recorded as processing was interrupted; it is pending again
	// until a runner picks it up.
	if task.Status == taskdb.StatusProcessing {
		if err = tx.UpdateTaskStatus(ctx, task.TaskID, taskdb.StatusPending, nil, nil); err != nil {
			return nil, err
		}
		task.Status = taskdb.StatusPending
	}

	return &Snapshot{Task: task, Steps: steps}, nil
}
