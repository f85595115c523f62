package runner

import (
	"context"
	"os"
	"testing"

	"github.com/examio/paperflow/go/artifact"
	"github.com/examio/paperflow/go/taskdb"
	"github.com/stretchr/testify/require"
)

type recoveryFixture struct {
	h         *harness
	artifacts *artifact.Store
	workdir   string
}

func newRecoveryFixture(t *testing.T, steps []Step) *recoveryFixture {
	t.Helper()
	var arts, err = artifact.NewStore(t.TempDir())
	require.NoError(t, err)
	return &recoveryFixture{
		h:         newHarness(t, steps),
		artifacts: arts,
		workdir:   t.TempDir(),
	}
}

func (f *recoveryFixture) recovery() *Recovery {
	return NewRecovery(f.h.db, f.artifacts, func(taskdb.Task) string { return f.workdir })
}

// completeStep marks a step completed with one freshly stored artifact and
// returns the artifact ref.
func (f *recoveryFixture) completeStep(t *testing.T, taskID string, index int, payload string) string {
	t.Helper()
	var ref, err = f.artifacts.Save(taskID, taskdb.StageNames[index], "out.bin", []byte(payload))
	require.NoError(t, err)
	require.NoError(t, f.h.db.WithTx(context.Background(), func(ctx context.Context, tx *taskdb.Tx) error {
		return tx.UpdateStepStatus(ctx, taskID, index, taskdb.StepCompleted, nil, []string{ref})
	}))
	return ref
}

func TestRecoveryResetsRunningStage(t *testing.T) {
	var stubs = stubSteps()
	var f = newRecoveryFixture(t, asSteps(stubs))
	f.h.createTask(t, "r1")

	// Crash profile: stages 0..2 completed with live artifacts, stage 3 was
	// running when the process died, the task row says processing.
	for i := 0; i < 3; i++ {
		f.completeStep(t, "r1", i, "artifact")
	}
	require.NoError(t, f.h.db.WithTx(context.Background(), func(ctx context.Context, tx *taskdb.Tx) error {
		if err := tx.UpdateStepStatus(ctx, "r1", 3, taskdb.StepRunning, nil, nil); err != nil {
			return err
		}
		var step = 3
		return tx.UpdateTaskStatus(ctx, "r1", taskdb.StatusProcessing, &step, nil)
	}))

	var snaps, err = f.recovery().Snapshots(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	var snap = snaps[0]
	require.Equal(t, taskdb.StatusPending, snap.Task.Status)
	require.Equal(t, taskdb.StepCompleted, snap.Steps[0].Status)
	require.Equal(t, taskdb.StepCompleted, snap.Steps[1].Status)
	require.Equal(t, taskdb.StepCompleted, snap.Steps[2].Status)
	require.Equal(t, taskdb.StepPending, snap.Steps[3].Status)
	require.Equal(t, taskdb.StepPending, snap.Steps[4].Status)

	// A fresh run resumes from stage 3: 0..2 are short-circuited.
	out, err := f.h.runner.Run(context.Background(), snap, f.h.context("r1"), nil)
	require.NoError(t, err)
	require.Equal(t, taskdb.StatusCompleted, out.Task.Status)
	require.Zero(t, stubs[0].executions())
	require.Zero(t, stubs[1].executions())
	require.Zero(t, stubs[2].executions())
	require.Equal(t, 1, stubs[3].executions())
	require.Equal(t, 1, stubs[4].executions())

	var skipped = f.h.eventPayloads(t, "r1", EventStepSkipped)
	require.Len(t, skipped, 3)
	for _, ev := range skipped {
		require.Equal(t, "already_completed", ev["reason"])
	}
}

func TestRecoveryMissingArtifactCascades(t *testing.T) {
	var f = newRecoveryFixture(t, asSteps(stubSteps()))
	f.h.createTask(t, "r2")

	f.completeStep(t, "r2", 0, "pages")
	var lost = f.completeStep(t, "r2", 1, "questions")
	f.completeStep(t, "r2", 2, "structure")

	// Losing stage 1's artifact invalidates stage 1 and everything after.
	var deleted, err = f.artifacts.Delete(lost)
	require.NoError(t, err)
	require.True(t, deleted)

	snaps, err := f.recovery().Snapshots(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	var snap = snaps[0]
	require.Equal(t, taskdb.StepCompleted, snap.Steps[0].Status)
	require.Equal(t, taskdb.StepPending, snap.Steps[1].Status)
	require.Equal(t, taskdb.StepPending, snap.Steps[2].Status)
	require.Empty(t, snap.Steps[1].Artifacts)

	// The resets are durable, not just in the returned snapshot.
	reloaded, err := LoadSnapshot(context.Background(), f.h.db, "r2")
	require.NoError(t, err)
	require.Equal(t, taskdb.StepPending, reloaded.Steps[1].Status)
	require.Equal(t, taskdb.StepCompleted, reloaded.Steps[0].Status)
}

func TestRecoveryMissingWorkdirResetsEverything(t *testing.T) {
	var f = newRecoveryFixture(t, asSteps(stubSteps()))
	f.h.createTask(t, "r3")

	for i := 0; i < 3; i++ {
		f.completeStep(t, "r3", i, "artifact")
	}
	require.NoError(t, os.RemoveAll(f.workdir))

	var snaps, err = f.recovery().Snapshots(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	for _, s := range snaps[0].Steps {
		require.Equal(t, taskdb.StepPending, s.Status)
	}
}

func TestRecoveryIgnoresTerminalAndDeletedTasks(t *testing.T) {
	var f = newRecoveryFixture(t, asSteps(stubSteps()))
	f.h.createTask(t, "done")
	f.h.createTask(t, "gone")
	f.h.createTask(t, "live")

	require.NoError(t, f.h.db.WithTx(context.Background(), func(ctx context.Context, tx *taskdb.Tx) error {
		if err := tx.UpdateTaskStatus(ctx, "done", taskdb.StatusCompleted, nil, nil); err != nil {
			return err
		}
		return tx.DeleteTask(ctx, "gone", true)
	}))

	var snaps, err = f.recovery().Snapshots(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, "live", snaps[0].Task.TaskID)
}

func TestRecoveryCleanTaskUntouched(t *testing.T) {
	var f = newRecoveryFixture(t, asSteps(stubSteps()))
	f.h.createTask(t, "r4")

	// Pending task with valid completed prefix: nothing to repair.
	f.completeStep(t, "r4", 0, "pages")

	var snaps, err = f.recovery().Snapshots(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, taskdb.StepCompleted, snaps[0].Steps[0].Status)
	require.NotEmpty(t, snaps[0].Steps[0].Artifacts)

	// No recovery log line was appended.
	require.NoError(t, f.h.db.WithTx(context.Background(), func(ctx context.Context, tx *taskdb.Tx) error {
		var logs, err = tx.GetLogs(ctx, "r4", 0, 100)
		if err != nil {
			return err
		}
		for _, l := range logs {
			require.NotContains(t, l.Message, "recovery")
		}
		return nil
	}))
}

func TestWorkdirPathIsAFileCountsAsMissing(t *testing.T) {
	var f = newRecoveryFixture(t, asSteps(stubSteps()))
	f.h.createTask(t, "r5")
	f.completeStep(t, "r5", 0, "pages")

	require.NoError(t, os.RemoveAll(f.workdir))
	require.NoError(t, os.WriteFile(f.workdir, []byte("not a directory"), 0o644))

	var snaps, err = f.recovery().Snapshots(context.Background())
	require.NoError(t, err)
	require.Equal(t, taskdb.StepPending, snaps[0].Steps[0].Status)
}
