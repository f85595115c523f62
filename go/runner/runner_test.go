package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/examio/paperflow/go/events"
	"github.com/examio/paperflow/go/taskdb"
	"github.com/stretchr/testify/require"
)

// stubStep is a scriptable stage for driving the runner.
type stubStep struct {
	name      string
	title     string
	prepare   func(ctx context.Context, sc *StepContext) error
	execute   func(ctx context.Context, sc *StepContext) (*StepResult, error)
	executes  int32
	rollbacks int32
}

var _ Step = (*stubStep)(nil)

func (s *stubStep) Name() string  { return s.name }
func (s *stubStep) Title() string { return s.title }

func (s *stubStep) Prepare(ctx context.Context, sc *StepContext) error {
	if s.prepare != nil {
		return s.prepare(ctx, sc)
	}
	return nil
}

func (s *stubStep) Execute(ctx context.Context, sc *StepContext) (*StepResult, error) {
	atomic.AddInt32(&s.executes, 1)
	if s.execute != nil {
		return s.execute(ctx, sc)
	}
	return &StepResult{Success: true}, nil
}

func (s *stubStep) Rollback(ctx context.Context, sc *StepContext) error {
	atomic.AddInt32(&s.rollbacks, 1)
	return nil
}

func (s *stubStep) executions() int { return int(atomic.LoadInt32(&s.executes)) }

// stubSteps returns five succeeding stages named like the real pipeline.
func stubSteps() []*stubStep {
	var steps = make([]*stubStep, taskdb.NumStages)
	for i := range steps {
		steps[i] = &stubStep{name: taskdb.StageNames[i], title: taskdb.StageTitles[i]}
	}
	return steps
}

func asSteps(stubs []*stubStep) []Step {
	var steps = make([]Step, len(stubs))
	for i, s := range stubs {
		steps[i] = s
	}
	return steps
}

type harness struct {
	db     *taskdb.Store
	events *events.Store
	runner *Runner

	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t *testing.T, steps []Step) *harness {
	t.Helper()
	var db, err = taskdb.Open(context.Background(), filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var store = events.NewStore(db.DB())
	var sink = events.NewSink(store, events.NewBus())

	var h = &harness{db: db, events: store}
	h.runner = New(Config{RetryDelay: 10 * time.Millisecond}, db, sink, steps)
	h.runner.jitter = func() float64 { return 0 }
	h.runner.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	return h
}

func (h *harness) createTask(t *testing.T, taskID string) *Snapshot {
	t.Helper()
	require.NoError(t, h.db.WithTx(context.Background(), func(ctx context.Context, tx *taskdb.Tx) error {
		return tx.CreateTask(ctx, taskdb.CreateTaskParams{
			TaskID:  taskID,
			Mode:    taskdb.ModeAuto,
			PDFName: "exam.pdf",
		})
	}))
	var snap, err = LoadSnapshot(context.Background(), h.db, taskID)
	require.NoError(t, err)
	return snap
}

func (h *harness) context(taskID string) *StepContext {
	return &StepContext{TaskID: taskID}
}

// eventTypes returns the durable event types of a task in id order, with
// log noise filtered out.
func (h *harness) eventTypes(t *testing.T, taskID string) []string {
	t.Helper()
	var evs, err = h.events.ListSince(context.Background(), taskID, 0, 0)
	require.NoError(t, err)
	var types []string
	for _, ev := range evs {
		if ev.Type == EventLog {
			continue
		}
		types = append(types, ev.Type)
	}
	return types
}

// eventPayloads decodes the payloads of one event type, in id order.
func (h *harness) eventPayloads(t *testing.T, taskID, typ string) []map[string]interface{} {
	t.Helper()
	var evs, err = h.events.ListSince(context.Background(), taskID, 0, 0)
	require.NoError(t, err)
	var out []map[string]interface{}
	for _, ev := range evs {
		if ev.Type != typ {
			continue
		}
		var fields map[string]interface{}
		require.NoError(t, json.Unmarshal(ev.Payload, &fields))
		require.Equal(t, taskID, fields["task_id"])
		out = append(out, fields)
	}
	return out
}

func TestHappyPathEventSequence(t *testing.T) {
	var stubs = stubSteps()
	var h = newHarness(t, asSteps(stubs))
	var snap = h.createTask(t, "t1")

	var out, err = h.runner.Run(context.Background(), snap, h.context("t1"), nil)
	require.NoError(t, err)
	require.Equal(t, taskdb.StatusCompleted, out.Task.Status)
	require.NotEmpty(t, out.Task.FinishedAt)

	// Case: the canonical sequence, in strictly ascending id order.
	require.Equal(t, []string{
		EventPipelineStarted,
		EventStepStarted, EventStepCompleted,
		EventStepStarted, EventStepCompleted,
		EventStepStarted, EventStepCompleted,
		EventStepStarted, EventStepCompleted,
		EventStepStarted, EventStepCompleted,
		EventPipelineCompleted,
		EventDone,
	}, h.eventTypes(t, "t1"))

	for _, s := range stubs {
		require.Equal(t, 1, s.executions())
	}
	var done = h.eventPayloads(t, "t1", EventDone)
	require.Len(t, done, 1)
	require.Equal(t, "completed", done[0]["status"])

	// Every step row is completed.
	for _, s := range out.Steps {
		require.Equal(t, taskdb.StepCompleted, s.Status)
	}
}

func TestNonCriticalStageFailureContinues(t *testing.T) {
	var stubs = stubSteps()
	stubs[2].execute = func(context.Context, *StepContext) (*StepResult, error) {
		return nil, errors.New("analysis blew up")
	}
	var h = newHarness(t, asSteps(stubs))
	var snap = h.createTask(t, "t2")

	var out, err = h.runner.Run(context.Background(), snap, h.context("t2"), nil)
	require.NoError(t, err)

	// Case: stage 2 exhausts three attempts with doubling backoff.
	require.Equal(t, 3, stubs[2].executions())
	h.mu.Lock()
	require.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, h.sleeps)
	h.mu.Unlock()

	var failed = h.eventPayloads(t, "t2", EventStepFailed)
	require.Len(t, failed, 1)
	require.Equal(t, taskdb.StageAnalyzeData, failed[0]["step"])
	require.Equal(t, false, failed[0]["can_retry"])
	require.Contains(t, failed[0]["error"], "analysis blew up")

	var retries = h.eventPayloads(t, "t2", EventStepRetrying)
	require.Len(t, retries, 2)
	require.Equal(t, float64(1), retries[0]["attempt"])
	require.Equal(t, float64(2), retries[1]["attempt"])

	// Case: later stages still ran and the task completed.
	require.Equal(t, 1, stubs[3].executions())
	require.Equal(t, 1, stubs[4].executions())
	require.Equal(t, taskdb.StatusCompleted, out.Task.Status)
	require.Equal(t, taskdb.StepFailed, out.Steps[2].Status)
	require.Equal(t, 3, int(atomic.LoadInt32(&stubs[2].rollbacks)))
}

func TestCriticalStageFailureFailsTask(t *testing.T) {
	var stubs = stubSteps()
	stubs[1].execute = func(context.Context, *StepContext) (*StepResult, error) {
		return &StepResult{Success: false, Message: "extraction failed", Retryable: true}, nil
	}
	var h = newHarness(t, asSteps(stubs))
	var snap = h.createTask(t, "t3")

	var out, err = h.runner.Run(context.Background(), snap, h.context("t3"), nil)
	require.NoError(t, err)

	require.Equal(t, 3, stubs[1].executions())
	require.Zero(t, stubs[2].executions())
	require.Zero(t, stubs[3].executions())
	require.Zero(t, stubs[4].executions())

	require.Equal(t, taskdb.StatusFailed, out.Task.Status)
	require.Equal(t, "extraction failed", out.Task.ErrorMessage)
	require.Equal(t, taskdb.StepFailed, out.Steps[1].Status)

	var types = h.eventTypes(t, "t3")
	require.Equal(t, []string{
		EventPipelineStarted,
		EventStepStarted, EventStepCompleted, // stage 0
		EventStepStarted, EventStepRetrying, // attempt 1
		EventStepStarted, EventStepRetrying, // attempt 2
		EventStepStarted, EventStepFailed, // attempt 3
		EventPipelineFailed,
		EventDone,
	}, types)

	var failed = h.eventPayloads(t, "t3", EventPipelineFailed)
	require.Len(t, failed, 1)
	require.Equal(t, taskdb.StageExtractQuestions, failed[0]["step"])
	require.Equal(t, "extraction failed", failed[0]["error"])

	var done = h.eventPayloads(t, "t3", EventDone)
	require.Equal(t, "failed", done[0]["status"])
}

func TestFatalErrorShortCircuitsRetry(t *testing.T) {
	var stubs = stubSteps()
	stubs[0].execute = func(context.Context, *StepContext) (*StepResult, error) {
		return nil, Fatal(errors.New("source PDF is unreadable"))
	}
	var h = newHarness(t, asSteps(stubs))
	var snap = h.createTask(t, "t4")

	var out, err = h.runner.Run(context.Background(), snap, h.context("t4"), nil)
	require.NoError(t, err)

	// Case: exactly one attempt, no retry events, no sleeping.
	require.Equal(t, 1, stubs[0].executions())
	require.Empty(t, h.eventPayloads(t, "t4", EventStepRetrying))
	h.mu.Lock()
	require.Empty(t, h.sleeps)
	h.mu.Unlock()

	require.Equal(t, taskdb.StatusFailed, out.Task.Status)
	require.Contains(t, out.Task.ErrorMessage, "unreadable")
}

func TestCancelBetweenStages(t *testing.T) {
	var stubs = stubSteps()
	var h = newHarness(t, asSteps(stubs))
	var snap = h.createTask(t, "t5")

	// Cancellation lands while stage 1 executes; the stage runs to
	// completion and no later stage starts.
	stubs[1].execute = func(context.Context, *StepContext) (*StepResult, error) {
		require.True(t, h.runner.IsRunning("t5"))
		require.True(t, h.runner.Cancel("t5"))
		return &StepResult{Success: true}, nil
	}

	var out, err = h.runner.Run(context.Background(), snap, h.context("t5"), nil)
	require.NoError(t, err)

	require.Equal(t, taskdb.StatusPending, out.Task.Status)
	require.Equal(t, taskdb.StepCompleted, out.Steps[1].Status)
	require.Zero(t, stubs[2].executions())

	// Case: no step_started is emitted for any stage past the cancel point.
	for _, ev := range h.eventPayloads(t, "t5", EventStepStarted) {
		require.LessOrEqual(t, ev["step_index"], float64(1))
	}
	var types = h.eventTypes(t, "t5")
	require.Equal(t, EventDone, types[len(types)-1])
	require.Equal(t, EventPipelineCancelled, types[len(types)-2])

	var done = h.eventPayloads(t, "t5", EventDone)
	require.Equal(t, "pending", done[0]["status"])

	// The registry is empty again.
	require.False(t, h.runner.IsRunning("t5"))
	require.False(t, h.runner.Cancel("t5"))
}

func TestSkipFromPrepare(t *testing.T) {
	var stubs = stubSteps()
	stubs[3].prepare = func(context.Context, *StepContext) error {
		return Skip("missing_structure")
	}
	var h = newHarness(t, asSteps(stubs))
	var snap = h.createTask(t, "t6")

	var out, err = h.runner.Run(context.Background(), snap, h.context("t6"), nil)
	require.NoError(t, err)

	require.Zero(t, stubs[3].executions())
	require.Equal(t, taskdb.StepSkipped, out.Steps[3].Status)
	require.Equal(t, taskdb.StatusCompleted, out.Task.Status)

	var skipped = h.eventPayloads(t, "t6", EventStepSkipped)
	require.Len(t, skipped, 1)
	require.Equal(t, "missing_structure", skipped[0]["reason"])
}

func TestStartFromSkipsEarlierStages(t *testing.T) {
	var stubs = stubSteps()
	var h = newHarness(t, asSteps(stubs))
	var snap = h.createTask(t, "t7")

	var from = 2
	var out, err = h.runner.Run(context.Background(), snap, h.context("t7"), &from)
	require.NoError(t, err)

	require.Zero(t, stubs[0].executions())
	require.Zero(t, stubs[1].executions())
	require.Equal(t, 1, stubs[2].executions())

	require.Equal(t, taskdb.StepSkipped, out.Steps[0].Status)
	require.Equal(t, taskdb.StepSkipped, out.Steps[1].Status)
	require.Equal(t, taskdb.StatusCompleted, out.Task.Status)

	var skipped = h.eventPayloads(t, "t7", EventStepSkipped)
	require.Len(t, skipped, 2)
	require.Equal(t, "before_start_step", skipped[0]["reason"])
}

func TestCompletedStagesAreSkippedOnResume(t *testing.T) {
	var stubs = stubSteps()
	var h = newHarness(t, asSteps(stubs))
	var snap = h.createTask(t, "t8")

	// Stages 0 and 1 completed in an earlier run.
	require.NoError(t, h.db.WithTx(context.Background(), func(ctx context.Context, tx *taskdb.Tx) error {
		for i := 0; i < 2; i++ {
			if err := tx.UpdateStepStatus(ctx, "t8", i, taskdb.StepCompleted, nil, []string{}); err != nil {
				return err
			}
		}
		return nil
	}))
	snap, err := LoadSnapshot(context.Background(), h.db, "t8")
	require.NoError(t, err)

	out, err := h.runner.Run(context.Background(), snap, h.context("t8"), nil)
	require.NoError(t, err)

	require.Zero(t, stubs[0].executions())
	require.Zero(t, stubs[1].executions())
	require.Equal(t, 1, stubs[2].executions())
	require.Equal(t, taskdb.StatusCompleted, out.Task.Status)

	var skipped = h.eventPayloads(t, "t8", EventStepSkipped)
	require.Len(t, skipped, 2)
	for _, ev := range skipped {
		require.Equal(t, "already_completed", ev["reason"])
	}
}

func TestConcurrentRunRejected(t *testing.T) {
	var stubs = stubSteps()
	var release = make(chan struct{})
	var entered = make(chan struct{})
	stubs[0].execute = func(ctx context.Context, sc *StepContext) (*StepResult, error) {
		close(entered)
		<-release
		return &StepResult{Success: true}, nil
	}
	var h = newHarness(t, asSteps(stubs))
	var snap = h.createTask(t, "t9")

	var done = make(chan error, 1)
	go func() {
		var _, err = h.runner.Run(context.Background(), snap, h.context("t9"), nil)
		done <- err
	}()
	<-entered

	var _, err = h.runner.Run(context.Background(), snap, h.context("t9"), nil)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	require.NoError(t, <-done)
}

func TestRunMismatchedContextRejected(t *testing.T) {
	var h = newHarness(t, asSteps(stubSteps()))
	var snap = h.createTask(t, "t10")

	var _, err = h.runner.Run(context.Background(), snap, h.context("other"), nil)
	require.Error(t, err)
}

func TestRunSingleStep(t *testing.T) {
	var stubs = stubSteps()
	var h = newHarness(t, asSteps(stubs))
	var snap = h.createTask(t, "t11")

	// Case: a successful single stage leaves the task pending while other
	// stages remain.
	out, err := h.runner.RunSingleStep(context.Background(), snap, h.context("t11"), 0)
	require.NoError(t, err)
	require.Equal(t, 1, stubs[0].executions())
	require.Zero(t, stubs[1].executions())
	require.Equal(t, taskdb.StepCompleted, out.Steps[0].Status)
	require.Equal(t, taskdb.StatusPending, out.Task.Status)

	// Case: completing the last remaining stage completes the task.
	require.NoError(t, h.db.WithTx(context.Background(), func(ctx context.Context, tx *taskdb.Tx) error {
		for i := 1; i < 4; i++ {
			if err := tx.UpdateStepStatus(ctx, "t11", i, taskdb.StepCompleted, nil, nil); err != nil {
				return err
			}
		}
		return nil
	}))
	out, err = h.runner.RunSingleStep(context.Background(), out, h.context("t11"), 4)
	require.NoError(t, err)
	require.Equal(t, taskdb.StatusCompleted, out.Task.Status)

	// Case: a critical single stage failing fails the task.
	var snap2 = h.createTask(t, "t12")
	stubs[0].execute = func(context.Context, *StepContext) (*StepResult, error) {
		return nil, Fatal(errors.New("bad input"))
	}
	out, err = h.runner.RunSingleStep(context.Background(), snap2, h.context("t12"), 0)
	require.NoError(t, err)
	require.Equal(t, taskdb.StatusFailed, out.Task.Status)

	// Case: out-of-range index is refused.
	_, err = h.runner.RunSingleStep(context.Background(), snap2, h.context("t12"), 7)
	require.Error(t, err)
}

func TestBackoffDoublesWithJitter(t *testing.T) {
	var r = New(Config{RetryDelay: time.Second}, nil, nil, nil)

	r.jitter = func() float64 { return 0 }
	require.Equal(t, time.Second, r.backoff(1))
	require.Equal(t, 2*time.Second, r.backoff(2))
	require.Equal(t, 4*time.Second, r.backoff(3))

	// Jitter adds at most half the base delay.
	r.jitter = func() float64 { return 1 }
	require.Equal(t, 1500*time.Millisecond, r.backoff(1))
	require.Equal(t, 2500*time.Millisecond, r.backoff(2))
}

func TestContextCancellationLeavesTaskPending(t *testing.T) {
	var stubs = stubSteps()
	var runCtx, cancel = context.WithCancel(context.Background())
	stubs[1].execute = func(ctx context.Context, sc *StepContext) (*StepResult, error) {
		cancel()
		return nil, errors.New("interrupted mid-flight")
	}
	var h = newHarness(t, asSteps(stubs))
	var snap = h.createTask(t, "t13")

	var _, err = h.runner.Run(runCtx, snap, h.context("t13"), nil)
	require.Error(t, err)

	// The task is left pending for a later resume.
	snap, err = LoadSnapshot(context.Background(), h.db, "t13")
	require.NoError(t, err)
	require.Equal(t, taskdb.StatusPending, snap.Task.Status)
}

func TestEventPayloadsCarryTaskID(t *testing.T) {
	var h = newHarness(t, asSteps(stubSteps()))
	var snap = h.createTask(t, "t14")

	var _, err = h.runner.Run(context.Background(), snap, h.context("t14"), nil)
	require.NoError(t, err)

	var evs, lErr = h.events.ListSince(context.Background(), "t14", 0, 0)
	require.NoError(t, lErr)
	require.NotEmpty(t, evs)
	for _, ev := range evs {
		var fields map[string]interface{}
		require.NoError(t, json.Unmarshal(ev.Payload, &fields))
		require.Equal(t, "t14", fields["task_id"], "event %d (%s)", ev.ID, ev.Type)
	}
}

func TestStepStartedAttemptsCount(t *testing.T) {
	var stubs = stubSteps()
	var fails = int32(0)
	stubs[0].execute = func(context.Context, *StepContext) (*StepResult, error) {
		if atomic.AddInt32(&fails, 1) < 3 {
			return nil, fmt.Errorf("transient %d", fails)
		}
		return &StepResult{Success: true}, nil
	}
	var h = newHarness(t, asSteps(stubs))
	var snap = h.createTask(t, "t15")

	var out, err = h.runner.Run(context.Background(), snap, h.context("t15"), nil)
	require.NoError(t, err)

	// Case: success on the final attempt still completes task and stage.
	require.Equal(t, taskdb.StatusCompleted, out.Task.Status)
	require.Equal(t, taskdb.StepCompleted, out.Steps[0].Status)

	var started = h.eventPayloads(t, "t15", EventStepStarted)
	var zero int
	for _, ev := range started {
		if ev["step"] == taskdb.StagePDFToImages {
			zero++
			require.Equal(t, float64(zero), ev["attempt"])
		}
	}
	require.Equal(t, 3, zero)
}
