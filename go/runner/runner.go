// Package runner drives a task's five pipeline stages in order: per-stage
// retry with exponential backoff, cooperative per-task cancellation,
// durable state transitions through the task repository, and event
// emission through the composite sink. It also hosts the startup recovery
// service that re-validates persisted progress against the filesystem.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/examio/paperflow/go/events"
	"github.com/examio/paperflow/go/ops"
	"github.com/examio/paperflow/go/taskdb"
	log "github.com/sirupsen/logrus"
)

// Event types emitted by the runner. Payloads always include task_id.
const (
	EventPipelineStarted   = "pipeline_started"
	EventPipelineCompleted = "pipeline_completed"
	EventPipelineFailed    = "pipeline_failed"
	EventPipelineCancelled = "pipeline_cancelled"
	EventStepStarted       = "step_started"
	EventStepRetrying      = "step_retrying"
	EventStepSkipped       = "step_skipped"
	EventStepCompleted     = "step_completed"
	EventStepFailed        = "step_failed"
	// EventDone ends every terminal path with the task's final status, so
	// observers close their streams on one type regardless of outcome.
	EventDone = "done"
	// EventLog mirrors task log lines to live observers.
	EventLog = "log"
	// EventProgress is live-only and never stored.
	EventProgress = "progress"
)

// ErrAlreadyRunning is returned when a task is started twice concurrently.
var ErrAlreadyRunning = errors.New("task is already running")

// Config tunes the pipeline runner.
type Config struct {
	// MaxRetries bounds the attempts of one stage (default 3).
	MaxRetries int
	// RetryDelay is the base backoff delay (default 1s). The delay before
	// retry n is RetryDelay * 2^(n-1) plus up to RetryDelay/2 of jitter.
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	return c
}

// Snapshot is one task's durable state: the row plus its five steps.
type Snapshot struct {
	Task  taskdb.Task
	Steps []taskdb.Step
}

// LoadSnapshot reads the current snapshot of one task.
func LoadSnapshot(ctx context.Context, store *taskdb.Store, taskID string) (*Snapshot, error) {
	var snap *Snapshot
	var err = store.WithTx(ctx, func(ctx context.Context, tx *taskdb.Tx) error {
		var detail, err = tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		snap = &Snapshot{Task: detail.Task, Steps: detail.Steps}
		return nil
	})
	return snap, err
}

type cancelToken struct {
	flag atomic.Bool
}

func (t *cancelToken) stop()         { t.flag.Store(true) }
func (t *cancelToken) stopped() bool { return t.flag.Load() }

// Runner executes pipelines. One Runner serves many tasks; each task runs
// at most once at a time.
type Runner struct {
	cfg   Config
	store *taskdb.Store
	sink  *events.Sink
	steps []Step

	// sleep and jitter are swapped out by tests.
	sleep  func(context.Context, time.Duration) error
	jitter func() float64

	mu      sync.Mutex
	running map[string]*cancelToken
}

// New wires a runner over its task store, event sink, and ordered stages.
// A nil sink disables event emission.
func New(cfg Config, store *taskdb.Store, sink *events.Sink, steps []Step) *Runner {
	return &Runner{
		cfg:     cfg.withDefaults(),
		store:   store,
		sink:    sink,
		steps:   steps,
		sleep:   sleepContext,
		jitter:  rand.Float64,
		running: make(map[string]*cancelToken),
	}
}

// Cancel requests cooperative cancellation of a running task. The current
// stage finishes; no further stage starts. Reports whether the task was
// running.
func (r *Runner) Cancel(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	var token, ok = r.running[taskID]
	if ok {
		token.stop()
		log.WithField("task", taskID).Info("runner: cancellation requested")
	}
	return ok
}

// IsRunning reports whether the task currently runs on this runner.
func (r *Runner) IsRunning(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	var _, ok = r.running[taskID]
	return ok
}

func (r *Runner) register(taskID string) (*cancelToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[taskID]; ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrAlreadyRunning)
	}
	var token = &cancelToken{}
	r.running[taskID] = token
	return token, nil
}

func (r *Runner) unregister(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, taskID)
}

// Run executes the pipeline over the snapshot. Stages already completed
// are skipped; with startFrom set, earlier stages are skipped even when
// pending. The terminal status is: failed when a critical stage exhausts
// its retries, pending when cancelled or aborted, completed when the
// stage list runs to its end.
func (r *Runner) Run(ctx context.Context, snap *Snapshot, sc *StepContext, startFrom *int) (*Snapshot, error) {
	if len(snap.Steps) != len(r.steps) {
		return nil, fmt.Errorf("snapshot carries %d steps, runner drives %d", len(snap.Steps), len(r.steps))
	}
	if sc.TaskID != snap.Task.TaskID {
		return nil, fmt.Errorf("step context is for task %q, snapshot for %q", sc.TaskID, snap.Task.TaskID)
	}
	var taskID = snap.Task.TaskID

	var token, err = r.register(taskID)
	if err != nil {
		return nil, err
	}
	defer r.unregister(taskID)

	var coalescer = r.newCoalescer(taskID)
	if coalescer != nil {
		defer coalescer.Close()
	}

	log.WithFields(log.Fields{
		"task": taskID,
		"mode": snap.Task.Mode,
		"pdf":  snap.Task.PDFName,
	}).Info("runner: pipeline started")

	if err = r.transition(ctx, taskID, taskdb.StatusProcessing, nil, nil, "pipeline started", taskdb.LogInfo); err != nil {
		return nil, err
	}
	r.emit(ctx, taskID, EventPipelineStarted, ops.Fields{})

	for i, step := range r.steps {
		if token.stopped() {
			return r.finishCancelled(ctx, taskID)
		}

		var prior = snap.Steps[i].Status
		if startFrom != nil && i < *startFrom {
			var reason = "before_start_step"
			if prior == taskdb.StepCompleted {
				reason = "already_completed"
			} else if err = r.setStep(ctx, taskID, i, taskdb.StepSkipped, nil, nil,
				fmt.Sprintf("%s skipped: before start step", step.Title()), taskdb.LogDefault); err != nil {
				return nil, err
			}
			r.emit(ctx, taskID, EventStepSkipped, ops.Fields{"step": step.Name(), "reason": reason})
			continue
		}
		if prior == taskdb.StepCompleted {
			r.emit(ctx, taskID, EventStepSkipped, ops.Fields{"step": step.Name(), "reason": "already_completed"})
			continue
		}

		res, err := r.executeStep(ctx, sc, step, i, coalescer)
		if err != nil {
			// The run itself is aborted (context cancellation, repository
			// failure). Reset the task to pending for a later resume, on a
			// detached context since ours may already be dead.
			if stErr := r.setStatus(context.Background(), taskID, taskdb.StatusPending, nil, nil); stErr != nil {
				log.WithField("task", taskID).WithError(stErr).Warn("runner: resetting aborted task failed")
			}
			return nil, err
		}
		if res.Success || res.Skipped {
			continue
		}

		if taskdb.Critical(i) {
			return r.finishFailed(ctx, taskID, step.Name(), res.Message)
		}
		log.WithFields(log.Fields{
			"task": taskID,
			"step": step.Name(),
		}).Warn("runner: non-critical stage failed, continuing")
	}

	return r.finishCompleted(ctx, taskID)
}

// RunSingleStep executes exactly one stage with the usual retry policy.
// A critical failure fails the task; otherwise the terminal status is
// recomputed from the stage statuses.
func (r *Runner) RunSingleStep(ctx context.Context, snap *Snapshot, sc *StepContext, stepIndex int) (*Snapshot, error) {
	if stepIndex < 0 || stepIndex >= len(r.steps) {
		return nil, fmt.Errorf("step index %d out of range [0, %d)", stepIndex, len(r.steps))
	}
	if sc.TaskID != snap.Task.TaskID {
		return nil, fmt.Errorf("step context is for task %q, snapshot for %q", sc.TaskID, snap.Task.TaskID)
	}
	var taskID = snap.Task.TaskID
	var step = r.steps[stepIndex]

	var _, err = r.register(taskID)
	if err != nil {
		return nil, err
	}
	defer r.unregister(taskID)

	var coalescer = r.newCoalescer(taskID)
	if coalescer != nil {
		defer coalescer.Close()
	}

	if err = r.transition(ctx, taskID, taskdb.StatusProcessing, &stepIndex, nil,
		fmt.Sprintf("running single step: %s", step.Title()), taskdb.LogInfo); err != nil {
		return nil, err
	}

	res, err := r.executeStep(ctx, sc, step, stepIndex, coalescer)
	if err != nil {
		if stErr := r.setStatus(context.Background(), taskID, taskdb.StatusPending, nil, nil); stErr != nil {
			log.WithField("task", taskID).WithError(stErr).Warn("runner: resetting aborted task failed")
		}
		return nil, err
	}

	if !res.Success && !res.Skipped && taskdb.Critical(stepIndex) {
		return r.finishFailed(ctx, taskID, step.Name(), res.Message)
	}

	// The stage landed; the task is complete only if nothing remains.
	var remaining bool
	if err = r.store.WithTx(ctx, func(ctx context.Context, tx *taskdb.Tx) error {
		var steps, err = tx.StepsForTask(ctx, taskID)
		if err != nil {
			return err
		}
		for _, s := range steps {
			if s.Status != taskdb.StepCompleted && s.Status != taskdb.StepSkipped {
				remaining = true
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if remaining {
		if err = r.setStatus(ctx, taskID, taskdb.StatusPending, nil, nil); err != nil {
			return nil, err
		}
		r.done(ctx, taskID, taskdb.StatusPending)
		return r.reload(ctx, taskID)
	}
	return r.finishCompleted(ctx, taskID)
}

// executeStep runs one stage through its retry loop, recording durable
// state and emitting events per attempt. The returned result reflects the
// final attempt; an error return means the run itself must abort.
func (r *Runner) executeStep(ctx context.Context, sc *StepContext, step Step, index int, coalescer *events.Coalescer) (*StepResult, error) {
	var taskID = sc.TaskID
	var started = time.Now()

	sc.Progress = nil
	if coalescer != nil {
		var name = step.Name()
		sc.Progress = func(done, total int) {
			var payload, err = json.Marshal(ops.Fields{
				"step":       name,
				"step_index": index,
				"done":       done,
				"total":      total,
			})
			if err == nil {
				coalescer.Offer(payload)
			}
		}
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt == 1 {
			if err := r.store.WithTx(ctx, func(ctx context.Context, tx *taskdb.Tx) error {
				if err := tx.UpdateStepStatus(ctx, taskID, index, taskdb.StepRunning, nil, nil); err != nil {
					return err
				}
				if err := tx.UpdateTaskStatus(ctx, taskID, taskdb.StatusProcessing, &index, nil); err != nil {
					return err
				}
				return tx.AddLog(ctx, taskID, fmt.Sprintf("%s started", step.Title()), taskdb.LogInfo)
			}); err != nil {
				return nil, fmt.Errorf("recording step start: %w", err)
			}
		}
		r.emit(ctx, taskID, EventStepStarted, ops.Fields{
			"step":       step.Name(),
			"step_index": index,
			"attempt":    attempt,
		})

		var res, err = r.attempt(ctx, sc, step)
		if err == nil && res.Skipped {
			if err = r.setStep(ctx, taskID, index, taskdb.StepSkipped, nil, nil,
				fmt.Sprintf("%s skipped: %s", step.Title(), res.SkipReason), taskdb.LogInfo); err != nil {
				return nil, err
			}
			r.emit(ctx, taskID, EventStepSkipped, ops.Fields{"step": step.Name(), "reason": res.SkipReason})
			stageSeconds.WithLabelValues(step.Name(), "skipped").Observe(time.Since(started).Seconds())
			return res, nil
		}
		if err == nil && res.Success {
			var artifacts = res.Artifacts
			if artifacts == nil {
				artifacts = []string{}
			}
			var message = res.Message
			if message == "" {
				message = fmt.Sprintf("%s completed", step.Title())
			}
			if err = r.setStep(ctx, taskID, index, taskdb.StepCompleted, nil, artifacts, message, taskdb.LogSuccess); err != nil {
				return nil, err
			}
			r.emit(ctx, taskID, EventStepCompleted, ops.Fields{
				"step":           step.Name(),
				"artifact_count": len(res.Artifacts),
			})
			stageSeconds.WithLabelValues(step.Name(), "completed").Observe(time.Since(started).Seconds())
			return res, nil
		}

		var message string
		var retryable bool
		switch {
		case err != nil:
			message = err.Error()
			retryable = !IsFatal(err)
		case res.Message != "":
			message = res.Message
			retryable = res.Retryable
		default:
			message = "step failed without a message"
			retryable = res.Retryable
		}

		if rbErr := step.Rollback(ctx, sc); rbErr != nil {
			log.WithFields(log.Fields{
				"task": taskID,
				"step": step.Name(),
			}).WithError(rbErr).Warn("runner: step rollback failed")
		}

		if !retryable || attempt >= r.cfg.MaxRetries {
			if err = r.setStep(ctx, taskID, index, taskdb.StepFailed, &message, nil,
				fmt.Sprintf("%s failed: %s", step.Title(), message), taskdb.LogError); err != nil {
				return nil, err
			}
			r.emit(ctx, taskID, EventStepFailed, ops.Fields{
				"step":      step.Name(),
				"error":     message,
				"can_retry": false,
			})
			stageSeconds.WithLabelValues(step.Name(), "failed").Observe(time.Since(started).Seconds())
			return &StepResult{Success: false, Message: message}, nil
		}

		var delay = r.backoff(attempt)
		log.WithFields(log.Fields{
			"task":    taskID,
			"step":    step.Name(),
			"attempt": attempt,
			"delay":   delay.Round(time.Millisecond).String(),
			"error":   message,
		}).Warn("runner: stage failed, retrying")
		r.record(ctx, taskID, fmt.Sprintf("%s failed (attempt %d), retrying: %s", step.Title(), attempt, message), taskdb.LogDefault)
		r.emit(ctx, taskID, EventStepRetrying, ops.Fields{
			"step":    step.Name(),
			"attempt": attempt,
			"delay":   delay.Seconds(),
		})
		if err = r.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// attempt runs one prepare/execute cycle, normalizing a Prepare skip into
// a skipped result.
func (r *Runner) attempt(ctx context.Context, sc *StepContext, step Step) (*StepResult, error) {
	if err := step.Prepare(ctx, sc); err != nil {
		if reason, ok := SkipReason(err); ok {
			return &StepResult{Skipped: true, SkipReason: reason}, nil
		}
		return nil, err
	}
	var res, err = step.Execute(ctx, sc)
	if err == nil && res == nil {
		res = &StepResult{Success: false, Message: "step returned no result"}
	}
	return res, err
}

// backoff is the pre-retry delay after the given attempt: the base delay
// doubling per attempt, plus up to half the base of uniform jitter.
func (r *Runner) backoff(attempt int) time.Duration {
	var base = float64(r.cfg.RetryDelay)
	return time.Duration(base*math.Pow(2, float64(attempt-1)) + r.jitter()*base*0.5)
}

func (r *Runner) finishCompleted(ctx context.Context, taskID string) (*Snapshot, error) {
	var clear = ""
	if err := r.transition(ctx, taskID, taskdb.StatusCompleted, nil, &clear, "pipeline completed", taskdb.LogSuccess); err != nil {
		return nil, err
	}
	r.emit(ctx, taskID, EventPipelineCompleted, ops.Fields{})
	r.done(ctx, taskID, taskdb.StatusCompleted)
	pipelinesFinished.WithLabelValues(string(taskdb.StatusCompleted)).Inc()
	log.WithField("task", taskID).Info("runner: pipeline completed")
	return r.reload(ctx, taskID)
}

func (r *Runner) finishFailed(ctx context.Context, taskID, stepName, message string) (*Snapshot, error) {
	if err := r.transition(ctx, taskID, taskdb.StatusFailed, nil, &message,
		fmt.Sprintf("pipeline failed at %s: %s", stepName, message), taskdb.LogError); err != nil {
		return nil, err
	}
	r.emit(ctx, taskID, EventPipelineFailed, ops.Fields{"step": stepName, "error": message})
	r.done(ctx, taskID, taskdb.StatusFailed)
	pipelinesFinished.WithLabelValues(string(taskdb.StatusFailed)).Inc()
	log.WithFields(log.Fields{"task": taskID, "step": stepName}).Error("runner: pipeline failed")
	return r.reload(ctx, taskID)
}

func (r *Runner) finishCancelled(ctx context.Context, taskID string) (*Snapshot, error) {
	// Cancelled tasks return to pending: the operator may resume or delete.
	if err := r.transition(ctx, taskID, taskdb.StatusPending, nil, nil, "pipeline cancelled", taskdb.LogInfo); err != nil {
		return nil, err
	}
	r.emit(ctx, taskID, EventPipelineCancelled, ops.Fields{})
	r.done(ctx, taskID, taskdb.StatusPending)
	pipelinesFinished.WithLabelValues("cancelled").Inc()
	log.WithField("task", taskID).Info("runner: pipeline cancelled")
	return r.reload(ctx, taskID)
}

// transition updates the task row and appends a log line in one
// transaction, then mirrors the line as a durable log event.
func (r *Runner) transition(ctx context.Context, taskID string, status taskdb.TaskStatus, currentStep *int, errMsg *string, message string, level taskdb.LogLevel) error {
	if err := r.store.WithTx(ctx, func(ctx context.Context, tx *taskdb.Tx) error {
		if err := tx.UpdateTaskStatus(ctx, taskID, status, currentStep, errMsg); err != nil {
			return err
		}
		return tx.AddLog(ctx, taskID, message, level)
	}); err != nil {
		return fmt.Errorf("recording task transition: %w", err)
	}
	r.emit(ctx, taskID, EventLog, ops.Fields{"level": string(level), "message": message})
	return nil
}

// setStep transitions one step and appends a log line in one transaction,
// then mirrors the line as a durable log event.
func (r *Runner) setStep(ctx context.Context, taskID string, index int, status taskdb.StepStatus, stepErr *string, artifacts []string, message string, level taskdb.LogLevel) error {
	if err := r.store.WithTx(ctx, func(ctx context.Context, tx *taskdb.Tx) error {
		if err := tx.UpdateStepStatus(ctx, taskID, index, status, stepErr, artifacts); err != nil {
			return err
		}
		return tx.AddLog(ctx, taskID, message, level)
	}); err != nil {
		return fmt.Errorf("recording step transition: %w", err)
	}
	r.emit(ctx, taskID, EventLog, ops.Fields{"level": string(level), "message": message})
	return nil
}

// setStatus updates the task row without logging.
func (r *Runner) setStatus(ctx context.Context, taskID string, status taskdb.TaskStatus, currentStep *int, errMsg *string) error {
	return r.store.WithTx(ctx, func(ctx context.Context, tx *taskdb.Tx) error {
		return tx.UpdateTaskStatus(ctx, taskID, status, currentStep, errMsg)
	})
}

// record appends a task log line and mirrors it as a durable log event.
func (r *Runner) record(ctx context.Context, taskID, message string, level taskdb.LogLevel) {
	if err := r.store.WithTx(ctx, func(ctx context.Context, tx *taskdb.Tx) error {
		return tx.AddLog(ctx, taskID, message, level)
	}); err != nil {
		log.WithField("task", taskID).WithError(err).Warn("runner: appending task log failed")
	}
	r.emit(ctx, taskID, EventLog, ops.Fields{"level": string(level), "message": message})
}

// emit stores and publishes one event. Emission failures are logged, not
// propagated: the pipeline outcome is already durable in the repository.
func (r *Runner) emit(ctx context.Context, taskID, typ string, fields ops.Fields) {
	if r.sink == nil {
		return
	}
	fields["task_id"] = taskID
	var payload, err = json.Marshal(fields)
	if err != nil {
		log.WithFields(log.Fields{"task": taskID, "event": typ}).WithError(err).Warn("runner: encoding event failed")
		return
	}
	if _, err = r.sink.Emit(ctx, taskID, typ, payload); err != nil {
		log.WithFields(log.Fields{"task": taskID, "event": typ}).WithError(err).Warn("runner: emitting event failed")
	}
}

func (r *Runner) done(ctx context.Context, taskID string, status taskdb.TaskStatus) {
	r.emit(ctx, taskID, EventDone, ops.Fields{"status": string(status)})
}

func (r *Runner) newCoalescer(taskID string) *events.Coalescer {
	if r.sink == nil {
		return nil
	}
	return events.NewCoalescer(func(payload json.RawMessage) {
		r.sink.EmitLive(taskID, EventProgress, payload)
	})
}

func (r *Runner) reload(ctx context.Context, taskID string) (*Snapshot, error) {
	return LoadSnapshot(ctx, r.store, taskID)
}

// sleepContext sleeps for d or until the context ends.
func sleepContext(ctx context.Context, d time.Duration) error {
	var timer = time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
