package taskdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// CreateTaskParams are the caller-supplied fields of a new task. Zero values
// of optional fields (FileHash, ExamDirName, ExpectedPages) are stored NULL.
type CreateTaskParams struct {
	TaskID        string
	Mode          Mode
	PDFName       string
	FileHash      string
	ExamDirName   string
	ExpectedPages int
}

const taskColumns = `task_id, mode, pdf_name, file_hash, exam_dir_name, status,
	current_step, error_message, expected_pages, created_at, updated_at, finished_at, deleted_at`

// CreateTask inserts a task and its five pending steps. A live task with the
// same id fails with ErrTaskExists; a soft-deleted one is purged first, so
// create-delete-create sequences work.
func (t *Tx) CreateTask(ctx context.Context, p CreateTaskParams) error {
	if err := t.live(); err != nil {
		return err
	}
	if p.Mode == "" {
		p.Mode = ModeAuto
	}

	var deletedAt sql.NullString
	var err = t.tx.QueryRowContext(ctx,
		`SELECT deleted_at FROM tasks WHERE task_id = ?`, p.TaskID).Scan(&deletedAt)
	switch {
	case err == nil && !deletedAt.Valid:
		return fmt.Errorf("task %q: %w", p.TaskID, ErrTaskExists)
	case err == nil:
		if err = t.purgeTask(ctx, p.TaskID); err != nil {
			return err
		}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("probing task %q: %w", p.TaskID, err)
	}

	var now = Now()
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO tasks (task_id, mode, pdf_name, file_hash, exam_dir_name, status,
			current_step, expected_pages, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.TaskID, string(p.Mode), p.PDFName,
		nullIfEmpty(p.FileHash), nullIfEmpty(p.ExamDirName),
		string(StatusPending), -1, nullIfZero(p.ExpectedPages), now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting task %q: %w", p.TaskID, err)
	}

	for i := 0; i < NumStages; i++ {
		_, err = t.tx.ExecContext(ctx,
			`INSERT INTO task_steps (task_id, step_index, name, title, status)
			 VALUES (?, ?, ?, ?, ?)`,
			p.TaskID, i, StageNames[i], StageTitles[i], string(StepPending),
		)
		if err != nil {
			return fmt.Errorf("inserting step %d of task %q: %w", i, p.TaskID, err)
		}
	}
	return nil
}

// GetTask returns the task, its five steps, and up to 100 most recent logs in
// chronological order. Soft-deleted tasks are invisible.
func (t *Tx) GetTask(ctx context.Context, taskID string) (*TaskDetail, error) {
	if err := t.live(); err != nil {
		return nil, err
	}

	var task, err = scanTask(t.tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = ? AND deleted_at IS NULL`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %q: %w", taskID, ErrTaskNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("loading task %q: %w", taskID, err)
	}

	steps, err := t.StepsForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, task_id, created_at, level, message FROM task_logs
		 WHERE task_id = ? ORDER BY id DESC LIMIT 100`, taskID)
	if err != nil {
		return nil, fmt.Errorf("loading logs of task %q: %w", taskID, err)
	}
	defer rows.Close()

	var logs []LogEntry
	for rows.Next() {
		var entry LogEntry
		var level string
		if err = rows.Scan(&entry.ID, &entry.TaskID, &entry.CreatedAt, &level, &entry.Message); err != nil {
			return nil, fmt.Errorf("scanning log of task %q: %w", taskID, err)
		}
		entry.Level = LogLevel(level)
		logs = append(logs, entry)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	// Most-recent-first from the index; flip to chronological.
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}

	return &TaskDetail{Task: task, Steps: steps, RecentLogs: logs}, nil
}

// StepsForTask returns the task's steps ordered by index.
func (t *Tx) StepsForTask(ctx context.Context, taskID string) ([]Step, error) {
	if err := t.live(); err != nil {
		return nil, err
	}

	var rows, err = t.tx.QueryContext(ctx,
		`SELECT task_id, step_index, name, title, status, error, started_at, ended_at, artifact_json
		 FROM task_steps WHERE task_id = ? ORDER BY step_index ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("loading steps of task %q: %w", taskID, err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var step Step
		var status string
		var stepErr, started, ended, artifacts sql.NullString
		if err = rows.Scan(&step.TaskID, &step.StepIndex, &step.Name, &step.Title,
			&status, &stepErr, &started, &ended, &artifacts); err != nil {
			return nil, fmt.Errorf("scanning step of task %q: %w", taskID, err)
		}
		step.Status = StepStatus(status)
		step.Error = stepErr.String
		step.StartedAt = started.String
		step.EndedAt = ended.String
		if step.Artifacts, err = unmarshalArtifacts(artifacts); err != nil {
			return nil, fmt.Errorf("decoding artifacts of step %d, task %q: %w", step.StepIndex, taskID, err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// ListTasks returns non-deleted tasks, newest first. An empty status matches
// every status.
func (t *Tx) ListTasks(ctx context.Context, status TaskStatus, limit, offset int) ([]Task, error) {
	if err := t.live(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	var query = `SELECT ` + taskColumns + ` FROM tasks WHERE deleted_at IS NULL`
	var args []interface{}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	var rows, err = t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ListByStatuses returns non-deleted tasks in any of the given statuses,
// oldest first, for recovery sweeps.
func (t *Tx) ListByStatuses(ctx context.Context, statuses ...TaskStatus) ([]Task, error) {
	if err := t.live(); err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return nil, nil
	}

	var marks = make([]string, len(statuses))
	var args = make([]interface{}, len(statuses))
	for i, s := range statuses {
		marks[i] = "?"
		args[i] = string(s)
	}
	var rows, err = t.tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE deleted_at IS NULL AND status IN (`+
			strings.Join(marks, ", ")+`) ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks by status: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// FindTaskByHash returns the most recent non-deleted task with the given file
// hash, or nil when none matches.
func (t *Tx) FindTaskByHash(ctx context.Context, hash string) (*Task, error) {
	if err := t.live(); err != nil {
		return nil, err
	}

	var task, err = scanTask(t.tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE file_hash = ? AND deleted_at IS NULL
		 ORDER BY created_at DESC LIMIT 1`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("finding task by hash: %w", err)
	}
	return &task, nil
}

// UpdateTaskStatus transitions a task. currentStep and errMsg are applied only
// when non-nil; an empty *errMsg clears the stored message. finished_at is
// stamped when the status is terminal and cleared otherwise.
func (t *Tx) UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus, currentStep *int, errMsg *string) error {
	if err := t.live(); err != nil {
		return err
	}

	var now = Now()
	var sets = []string{"status = ?", "updated_at = ?"}
	var args = []interface{}{string(status), now}

	if currentStep != nil {
		sets = append(sets, "current_step = ?")
		args = append(args, *currentStep)
	}
	if errMsg != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullIfEmpty(*errMsg))
	}
	if status.Terminal() {
		sets = append(sets, "finished_at = ?")
		args = append(args, now)
	} else {
		sets = append(sets, "finished_at = NULL")
	}
	args = append(args, taskID)

	var res, err = t.tx.ExecContext(ctx,
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE task_id = ? AND deleted_at IS NULL`, args...)
	if err != nil {
		return fmt.Errorf("updating task %q: %w", taskID, err)
	}
	return requireRow(res, taskID)
}

// UpdateStepStatus transitions one step. started_at is stamped on the first
// transition to running; ended_at on completed, failed, or skipped; a reset to
// pending clears timestamps and error. artifacts semantics: nil leaves the
// stored refs untouched, an empty non-nil slice clears them.
func (t *Tx) UpdateStepStatus(ctx context.Context, taskID string, stepIndex int, status StepStatus, stepErr *string, artifacts []string) error {
	if err := t.live(); err != nil {
		return err
	}

	var now = Now()
	var sets = []string{"status = ?"}
	var args = []interface{}{string(status)}

	switch status {
	case StepRunning:
		sets = append(sets, "started_at = COALESCE(started_at, ?)", "ended_at = NULL")
		args = append(args, now)
	case StepCompleted, StepFailed, StepSkipped:
		sets = append(sets, "ended_at = ?")
		args = append(args, now)
	case StepPending:
		sets = append(sets, "started_at = NULL", "ended_at = NULL", "error = NULL")
	}

	if stepErr != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullIfEmpty(*stepErr))
	}
	if artifacts != nil {
		encoded, err := json.Marshal(artifacts)
		if err != nil {
			return fmt.Errorf("encoding artifacts: %w", err)
		}
		sets = append(sets, "artifact_json = ?")
		args = append(args, string(encoded))
	}
	args = append(args, taskID, stepIndex)

	var res, err = t.tx.ExecContext(ctx,
		`UPDATE task_steps SET `+strings.Join(sets, ", ")+` WHERE task_id = ? AND step_index = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating step %d of task %q: %w", stepIndex, taskID, err)
	}
	return requireRow(res, taskID)
}

// AddLog appends a task log line and bumps the task's updated_at.
func (t *Tx) AddLog(ctx context.Context, taskID, message string, level LogLevel) error {
	if err := t.live(); err != nil {
		return err
	}
	if level == "" {
		level = LogDefault
	}

	var now = Now()
	var _, err = t.tx.ExecContext(ctx,
		`INSERT INTO task_logs (task_id, created_at, level, message) VALUES (?, ?, ?, ?)`,
		taskID, now, string(level), message)
	if err != nil {
		return fmt.Errorf("appending log of task %q: %w", taskID, err)
	}

	res, err := t.tx.ExecContext(ctx,
		`UPDATE tasks SET updated_at = ? WHERE task_id = ? AND deleted_at IS NULL`, now, taskID)
	if err != nil {
		return fmt.Errorf("touching task %q: %w", taskID, err)
	}
	return requireRow(res, taskID)
}

// GetLogs returns logs with id > sinceID in chronological order.
func (t *Tx) GetLogs(ctx context.Context, taskID string, sinceID int64, limit int) ([]LogEntry, error) {
	if err := t.live(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	var rows, err = t.tx.QueryContext(ctx,
		`SELECT id, task_id, created_at, level, message FROM task_logs
		 WHERE task_id = ? AND id > ? ORDER BY id ASC LIMIT ?`, taskID, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading logs of task %q: %w", taskID, err)
	}
	defer rows.Close()

	var logs []LogEntry
	for rows.Next() {
		var entry LogEntry
		var level string
		if err = rows.Scan(&entry.ID, &entry.TaskID, &entry.CreatedAt, &level, &entry.Message); err != nil {
			return nil, fmt.Errorf("scanning log of task %q: %w", taskID, err)
		}
		entry.Level = LogLevel(level)
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// DeleteTask soft-deletes by default. A hard delete removes the task and
// cascades over its steps, logs, and events.
func (t *Tx) DeleteTask(ctx context.Context, taskID string, soft bool) error {
	if err := t.live(); err != nil {
		return err
	}

	if soft {
		var now = Now()
		res, err := t.tx.ExecContext(ctx,
			`UPDATE tasks SET deleted_at = ?, updated_at = ? WHERE task_id = ? AND deleted_at IS NULL`,
			now, now, taskID)
		if err != nil {
			return fmt.Errorf("soft-deleting task %q: %w", taskID, err)
		}
		return requireRow(res, taskID)
	}
	return t.purgeTask(ctx, taskID)
}

// purgeTask hard-deletes a task row and all of its children.
func (t *Tx) purgeTask(ctx context.Context, taskID string) error {
	for _, stmt := range []string{
		`DELETE FROM task_events WHERE task_id = ?`,
		`DELETE FROM task_logs WHERE task_id = ?`,
		`DELETE FROM task_steps WHERE task_id = ?`,
		`DELETE FROM tasks WHERE task_id = ?`,
	} {
		if _, err := t.tx.ExecContext(ctx, stmt, taskID); err != nil {
			return fmt.Errorf("purging task %q: %w", taskID, err)
		}
	}
	return nil
}

func scanTask(row interface{ Scan(...interface{}) error }) (Task, error) {
	var task Task
	var mode, status string
	var fileHash, examDir, errMsg, finished, deleted sql.NullString
	var expected sql.NullInt64

	var err = row.Scan(&task.TaskID, &mode, &task.PDFName, &fileHash, &examDir,
		&status, &task.CurrentStep, &errMsg, &expected,
		&task.CreatedAt, &task.UpdatedAt, &finished, &deleted)
	if err != nil {
		return Task{}, err
	}
	task.Mode = Mode(mode)
	task.Status = TaskStatus(status)
	task.FileHash = fileHash.String
	task.ExamDirName = examDir.String
	task.ErrorMessage = errMsg.String
	task.ExpectedPages = int(expected.Int64)
	task.FinishedAt = finished.String
	task.DeletedAt = deleted.String
	return task, nil
}

func unmarshalArtifacts(s sql.NullString) ([]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var refs []string
	if err := json.Unmarshal([]byte(s.String), &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}

func requireRow(res sql.Result, taskID string) error {
	var n, err = res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %q: %w", taskID, ErrTaskNotFound)
	}
	return nil
}
