// Package events is the task event fabric: a durable append-only store with
// per-task monotonic ids, a bounded best-effort live bus, and a composite
// sink that stores an event before publishing it. Observers replay the store
// from a cursor and then follow the bus; ids never repeat or reorder within
// a task, so the cursor is the sole reconnection state.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/examio/paperflow/go/taskdb"
)

// StoredEvent is one durable event row.
type StoredEvent struct {
	ID        int64           `json:"id"`
	TaskID    string          `json:"task_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

// DefaultReplayLimit caps ListSince batches when the caller does not.
const DefaultReplayLimit = 500

// Store appends and replays durable task events. It shares the task
// database handle and issues its own short implicit transactions; never use
// it inside a taskdb.WithTx scope, which holds the only connection.
type Store struct {
	db *sql.DB
}

// NewStore wraps the shared task database handle.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// Append stores an event and returns it with its assigned id. Ids are
// allocated by a single AUTOINCREMENT sequence, so they strictly increase
// within (and across) tasks and are never reused.
func (s *Store) Append(ctx context.Context, taskID, typ string, payload json.RawMessage) (StoredEvent, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var now = taskdb.Now()

	var res, err = s.db.ExecContext(ctx,
		`INSERT INTO task_events (task_id, event_type, payload_json, created_at) VALUES (?, ?, ?, ?)`,
		taskID, typ, string(payload), now)
	if err != nil {
		return StoredEvent{}, fmt.Errorf("appending %s event of task %q: %w", typ, taskID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return StoredEvent{}, fmt.Errorf("resolving event id: %w", err)
	}

	eventsStoredCounter.Inc()
	return StoredEvent{ID: id, TaskID: taskID, Type: typ, Payload: payload, CreatedAt: now}, nil
}

// ListSince returns events of the task with id > afterID, ascending,
// at most limit (DefaultReplayLimit when limit <= 0).
func (s *Store) ListSince(ctx context.Context, taskID string, afterID int64, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = DefaultReplayLimit
	}

	var rows, err = s.db.QueryContext(ctx,
		`SELECT id, task_id, event_type, payload_json, created_at FROM task_events
		 WHERE task_id = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		taskID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing events of task %q: %w", taskID, err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		var payload string
		if err = rows.Scan(&ev.ID, &ev.TaskID, &ev.Type, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event of task %q: %w", taskID, err)
		}
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LatestID returns the highest event id of the task, or 0 when it has none.
func (s *Store) LatestID(ctx context.Context, taskID string) (int64, error) {
	var id int64
	var err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM task_events WHERE task_id = ?`, taskID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("resolving latest event id of task %q: %w", taskID, err)
	}
	return id, nil
}

// DeleteForTask removes all events of the task, returning the removed count.
func (s *Store) DeleteForTask(ctx context.Context, taskID string) (int64, error) {
	var res, err = s.db.ExecContext(ctx, `DELETE FROM task_events WHERE task_id = ?`, taskID)
	if err != nil {
		return 0, fmt.Errorf("deleting events of task %q: %w", taskID, err)
	}
	return res.RowsAffected()
}
