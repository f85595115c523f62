package taskdb

import (
	"context"
	"database/sql"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// SchemaDDL creates every table and index of the repository. It must stay
// idempotent: columns added after first release are introduced through
// `migrations`, never by editing an existing CREATE TABLE in place.
const SchemaDDL = `CREATE TABLE IF NOT EXISTS tasks (
	task_id        TEXT PRIMARY KEY,
	mode           TEXT NOT NULL DEFAULT 'auto' CHECK (mode IN ('auto', 'manual')),
	pdf_name       TEXT NOT NULL,
	file_hash      TEXT,
	exam_dir_name  TEXT,
	status         TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
	current_step   INTEGER NOT NULL DEFAULT -1,
	error_message  TEXT,
	expected_pages INTEGER,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL,
	finished_at    TEXT,
	deleted_at     TEXT
);

CREATE TABLE IF NOT EXISTS task_steps (
	task_id       TEXT NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
	step_index    INTEGER NOT NULL CHECK (step_index BETWEEN 0 AND 4),
	name          TEXT NOT NULL,
	title         TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'running', 'completed', 'failed', 'skipped')),
	error         TEXT,
	started_at    TEXT,
	ended_at      TEXT,
	artifact_json TEXT,
	PRIMARY KEY (task_id, step_index)
);

CREATE TABLE IF NOT EXISTS task_logs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    TEXT NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
	created_at TEXT NOT NULL,
	level      TEXT NOT NULL DEFAULT 'default' CHECK (level IN ('default', 'info', 'success', 'error')),
	message    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id      TEXT NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
	event_type   TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_tasks_file_hash ON tasks(file_hash);
CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id, id);
CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, id);
`

// migrations are additive column introductions for databases created by
// earlier releases. Each is probed before it is applied.
var migrations = []struct {
	table  string
	column string
	alter  string
}{
	{"tasks", "exam_dir_name", `ALTER TABLE tasks ADD COLUMN exam_dir_name TEXT`},
	{"tasks", "expected_pages", `ALTER TABLE tasks ADD COLUMN expected_pages INTEGER`},
	{"task_steps", "artifact_json", `ALTER TABLE task_steps ADD COLUMN artifact_json TEXT`},
}

func applySchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, SchemaDDL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}

	for _, m := range migrations {
		var exists, err = columnExists(ctx, db, m.table, m.column)
		if err != nil {
			return fmt.Errorf("probing %s.%s: %w", m.table, m.column, err)
		}
		if exists {
			continue
		}
		log.WithFields(log.Fields{
			"table":  m.table,
			"column": m.column,
		}).Info("applying schema migration")

		if _, err = db.ExecContext(ctx, m.alter); err != nil {
			return fmt.Errorf("altering %s: %w", m.table, err)
		}
	}
	return nil
}

func columnExists(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	var rows, err = db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err = rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
