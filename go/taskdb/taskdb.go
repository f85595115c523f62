package taskdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3" // Import for register side-effects.
	log "github.com/sirupsen/logrus"
)

// ErrTransactionMisuse is returned when a repository operation runs outside a
// live transaction scope, or when a transaction is opened inside another one.
var ErrTransactionMisuse = errors.New("task repository transaction misuse")

// ErrTaskExists is returned by CreateTask for a task_id that is already live.
var ErrTaskExists = errors.New("task already exists")

// ErrTaskNotFound is returned when a task_id has no live row.
var ErrTaskNotFound = errors.New("task not found")

// SQLite / go-sqlite3 is a bit fickle about raced opens of a newly created
// database, often returning "database is locked" errors. We resolve this by
// ensuring one sql.Open completes before the next starts.
var sqliteOpenMu sync.Mutex

// Store owns the SQLite database. All repository access flows through WithTx;
// the events package shares the same handle via DB().
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	log.WithField("path", path).Info("opening task database")

	sqliteOpenMu.Lock()
	db, err := sql.Open("sqlite3", path)
	if err == nil {
		err = db.PingContext(ctx)
	}
	sqliteOpenMu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("opening task database %q: %w", path, err)
	}

	// One connection serializes every statement behind WithTx's mutex and
	// keeps :memory: databases stable across calls.
	db.SetMaxOpenConns(1)

	if err = applySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the shared handle for the event store, which manages its own
// short transactions. Never use it inside a WithTx scope.
func (s *Store) DB() *sql.DB { return s.db }

// txOwnerKey marks a context as owning a live transaction.
type txOwnerKey struct{}

// Tx is a live transaction scope. Its methods refuse to run once the scope
// has committed or rolled back.
type Tx struct {
	tx   *sql.Tx
	done bool
}

// WithTx runs fn inside a serialized transaction. The context passed to fn
// carries an owner token: opening a second transaction from it fails with
// ErrTransactionMisuse instead of deadlocking, and the violation is logged
// loudly since it is always a programming error.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	if ctx.Value(txOwnerKey{}) != nil {
		log.Warn("rejected nested task repository transaction")
		return fmt.Errorf("nested transaction: %w", ErrTransactionMisuse)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var dbTx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	var tx = &Tx{tx: dbTx}
	var owned = context.WithValue(ctx, txOwnerKey{}, tx)

	if err = fn(owned, tx); err != nil {
		tx.done = true
		if rbErr := dbTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.WithError(rbErr).Warn("transaction rollback failed")
		}
		return err
	}

	tx.done = true
	if err = dbTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// live guards every repository operation against a retained, expired handle.
func (t *Tx) live() error {
	if t == nil || t.done {
		return fmt.Errorf("operation outside transaction scope: %w", ErrTransactionMisuse)
	}
	return nil
}
