package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store[S].
//
// It keeps step history and pause checkpoints in a single-file database and
// suits single-process deployments that need checkpoints to survive a
// restart. Pass ":memory:" for an ephemeral database.
//
// Schema:
//   - workflow_steps: state after every merged stage
//   - workflow_checkpoints: one pause checkpoint per run
type SQLiteStore[S any] struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (and if needed creates) the database at path.
//
//	st, err := store.NewSQLiteStore[State]("./neuroflow.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore[S any](path string) (*SQLiteStore[S], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	store := &SQLiteStore[S]{db: db, path: path}
	if err := store.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore[S]) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			stage TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(run_id, step)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run_id ON workflow_steps(run_id)`,
		`CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			run_id TEXT NOT NULL PRIMARY KEY,
			state TEXT NOT NULL,
			paused_at TEXT NOT NULL,
			on_reject TEXT NOT NULL DEFAULT '',
			step INTEGER NOT NULL,
			version TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore[S]) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// SaveStep implements Store.
func (s *SQLiteStore[S]) SaveStep(ctx context.Context, runID string, step int, stage string, state S) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_steps (run_id, step, stage, state)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, step) DO UPDATE SET
			stage = excluded.stage,
			state = excluded.state`,
		runID, step, stage, string(stateJSON))
	if err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	return nil
}

// LoadLatest implements Store.
func (s *SQLiteStore[S]) LoadLatest(ctx context.Context, runID string) (state S, step int, err error) {
	var zero S
	if err := s.checkOpen(); err != nil {
		return zero, 0, err
	}

	var stateJSON string
	err = s.db.QueryRowContext(ctx, `
		SELECT step, state FROM workflow_steps
		WHERE run_id = ?
		ORDER BY step DESC
		LIMIT 1`, runID).Scan(&step, &stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, 0, ErrNotFound
	}
	if err != nil {
		return zero, 0, fmt.Errorf("failed to load latest step: %w", err)
	}

	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return zero, 0, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return state, step, nil
}

// SaveCheckpoint implements Store.
func (s *SQLiteStore[S]) SaveCheckpoint(ctx context.Context, cp Checkpoint[S]) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_checkpoints (run_id, state, paused_at, on_reject, step, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			state = excluded.state,
			paused_at = excluded.paused_at,
			on_reject = excluded.on_reject,
			step = excluded.step,
			version = excluded.version,
			created_at = excluded.created_at`,
		cp.RunID, string(stateJSON), cp.PausedAt, cp.OnReject, cp.Step, cp.Version, cp.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint implements Store.
func (s *SQLiteStore[S]) LoadCheckpoint(ctx context.Context, runID string) (Checkpoint[S], error) {
	if err := s.checkOpen(); err != nil {
		return Checkpoint[S]{}, err
	}

	cp := Checkpoint[S]{RunID: runID}
	var stateJSON, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT state, paused_at, on_reject, step, version, created_at
		FROM workflow_checkpoints WHERE run_id = ?`, runID).
		Scan(&stateJSON, &cp.PausedAt, &cp.OnReject, &cp.Step, &cp.Version, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint[S]{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint[S]{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if err := json.Unmarshal([]byte(stateJSON), &cp.State); err != nil {
		return Checkpoint[S]{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if cp.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Checkpoint[S]{}, fmt.Errorf("failed to parse checkpoint time: %w", err)
	}
	return cp, nil
}

// DeleteCheckpoint implements Store.
func (s *SQLiteStore[S]) DeleteCheckpoint(ctx context.Context, runID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_checkpoints WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DB exposes the underlying connection so related tables (for example the
// journal) can share the same file.
func (s *SQLiteStore[S]) DB() *sql.DB {
	return s.db
}

// Close closes the database. Calling Close more than once is a no-op.
func (s *SQLiteStore[S]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore[S]) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore[S]) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}
