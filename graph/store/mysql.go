package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store[S].
//
// It suits deployments where several controller processes share sessions:
// a session paused on one host can be resumed on another.
//
// Schema:
//   - workflow_steps: state after every merged stage
//   - workflow_checkpoints: one pause checkpoint per run
type MySQLStore[S any] struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore connects to MySQL and creates the schema if missing.
//
// The DSN format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param=value]
//
// Never hardcode credentials; read the DSN from configuration or the
// environment:
//
//	st, err := store.NewMySQLStore[State](os.Getenv("NEUROFLOW_CHECKPOINT_DSN"))
func NewMySQLStore[S any](dsn string) (*MySQLStore[S], error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	store := &MySQLStore[S]{db: db}
	if err := store.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

func (m *MySQLStore[S]) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			step INT NOT NULL,
			stage VARCHAR(255) NOT NULL,
			state JSON NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_run_id (run_id),
			UNIQUE KEY unique_run_step (run_id, step)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			run_id VARCHAR(255) NOT NULL PRIMARY KEY,
			state JSON NOT NULL,
			paused_at VARCHAR(255) NOT NULL,
			on_reject VARCHAR(255) NOT NULL DEFAULT '',
			step INT NOT NULL,
			version VARCHAR(64) NOT NULL,
			created_unix_nano BIGINT NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (m *MySQLStore[S]) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// SaveStep implements Store.
func (m *MySQLStore[S]) SaveStep(ctx context.Context, runID string, step int, stage string, state S) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO workflow_steps (run_id, step, stage, state)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE stage = VALUES(stage), state = VALUES(state)`,
		runID, step, stage, stateJSON)
	if err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	return nil
}

// LoadLatest implements Store.
func (m *MySQLStore[S]) LoadLatest(ctx context.Context, runID string) (state S, step int, err error) {
	var zero S
	if err := m.checkOpen(); err != nil {
		return zero, 0, err
	}

	var stateJSON []byte
	err = m.db.QueryRowContext(ctx, `
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

	if err := json.Unmarshal(stateJSON, &state); err != nil {
		return zero, 0, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return state, step, nil
}

// SaveCheckpoint implements Store.
func (m *MySQLStore[S]) SaveCheckpoint(ctx context.Context, cp Checkpoint[S]) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO workflow_checkpoints (run_id, state, paused_at, on_reject, step, version, created_unix_nano)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			state = VALUES(state),
			paused_at = VALUES(paused_at),
			on_reject = VALUES(on_reject),
			step = VALUES(step),
			version = VALUES(version),
			created_unix_nano = VALUES(created_unix_nano)`,
		cp.RunID, stateJSON, cp.PausedAt, cp.OnReject, cp.Step, cp.Version, cp.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint implements Store.
func (m *MySQLStore[S]) LoadCheckpoint(ctx context.Context, runID string) (Checkpoint[S], error) {
	if err := m.checkOpen(); err != nil {
		return Checkpoint[S]{}, err
	}

	cp := Checkpoint[S]{RunID: runID}
	var stateJSON []byte
	var created int64
	err := m.db.QueryRowContext(ctx, `
		SELECT state, paused_at, on_reject, step, version, created_unix_nano
		FROM workflow_checkpoints WHERE run_id = ?`, runID).
		Scan(&stateJSON, &cp.PausedAt, &cp.OnReject, &cp.Step, &cp.Version, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint[S]{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint[S]{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if err := json.Unmarshal(stateJSON, &cp.State); err != nil {
		return Checkpoint[S]{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	cp.CreatedAt = time.Unix(0, created).UTC()
	return cp, nil
}

// DeleteCheckpoint implements Store.
func (m *MySQLStore[S]) DeleteCheckpoint(ctx context.Context, runID string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	res, err := m.db.ExecContext(ctx, `DELETE FROM workflow_checkpoints WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DB exposes the underlying connection pool.
func (m *MySQLStore[S]) DB() *sql.DB {
	return m.db
}

// Close closes the connection pool. Calling Close more than once is a no-op.
func (m *MySQLStore[S]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Ping verifies the database connection is alive.
func (m *MySQLStore[S]) Ping(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}
