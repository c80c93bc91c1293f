package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// dialect holds the statements that differ between SQLite and MySQL.
type dialect struct {
	name       string
	schema     []string
	upsertTask string
}

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS interaction_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			recorded_at INTEGER NOT NULL,
			typing_speed REAL NOT NULL,
			message_length INTEGER NOT NULL,
			response_time REAL NOT NULL,
			session_minutes REAL NOT NULL,
			task_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interaction_session ON interaction_metrics(session_id)`,
		`CREATE TABLE IF NOT EXISTS pattern_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			recorded_at INTEGER NOT NULL,
			pattern TEXT NOT NULL,
			confidence REAL NOT NULL,
			level INTEGER NOT NULL,
			context TEXT NOT NULL DEFAULT '',
			intervention TEXT NOT NULL DEFAULT '',
			success INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pattern_session ON pattern_events(session_id)`,
		`CREATE TABLE IF NOT EXISTS task_history (
			task_id TEXT NOT NULL PRIMARY KEY,
			session_id TEXT NOT NULL,
			description TEXT NOT NULL,
			task_type TEXT NOT NULL,
			estimated_minutes INTEGER NOT NULL,
			actual_minutes INTEGER NOT NULL DEFAULT 0,
			energy_at_start INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			completed_at INTEGER
		)`,
	},
	upsertTask: `
		INSERT INTO task_history (task_id, session_id, description, task_type, estimated_minutes,
			actual_minutes, energy_at_start, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			session_id = excluded.session_id,
			description = excluded.description,
			task_type = excluded.task_type,
			estimated_minutes = excluded.estimated_minutes,
			actual_minutes = excluded.actual_minutes,
			energy_at_start = excluded.energy_at_start,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
}

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS interaction_metrics (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			session_id VARCHAR(255) NOT NULL,
			recorded_at BIGINT NOT NULL,
			typing_speed DOUBLE NOT NULL,
			message_length INT NOT NULL,
			response_time DOUBLE NOT NULL,
			session_minutes DOUBLE NOT NULL,
			task_id VARCHAR(255) NOT NULL DEFAULT '',
			INDEX idx_interaction_session (session_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS pattern_events (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			session_id VARCHAR(255) NOT NULL,
			recorded_at BIGINT NOT NULL,
			pattern VARCHAR(64) NOT NULL,
			confidence DOUBLE NOT NULL,
			level INT NOT NULL,
			context TEXT NOT NULL,
			intervention TEXT NOT NULL,
			success TINYINT NOT NULL DEFAULT 0,
			INDEX idx_pattern_session (session_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS task_history (
			task_id VARCHAR(255) NOT NULL PRIMARY KEY,
			session_id VARCHAR(255) NOT NULL,
			description TEXT NOT NULL,
			task_type VARCHAR(64) NOT NULL,
			estimated_minutes INT NOT NULL,
			actual_minutes INT NOT NULL DEFAULT 0,
			energy_at_start INT NOT NULL,
			started_at BIGINT NOT NULL,
			completed_at BIGINT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	},
	upsertTask: `
		INSERT INTO task_history (task_id, session_id, description, task_type, estimated_minutes,
			actual_minutes, energy_at_start, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			session_id = VALUES(session_id),
			description = VALUES(description),
			task_type = VALUES(task_type),
			estimated_minutes = VALUES(estimated_minutes),
			actual_minutes = VALUES(actual_minutes),
			energy_at_start = VALUES(energy_at_start),
			started_at = VALUES(started_at),
			completed_at = VALUES(completed_at)`,
}

// SQLJournal stores the journal in SQLite or MySQL.
//
// Timestamps are stored as Unix nanoseconds so both dialects share every
// query but the schema and the task upsert.
type SQLJournal struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// Option configures an SQLJournal.
type Option func(*SQLJournal)

// WithLogger sets the component logger.
func WithLogger(logger *zap.Logger) Option {
	return func(j *SQLJournal) {
		if logger != nil {
			j.logger = logger
		}
	}
}

// OpenSQLite opens (and if needed creates) a SQLite journal at path.
// Pass ":memory:" for an ephemeral journal.
func OpenSQLite(path string, opts ...Option) (*SQLJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}
	// One connection keeps a ":memory:" database alive and serialises writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure SQLite: %w", err)
	}
	return newSQLJournal(db, sqliteDialect, opts)
}

// OpenMySQL connects to MySQL with dsn, e.g.
// "user:pass@tcp(localhost:3306)/neuroflow".
func OpenMySQL(dsn string, opts ...Option) (*SQLJournal, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}
	return newSQLJournal(db, mysqlDialect, opts)
}

func newSQLJournal(db *sql.DB, d dialect, opts []Option) (*SQLJournal, error) {
	j := &SQLJournal{db: db, dialect: d, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = j.logger.With(zap.String("component", "journal"), zap.String("dialect", d.name))

	ctx := context.Background()
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create tables: %w", err)
		}
	}
	j.logger.Debug("journal schema ready")
	return j, nil
}

func (j *SQLJournal) checkOpen() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}
	return nil
}

// RecordInteraction implements Journal.
func (j *SQLJournal) RecordInteraction(ctx context.Context, m Interaction) error {
	if err := j.checkOpen(); err != nil {
		return err
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO interaction_metrics (session_id, recorded_at, typing_speed, message_length,
			response_time, session_minutes, task_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.SessionID, m.At.UnixNano(), m.TypingSpeed, m.MessageLength,
		m.ResponseTime, m.SessionMinutes, m.TaskID,
	)
	if err != nil {
		return fmt.Errorf("failed to record interaction: %w", err)
	}
	return nil
}

// RecentInteractions implements Journal.
func (j *SQLJournal) RecentInteractions(ctx context.Context, sessionID string, limit int) ([]Interaction, error) {
	if err := j.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT session_id, recorded_at, typing_speed, message_length, response_time, session_minutes, task_id
		FROM interaction_metrics
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query interactions: %w", err)
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var m Interaction
		var at int64
		if err := rows.Scan(&m.SessionID, &at, &m.TypingSpeed, &m.MessageLength,
			&m.ResponseTime, &m.SessionMinutes, &m.TaskID); err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}
		m.At = time.Unix(0, at).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecordPattern implements Journal.
func (j *SQLJournal) RecordPattern(ctx context.Context, e PatternEvent) error {
	if err := j.checkOpen(); err != nil {
		return err
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO pattern_events (session_id, recorded_at, pattern, confidence, level, context, intervention, success)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.At.UnixNano(), e.Pattern, e.Confidence, e.Level,
		e.Context, e.Intervention, boolInt(e.Success),
	)
	if err != nil {
		return fmt.Errorf("failed to record pattern: %w", err)
	}
	return nil
}

// PatternCounts implements Journal.
func (j *SQLJournal) PatternCounts(ctx context.Context, sessionID string) (map[string]int, error) {
	if err := j.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT pattern, COUNT(*) FROM pattern_events
		WHERE session_id = ?
		GROUP BY pattern`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to count patterns: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var pattern string
		var n int
		if err := rows.Scan(&pattern, &n); err != nil {
			return nil, fmt.Errorf("failed to scan pattern count: %w", err)
		}
		counts[pattern] = n
	}
	return counts, rows.Err()
}

// SaveTask implements Journal.
func (j *SQLJournal) SaveTask(ctx context.Context, t Task) error {
	if err := j.checkOpen(); err != nil {
		return err
	}

	var completed sql.NullInt64
	if t.CompletedAt != nil {
		completed = sql.NullInt64{Int64: t.CompletedAt.UnixNano(), Valid: true}
	}
	_, err := j.db.ExecContext(ctx, j.dialect.upsertTask,
		t.TaskID, t.SessionID, t.Description, t.TaskType, t.EstimatedMinutes,
		t.ActualMinutes, t.EnergyAtStart, t.StartedAt.UnixNano(), completed,
	)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// CompleteTask implements Journal.
func (j *SQLJournal) CompleteTask(ctx context.Context, taskID string, actualMinutes int, at time.Time) error {
	if err := j.checkOpen(); err != nil {
		return err
	}

	res, err := j.db.ExecContext(ctx, `
		UPDATE task_history SET actual_minutes = ?, completed_at = ?
		WHERE task_id = ?`, actualMinutes, at.UnixNano(), taskID)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	if n == 0 {
		// MySQL reports 0 for an unchanged row; confirm the task exists.
		var exists int
		err := j.db.QueryRowContext(ctx, `SELECT 1 FROM task_history WHERE task_id = ?`, taskID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to complete task: %w", err)
		}
	}
	return nil
}

// Tasks implements Journal.
func (j *SQLJournal) Tasks(ctx context.Context, limit int) ([]Task, error) {
	if err := j.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT task_id, session_id, description, task_type, estimated_minutes,
			actual_minutes, energy_at_start, started_at, completed_at
		FROM task_history
		ORDER BY started_at DESC, task_id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		var started int64
		var completed sql.NullInt64
		if err := rows.Scan(&t.TaskID, &t.SessionID, &t.Description, &t.TaskType, &t.EstimatedMinutes,
			&t.ActualMinutes, &t.EnergyAtStart, &started, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.StartedAt = time.Unix(0, started).UTC()
		if completed.Valid {
			at := time.Unix(0, completed.Int64).UTC()
			t.CompletedAt = &at
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AverageDurationRatio implements Journal.
func (j *SQLJournal) AverageDurationRatio(ctx context.Context, taskType string) (float64, int, error) {
	if err := j.checkOpen(); err != nil {
		return 0, 0, err
	}

	query := `
		SELECT AVG(actual_minutes * 1.0 / estimated_minutes), COUNT(*)
		FROM task_history
		WHERE completed_at IS NOT NULL AND estimated_minutes > 0`
	args := []any{}
	if taskType != "" {
		query += ` AND task_type = ?`
		args = append(args, taskType)
	}

	var ratio sql.NullFloat64
	var n int
	if err := j.db.QueryRowContext(ctx, query, args...).Scan(&ratio, &n); err != nil {
		return 0, 0, fmt.Errorf("failed to average durations: %w", err)
	}
	if !ratio.Valid || n == 0 {
		return 0, 0, nil
	}
	return ratio.Float64, n, nil
}

// DB returns the underlying connection pool.
func (j *SQLJournal) DB() *sql.DB { return j.db }

// Close implements Journal.
func (j *SQLJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
