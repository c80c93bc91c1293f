// Package journal records what happened in past sessions: per-turn
// interaction signals, detected behaviour patterns and task history.
//
// Writes are append-only (task records are upserted by ID). Reads are simple
// aggregates used to calibrate later sessions, for example how much longer
// than estimated a kind of task usually takes.
package journal

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced task does not exist.
var ErrNotFound = errors.New("journal: not found")

// ErrClosed is returned by operations on a closed journal.
var ErrClosed = errors.New("journal: closed")

// Journal is the persistent metrics collaborator.
//
// Implementations must be safe for concurrent use by multiple sessions.
type Journal interface {
	// RecordInteraction appends one turn's interaction signals.
	RecordInteraction(ctx context.Context, m Interaction) error

	// RecentInteractions returns up to limit interactions for a session,
	// newest first.
	RecentInteractions(ctx context.Context, sessionID string, limit int) ([]Interaction, error)

	// RecordPattern appends a detected pattern.
	RecordPattern(ctx context.Context, e PatternEvent) error

	// PatternCounts returns how often each pattern was seen in a session.
	PatternCounts(ctx context.Context, sessionID string) (map[string]int, error)

	// SaveTask inserts or replaces a task record.
	SaveTask(ctx context.Context, t Task) error

	// CompleteTask stamps a task with its actual duration.
	CompleteTask(ctx context.Context, taskID string, actualMinutes int, at time.Time) error

	// Tasks returns up to limit task records, most recently started first.
	Tasks(ctx context.Context, limit int) ([]Task, error)

	// AverageDurationRatio returns the mean of actual/estimated minutes over
	// completed tasks of taskType, and how many tasks it averaged. An empty
	// taskType averages every type. With no samples the ratio is 0.
	AverageDurationRatio(ctx context.Context, taskType string) (ratio float64, samples int, err error)

	Close() error
}

// Interaction is one turn's behavioural signals.
type Interaction struct {
	SessionID      string    `json:"session_id"`
	At             time.Time `json:"at"`
	TypingSpeed    float64   `json:"typing_speed"`
	MessageLength  int       `json:"message_length"`
	ResponseTime   float64   `json:"response_time_seconds"`
	SessionMinutes float64   `json:"session_minutes"`
	TaskID         string    `json:"task_id,omitempty"`
}

// PatternEvent is a detected behaviour pattern and the intervention offered.
type PatternEvent struct {
	SessionID    string    `json:"session_id"`
	At           time.Time `json:"at"`
	Pattern      string    `json:"pattern"`
	Confidence   float64   `json:"confidence"`
	Level        int       `json:"level"`
	Context      string    `json:"context,omitempty"`
	Intervention string    `json:"intervention,omitempty"`
	Success      bool      `json:"success"`
}

// Task is a task history record.
type Task struct {
	TaskID           string     `json:"task_id"`
	SessionID        string     `json:"session_id"`
	Description      string     `json:"description"`
	TaskType         string     `json:"task_type"`
	EstimatedMinutes int        `json:"estimated_minutes"`
	ActualMinutes    int        `json:"actual_minutes,omitempty"`
	EnergyAtStart    int        `json:"energy_at_start"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Completed reports whether the task has an actual duration.
func (t Task) Completed() bool { return t.CompletedAt != nil }
