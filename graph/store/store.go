// Package store persists workflow step history and pause checkpoints.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested run or checkpoint does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Store provides persistence for workflow state.
//
// Two kinds of record are kept per run (session):
//   - step history: the state after every merged stage, append-only;
//   - at most one pause checkpoint, written when a run stops at an
//     interrupt and removed once it is resumed to completion or cancelled.
//
// Implementations must be safe for concurrent use by multiple sessions.
//
// Type parameter S is the state type to persist (must be JSON-serializable).
type Store[S any] interface {
	// SaveStep persists the state after a stage has merged. Saving the
	// same runID and step twice replaces the earlier record.
	SaveStep(ctx context.Context, runID string, step int, stage string, state S) error

	// LoadLatest returns the state with the highest step number for runID,
	// or ErrNotFound.
	LoadLatest(ctx context.Context, runID string) (state S, step int, err error)

	// SaveCheckpoint writes the pause checkpoint for cp.RunID, replacing
	// any existing one.
	SaveCheckpoint(ctx context.Context, cp Checkpoint[S]) error

	// LoadCheckpoint returns the pause checkpoint for runID, or ErrNotFound.
	LoadCheckpoint(ctx context.Context, runID string) (Checkpoint[S], error)

	// DeleteCheckpoint removes the pause checkpoint for runID. Deleting a
	// missing checkpoint returns ErrNotFound.
	DeleteCheckpoint(ctx context.Context, runID string) error
}

// StepRecord is one entry of a run's step history.
type StepRecord[S any] struct {
	Step  int    `json:"step"`
	Stage string `json:"stage"`
	State S      `json:"state"`
}

// Checkpoint is the persisted record of a paused run.
type Checkpoint[S any] struct {
	// RunID is the session identifier the checkpoint is keyed by.
	RunID string `json:"run_id"`

	// State is the full state at the pause point.
	State S `json:"state"`

	// PausedAt is the stage the run stopped in front of.
	PausedAt string `json:"paused_at"`

	// OnReject is the stage a rejected resume re-enters.
	OnReject string `json:"on_reject,omitempty"`

	// Step is the last step persisted before the pause.
	Step int `json:"step"`

	// Version guards against resuming a checkpoint written by an
	// incompatible engine.
	Version string `json:"version"`

	CreatedAt time.Time `json:"created_at"`
}
