// Package graph provides the workflow execution engine for neuroflow.
package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMaxStepsExceeded indicates that the run reached the maximum allowed
// step count without reaching the terminal marker.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

// ErrGuardCeiling is returned when a router selects a guarded label whose
// counter has already reached its ceiling. Routers are expected to fall back
// to a non-guarded label at the ceiling; the engine refuses rather than loop.
var ErrGuardCeiling = errors.New("guarded label selected at its ceiling")

// ErrGuardStalled is returned when a guarded label is taken twice in one run
// without its counter advancing in between.
var ErrGuardStalled = errors.New("guard counter did not advance around cycle")

// ErrNoCheckpoint is returned by Resume when the session has no pending pause.
var ErrNoCheckpoint = errors.New("no pending checkpoint for session")

// ErrCheckpointVersion is returned by Resume when the persisted checkpoint was
// written under a different schema version.
var ErrCheckpointVersion = errors.New("checkpoint version mismatch")

// EngineError represents an error in engine configuration or execution.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// DuplicateStageError is returned by Add when a stage name is already registered.
type DuplicateStageError struct {
	Stage string
}

func (e *DuplicateStageError) Error() string {
	return fmt.Sprintf("stage %q already registered", e.Stage)
}

// UnroutableLabelError is returned when a router produces a label that has
// no target on its conditional edge, or when a guard names such a label.
type UnroutableLabelError struct {
	Stage string
	Label string
}

func (e *UnroutableLabelError) Error() string {
	return fmt.Sprintf("stage %q: label %q has no target", e.Stage, e.Label)
}

// UnboundedCycleError is returned by Compile when the graph contains a cycle
// that does not pass through any guarded conditional edge.
type UnboundedCycleError struct {
	Cycle []string
}

func (e *UnboundedCycleError) Error() string {
	return "cycle without counter guard: " + strings.Join(e.Cycle, " -> ")
}

// StageExecutionError wraps a failure raised by a stage, including timeouts
// and panics. The failing stage's output is never merged.
type StageExecutionError struct {
	Stage string
	Cause error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Cause)
}

func (e *StageExecutionError) Unwrap() error {
	return e.Cause
}
