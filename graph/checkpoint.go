package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/neuroflow-go/graph/store"
)

// Decision is the caller's answer to a paused run.
type Decision string

const (
	// Approve re-enters at the paused stage without pausing again there.
	Approve Decision = "approve"
	// Reject re-enters at the interrupt's OnReject stage.
	Reject Decision = "reject"
	// Cancel discards the checkpoint; no stage runs.
	Cancel Decision = "cancel"
)

// Resume carries the continuation signal for a paused session.
type Resume[U any] struct {
	Decision Decision

	// Patch, if non-nil, is merged into the checkpointed state before
	// execution re-enters. Use it to deliver an edited plan.
	Patch *U
}

// Pending reports whether sessionID has a checkpoint waiting for a decision.
func (r *Runnable[S, U]) Pending(ctx context.Context, sessionID string) (store.Checkpoint[S], bool, error) {
	if r.store == nil {
		return store.Checkpoint[S]{}, false, nil
	}
	cp, err := r.store.LoadCheckpoint(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Checkpoint[S]{}, false, nil
	}
	if err != nil {
		return store.Checkpoint[S]{}, false, &EngineError{Message: "load checkpoint: " + err.Error(), Code: "STORE_ERROR"}
	}
	return cp, true, nil
}

// Resume continues a paused session.
//
// The checkpoint's version tag must match the engine's. On Approve the run
// re-enters exactly at the paused stage with the persisted state; nothing
// that already completed runs again. On Reject it re-enters at the
// interrupt's OnReject stage. On Cancel the checkpoint is deleted and the
// persisted state returned unchanged.
//
// The checkpoint is deleted once the resumed run completes, replaced if the
// run pauses again, and kept if the run fails so the caller can retry.
func (r *Runnable[S, U]) Resume(ctx context.Context, sessionID string, sig Resume[U]) (Result[S], error) {
	var zero S
	if r.store == nil {
		return Result[S]{State: zero, Status: StatusFailed}, &EngineError{Message: "resume requires a store", Code: "NO_STORE"}
	}

	cp, err := r.store.LoadCheckpoint(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return Result[S]{State: zero, Status: StatusFailed}, fmt.Errorf("%w: %s", ErrNoCheckpoint, sessionID)
	}
	if err != nil {
		return Result[S]{State: zero, Status: StatusFailed}, &EngineError{Message: "load checkpoint: " + err.Error(), Code: "STORE_ERROR"}
	}
	if cp.Version != r.opts.CheckpointVersion {
		return Result[S]{State: cp.State, Status: StatusFailed}, fmt.Errorf("%w: have %q, want %q", ErrCheckpointVersion, cp.Version, r.opts.CheckpointVersion)
	}

	ex := r.newExecution(sessionID, cp.Step)
	ex.resumed = true

	var start string
	switch sig.Decision {
	case Approve:
		start = cp.PausedAt
		ex.skipPause = cp.PausedAt
	case Reject:
		if cp.OnReject == "" {
			return Result[S]{State: cp.State, Status: StatusFailed}, &EngineError{
				Message: "interrupt at " + cp.PausedAt + " has no reject stage",
				Code:    "NO_REJECT_TARGET",
			}
		}
		start = cp.OnReject
	case Cancel:
		if err := r.store.DeleteCheckpoint(ctx, sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return Result[S]{State: cp.State, Status: StatusFailed}, &EngineError{Message: "delete checkpoint: " + err.Error(), Code: "STORE_ERROR"}
		}
		ex.emit(cp.PausedAt, "cancelled", nil)
		return Result[S]{State: cp.State, Status: StatusCancelled, PausedAt: cp.PausedAt}, nil
	default:
		return Result[S]{State: cp.State, Status: StatusFailed}, &EngineError{
			Message: fmt.Sprintf("unknown decision %q", sig.Decision),
			Code:    "INVALID_DECISION",
		}
	}

	if _, ok := r.nodes[start]; !ok {
		return Result[S]{State: cp.State, Status: StatusFailed}, &EngineError{Message: "checkpoint names unknown stage " + start, Code: "NODE_NOT_FOUND"}
	}

	state := cp.State
	if sig.Patch != nil {
		state = r.reducer(state, *sig.Patch)
	}

	ex.emit(start, "resumed", map[string]interface{}{"decision": string(sig.Decision)})
	return ex.drive(ctx, start, state)
}
