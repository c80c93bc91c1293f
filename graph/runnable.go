package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/neuroflow-go/graph/emit"
	"github.com/dshills/neuroflow-go/graph/store"
)

// Status describes how a run call returned.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Result is returned by Run and Resume.
//
// On failure State holds the last successfully merged state, so a caller can
// retry the turn without losing committed work.
type Result[S any] struct {
	State    S
	Status   Status
	PausedAt string
	Steps    int
}

// Runnable is a compiled, immutable workflow graph. It is safe to run
// different sessions concurrently; the same session must not be advanced by
// two calls at once.
type Runnable[S, U any] struct {
	entry      string
	graph      *topology[S]
	nodes      map[string]Node[S, U]
	reducer    Reducer[S, U]
	interrupts map[string]Interrupt[S, U]
	store      store.Store[S]
	emitter    emit.Emitter
	opts       Options
}

// Entry returns the entry stage name.
func (r *Runnable[S, U]) Entry() string { return r.entry }

// Terminal returns the terminal marker.
func (r *Runnable[S, U]) Terminal() string { return r.graph.terminal }

// Run executes the graph from the entry stage with the given initial state.
//
// It returns a completed Result when the terminal marker is reached, or a
// paused Result when an interrupt fires. Step numbers continue from the last
// step persisted for sessionID.
func (r *Runnable[S, U]) Run(ctx context.Context, sessionID string, initial S) (Result[S], error) {
	if sessionID == "" {
		return Result[S]{State: initial, Status: StatusFailed}, &EngineError{Message: "session ID cannot be empty", Code: "INVALID_SESSION"}
	}

	offset := 0
	if r.store != nil {
		_, step, err := r.store.LoadLatest(ctx, sessionID)
		switch {
		case err == nil:
			offset = step
		case errors.Is(err, store.ErrNotFound):
		default:
			return Result[S]{State: initial, Status: StatusFailed}, &EngineError{Message: "load latest step: " + err.Error(), Code: "STORE_ERROR"}
		}
	}

	ex := r.newExecution(sessionID, offset)
	return ex.drive(ctx, r.entry, initial)
}

func (r *Runnable[S, U]) newExecution(runID string, step int) *execution[S, U] {
	return &execution[S, U]{
		r:         r,
		runID:     runID,
		step:      step,
		guardSeen: make(map[string]int),
	}
}

// execution holds the bookkeeping for one Run or Resume call.
type execution[S, U any] struct {
	r     *Runnable[S, U]
	runID string

	// step is the last persisted step number; only the driving goroutine
	// advances it.
	step    int
	invoked atomic.Int64
	started int

	mu        sync.Mutex
	guardSeen map[string]int

	// skipPause names an interrupt already cleared by an approval.
	skipPause string
	resumed   bool
}

func (ex *execution[S, U]) drive(ctx context.Context, current string, state S) (Result[S], error) {
	r := ex.r
	ex.started = ex.step

	for {
		if current == r.graph.terminal {
			if ex.resumed && r.store != nil {
				if err := r.store.DeleteCheckpoint(ctx, ex.runID); err != nil && !errors.Is(err, store.ErrNotFound) {
					return ex.failed(state), &EngineError{Message: "delete checkpoint: " + err.Error(), Code: "STORE_ERROR"}
				}
			}
			ex.emit(current, "run_complete", nil)
			return Result[S]{State: state, Status: StatusCompleted, Steps: ex.step - ex.started}, nil
		}

		if err := ctx.Err(); err != nil {
			return ex.failed(state), err
		}

		if it, ok := r.interrupts[current]; ok && current != ex.skipPause && (it.When == nil || it.When(state)) {
			return ex.pause(ctx, current, it, state)
		}
		ex.skipPause = ""

		res, err := ex.invoke(ctx, current, state)
		if err != nil {
			return ex.failed(state), err
		}
		state = r.reducer(state, res.Delta)
		if err := ex.commit(ctx, current, state); err != nil {
			return ex.failed(state), err
		}

		if fan, ok := r.graph.fanouts[current]; ok && res.Route == (Next{}) {
			state, err = ex.fanOut(ctx, fan, state)
			if err != nil {
				return ex.failed(state), err
			}
			current = fan.JoinAt
			continue
		}

		current, err = ex.route(current, state, res.Route)
		if err != nil {
			return ex.failed(state), err
		}
	}
}

func (ex *execution[S, U]) failed(state S) Result[S] {
	return Result[S]{State: state, Status: StatusFailed, Steps: ex.step - ex.started}
}

// invoke runs a single stage without merging its output.
func (ex *execution[S, U]) invoke(ctx context.Context, stage string, state S) (NodeResult[U], error) {
	r := ex.r
	if limit := r.opts.MaxSteps; limit > 0 && ex.invoked.Load() >= int64(limit) {
		return NodeResult[U]{}, &StageExecutionError{
			Stage: stage,
			Cause: fmt.Errorf("%w (%d)", ErrMaxStepsExceeded, limit),
		}
	}
	ex.invoked.Add(1)

	node := r.nodes[stage]
	ex.emit(stage, "stage_start", nil)

	start := time.Now()
	res, err := executeStage(ctx, node, stage, state, stageTimeout(r.opts, stage))
	elapsed := time.Since(start)

	if err != nil {
		if r.opts.Metrics != nil {
			r.opts.Metrics.RecordStageLatency(stage, elapsed, "error")
			r.opts.Metrics.IncrementStageErrors(stage)
		}
		ex.emit(stage, "stage_error", map[string]interface{}{"error": err.Error()})
		return NodeResult[U]{}, &StageExecutionError{Stage: stage, Cause: err}
	}

	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordStageLatency(stage, elapsed, "success")
	}
	ex.emit(stage, "stage_end", map[string]interface{}{"duration_ms": elapsed.Milliseconds()})
	return res, nil
}

// commit records a merged state as the next step.
func (ex *execution[S, U]) commit(ctx context.Context, stage string, state S) error {
	ex.step++
	if ex.r.opts.Metrics != nil {
		ex.r.opts.Metrics.IncrementSteps(stage)
	}
	if ex.r.store == nil {
		return nil
	}
	if err := ex.r.store.SaveStep(ctx, ex.runID, ex.step, stage, state); err != nil {
		return &EngineError{Message: fmt.Sprintf("save step %d (%s): %v", ex.step, stage, err), Code: "STORE_ERROR"}
	}
	return nil
}

// route resolves the next stage after current has merged.
func (ex *execution[S, U]) route(current string, state S, hint Next) (string, error) {
	g := ex.r.graph

	if hint.Terminal {
		return g.terminal, nil
	}
	if hint.To != "" {
		if !g.known(hint.To) {
			return "", &EngineError{Message: "stage " + current + " routed to unknown stage " + hint.To, Code: "NODE_NOT_FOUND"}
		}
		ex.emit(current, "route", map[string]interface{}{"to": hint.To, "hint": true})
		return hint.To, nil
	}
	if edge, ok := g.edges[current]; ok {
		return edge.To, nil
	}

	br, ok := g.branches[current]
	if !ok {
		return "", &EngineError{Message: "stage " + current + " has no outgoing transition", Code: "DEAD_END"}
	}

	label := br.Route(state)
	to, ok := br.Targets[label]
	if !ok {
		return "", &UnroutableLabelError{Stage: current, Label: label}
	}

	meta := map[string]interface{}{"label": label, "to": to}
	if guard, guarded := br.Guards[label]; guarded {
		counter := guard.Counter(state)
		if counter >= guard.Ceiling {
			return "", fmt.Errorf("%w: %s/%s counter=%d ceiling=%d", ErrGuardCeiling, current, label, counter, guard.Ceiling)
		}

		key := current + "/" + label
		ex.mu.Lock()
		prev, seen := ex.guardSeen[key]
		if seen && counter <= prev {
			ex.mu.Unlock()
			return "", fmt.Errorf("%w: %s counter stayed at %d", ErrGuardStalled, key, counter)
		}
		ex.guardSeen[key] = counter
		ex.mu.Unlock()

		if ex.r.opts.Metrics != nil {
			ex.r.opts.Metrics.IncrementGuarded(current, label)
		}
		meta["counter"] = counter
		meta["ceiling"] = guard.Ceiling
	}

	ex.emit(current, "route", meta)
	return to, nil
}

// pause persists a checkpoint in front of stage and returns control.
func (ex *execution[S, U]) pause(ctx context.Context, stage string, it Interrupt[S, U], state S) (Result[S], error) {
	r := ex.r
	if r.store == nil {
		return ex.failed(state), &EngineError{Message: "cannot pause at " + stage + " without a store", Code: "NO_STORE"}
	}

	if it.OnPause != nil {
		state = r.reducer(state, it.OnPause(state))
	}

	cp := store.Checkpoint[S]{
		RunID:     ex.runID,
		State:     state,
		PausedAt:  stage,
		OnReject:  it.OnReject,
		Step:      ex.step,
		Version:   r.opts.CheckpointVersion,
		CreatedAt: r.opts.Clock(),
	}
	if err := r.store.SaveCheckpoint(ctx, cp); err != nil {
		return ex.failed(state), &EngineError{Message: "save checkpoint: " + err.Error(), Code: "STORE_ERROR"}
	}

	if r.opts.Metrics != nil {
		r.opts.Metrics.IncrementPauses(stage)
	}
	ex.emit(stage, "paused", map[string]interface{}{"on_reject": it.OnReject})

	return Result[S]{State: state, Status: StatusPaused, PausedAt: stage, Steps: ex.step - ex.started}, nil
}

func (ex *execution[S, U]) emit(stage, msg string, meta map[string]interface{}) {
	ex.r.emitter.Emit(emit.Event{
		RunID:  ex.runID,
		Step:   ex.step,
		NodeID: stage,
		Msg:    msg,
		Meta:   meta,
	})
}
