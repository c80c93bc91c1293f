package graph

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// branchResult is the ordered list of stage outputs a branch produced.
type branchResult[U any] struct {
	stages []string
	deltas []U
	err    error
}

// fanOut runs every branch of fan concurrently against its own copy of state
// and merges the results in declaration order.
//
// Branches never see each other's writes. When two branches write the same
// field, the later-declared branch wins because its deltas are applied last.
// Unless fan is best-effort, the first branch failure cancels the others and
// fails the fan-out without merging anything.
func (ex *execution[S, U]) fanOut(ctx context.Context, fan *FanOut, state S) (S, error) {
	r := ex.r
	results := make([]branchResult[U], len(fan.Targets))

	snapshots := make([]S, len(fan.Targets))
	for i := range fan.Targets {
		snap, err := deepCopy(state)
		if err != nil {
			return state, &EngineError{Message: "snapshot for fan-out at " + fan.From + ": " + err.Error(), Code: "SNAPSHOT_FAILED"}
		}
		snapshots[i] = snap
	}

	ex.emit(fan.From, "fanout_start", map[string]interface{}{
		"targets": fan.Targets,
		"join":    fan.JoinAt,
	})
	if r.opts.Metrics != nil {
		r.opts.Metrics.AddInflightBranches(len(fan.Targets))
		defer r.opts.Metrics.AddInflightBranches(-len(fan.Targets))
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, target := range fan.Targets {
		g.Go(func() error {
			res := ex.runBranch(gctx, target, fan.JoinAt, snapshots[i])
			results[i] = res
			if res.err != nil && !fan.BestEffort {
				return res.err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return state, err
	}

	for i, res := range results {
		if res.err != nil {
			if r.opts.Metrics != nil {
				r.opts.Metrics.IncrementBranchFailures(fan.Targets[i])
			}
			ex.emit(fan.Targets[i], "branch_failed", map[string]interface{}{"error": res.err.Error()})
			continue
		}
		for j, delta := range res.deltas {
			state = r.reducer(state, delta)
			if err := ex.commit(ctx, res.stages[j], state); err != nil {
				return state, err
			}
		}
	}

	ex.emit(fan.JoinAt, "join", map[string]interface{}{"branches": len(fan.Targets)})
	return state, nil
}

// runBranch executes stages from start until join, merging locally so that
// later stages in the chain see earlier ones. The local state is discarded;
// only the deltas travel back to the join.
func (ex *execution[S, U]) runBranch(ctx context.Context, start, join string, local S) branchResult[U] {
	var out branchResult[U]
	current := start

	for current != join {
		if current == ex.r.graph.terminal {
			out.err = &EngineError{Message: "branch " + start + " ended before join " + join, Code: "BRANCH_ESCAPES_JOIN"}
			return out
		}
		if err := ctx.Err(); err != nil {
			out.err = err
			return out
		}
		if _, nested := ex.r.graph.fanouts[current]; nested {
			out.err = &EngineError{Message: "nested fan-out at " + current, Code: "NESTED_FANOUT"}
			return out
		}

		res, err := ex.invoke(ctx, current, local)
		if err != nil {
			out.err = err
			return out
		}
		local = ex.r.reducer(local, res.Delta)
		out.stages = append(out.stages, current)
		out.deltas = append(out.deltas, res.Delta)

		next, err := ex.route(current, local, res.Route)
		if err != nil {
			out.err = err
			return out
		}
		current = next
	}
	return out
}
