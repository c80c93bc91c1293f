package graph

import "context"

// Node represents a stage in the workflow graph.
//
// A stage receives the current state S and returns a partial update U, which
// the engine merges with the configured Reducer. Stages must not keep private
// mutable state across invocations; anything that must survive a turn belongs
// in S.
type Node[S, U any] interface {
	Run(ctx context.Context, state S) NodeResult[U]
}

// NodeResult is the output of a single stage invocation.
type NodeResult[U any] struct {
	// Delta is the partial update merged into state via the reducer.
	Delta U

	// Route optionally overrides the declared outgoing edges. Only routing
	// stages should set it; the zero value follows the graph.
	Route Next

	// Err halts the run with a StageExecutionError. Delta is discarded.
	Err error
}

// Next is an explicit routing hint returned by a stage.
type Next struct {
	To       string
	Terminal bool
}

// Stop ends the run after the current stage.
func Stop() Next {
	return Next{Terminal: true}
}

// Goto routes to the named stage, bypassing declared edges.
func Goto(stage string) Next {
	return Next{To: stage}
}

// NodeFunc adapts a plain function to the Node interface.
type NodeFunc[S, U any] func(ctx context.Context, state S) NodeResult[U]

// Run implements Node.
func (f NodeFunc[S, U]) Run(ctx context.Context, state S) NodeResult[U] {
	return f(ctx, state)
}

// Reducer merges a partial update into the previous state.
//
// Reducers must be deterministic. The engine applies them in declared order,
// including after a parallel join, so the result never depends on which
// branch finished first.
type Reducer[S, U any] func(prev S, delta U) S
