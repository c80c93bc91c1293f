package graph

import (
	"sync"
	"time"

	"github.com/dshills/neuroflow-go/graph/emit"
	"github.com/dshills/neuroflow-go/graph/store"
)

// Engine is the builder for a workflow graph.
//
// Stages and edges are registered on an Engine, then Compile validates the
// graph and returns a Runnable. Each stage declares at most one kind of
// outgoing transition: an unconditional edge, a conditional branch, or a
// parallel fan-out.
//
// Type parameters:
//   - S is the state threaded through every stage.
//   - U is the partial update a stage returns.
type Engine[S, U any] struct {
	mu sync.RWMutex

	reducer Reducer[S, U]

	nodes map[string]Node[S, U]
	order []string

	edges    map[string]Edge
	branches map[string]*Branch[S]
	fanouts  map[string]*FanOut

	store   store.Store[S]
	emitter emit.Emitter
	opts    Options

	// optErr records the first invalid option; Compile reports it.
	optErr error
}

// New creates an Engine.
//
// A nil store disables step persistence and pausing; a nil emitter discards
// events.
//
//	engine := graph.New(reducer, store.NewMemStore[State](), emit.NewNullEmitter(),
//	    graph.WithMaxSteps(64))
func New[S, U any](reducer Reducer[S, U], st store.Store[S], emitter emit.Emitter, opts ...Option) *Engine[S, U] {
	cfg := &engineConfig{}
	var optErr error
	for _, opt := range opts {
		if err := opt(cfg); err != nil && optErr == nil {
			optErr = err
		}
	}
	if cfg.opts.Clock == nil {
		cfg.opts.Clock = time.Now
	}
	if cfg.opts.CheckpointVersion == "" {
		cfg.opts.CheckpointVersion = CheckpointVersion
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}

	return &Engine[S, U]{
		reducer:  reducer,
		nodes:    make(map[string]Node[S, U]),
		edges:    make(map[string]Edge),
		branches: make(map[string]*Branch[S]),
		fanouts:  make(map[string]*FanOut),
		store:    st,
		emitter:  emitter,
		opts:     cfg.opts,
		optErr:   optErr,
	}
}

// Add registers a stage under a unique name.
func (e *Engine[S, U]) Add(name string, node Node[S, U]) error {
	if name == "" {
		return &EngineError{Message: "stage name cannot be empty"}
	}
	if node == nil {
		return &EngineError{Message: "stage cannot be nil"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[name]; exists {
		return &DuplicateStageError{Stage: name}
	}

	e.nodes[name] = node
	e.order = append(e.order, name)
	return nil
}

// Connect adds an unconditional edge.
func (e *Engine[S, U]) Connect(from, to string) error {
	if from == "" || to == "" {
		return &EngineError{Message: "edge endpoints cannot be empty"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.claimSource(from); err != nil {
		return err
	}
	e.edges[from] = Edge{From: from, To: to}
	return nil
}

// ConnectConditional adds a conditional edge. After from merges, route picks
// a label which targets maps to the next stage. Guards bound the labels that
// close cycles.
//
//	engine.ConnectConditional("quality_gate", routeQuality,
//	    map[string]string{"retry": "retry", "pass": graph.END},
//	    graph.Guard[State]{Label: "retry", Counter: retries, Ceiling: 1})
func (e *Engine[S, U]) ConnectConditional(from string, route Router[S], targets map[string]string, guards ...Guard[S]) error {
	if from == "" {
		return &EngineError{Message: "edge source cannot be empty"}
	}
	if route == nil {
		return &EngineError{Message: "router cannot be nil"}
	}
	if len(targets) == 0 {
		return &EngineError{Message: "conditional edge from " + from + " has no targets"}
	}

	branch := &Branch[S]{
		From:    from,
		Route:   route,
		Targets: make(map[string]string, len(targets)),
		Guards:  make(map[string]Guard[S], len(guards)),
	}
	for label, to := range targets {
		if to == "" {
			return &UnroutableLabelError{Stage: from, Label: label}
		}
		branch.Targets[label] = to
	}
	for _, g := range guards {
		if _, ok := branch.Targets[g.Label]; !ok {
			return &UnroutableLabelError{Stage: from, Label: g.Label}
		}
		if g.Counter == nil || g.Ceiling < 0 {
			return &EngineError{
				Message: "guard on " + from + "/" + g.Label + " needs a counter and a non-negative ceiling",
				Code:    "INVALID_GUARD",
			}
		}
		branch.Guards[g.Label] = g
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.claimSource(from); err != nil {
		return err
	}
	e.branches[from] = branch
	return nil
}

// ConnectParallel declares that targets run concurrently once from completes
// and that execution continues at joinAt only after every branch finished.
// Each branch follows its own edges until it reaches joinAt.
func (e *Engine[S, U]) ConnectParallel(from string, targets []string, joinAt string, opts ...FanOutOption) error {
	if from == "" || joinAt == "" {
		return &EngineError{Message: "parallel edge endpoints cannot be empty"}
	}
	if len(targets) < 2 {
		return &EngineError{
			Message: "parallel edge from " + from + " needs at least two targets",
			Code:    "INVALID_FANOUT",
		}
	}
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		if t == "" || seen[t] {
			return &EngineError{
				Message: "parallel edge from " + from + " has an empty or repeated target",
				Code:    "INVALID_FANOUT",
			}
		}
		seen[t] = true
	}

	fan := &FanOut{From: from, Targets: append([]string(nil), targets...), JoinAt: joinAt}
	for _, opt := range opts {
		opt(fan)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.claimSource(from); err != nil {
		return err
	}
	e.fanouts[from] = fan
	return nil
}

// claimSource rejects a second outgoing declaration for the same stage.
// Caller holds e.mu.
func (e *Engine[S, U]) claimSource(from string) error {
	_, hasEdge := e.edges[from]
	_, hasBranch := e.branches[from]
	_, hasFan := e.fanouts[from]
	if hasEdge || hasBranch || hasFan {
		return &EngineError{
			Message: "stage " + from + " already has an outgoing transition",
			Code:    "AMBIGUOUS_ROUTE",
		}
	}
	return nil
}
