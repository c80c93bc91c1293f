package graph

import (
	"sort"
)

// END is the conventional terminal marker. Any name not registered as a
// stage may be passed to Compile instead.
const END = "__end__"

// Interrupt declares a pause point. The run stops immediately before Before
// executes, persists a checkpoint, and returns a paused Result.
type Interrupt[S, U any] struct {
	// Before is the stage the run pauses in front of.
	Before string

	// OnReject is the stage a rejected resume re-enters, typically the stage
	// that produced the plan under review.
	OnReject string

	// When, if set, limits pausing to states for which it returns true.
	When func(S) bool

	// OnPause, if set, produces an update merged into state before the
	// checkpoint is written.
	OnPause func(S) U
}

// CompileOption configures Compile.
type CompileOption[S, U any] func(*compileConfig[S, U])

type compileConfig[S, U any] struct {
	interrupts map[string]Interrupt[S, U]
	errs       []error
}

// WithInterrupt registers a pause point.
func WithInterrupt[S, U any](it Interrupt[S, U]) CompileOption[S, U] {
	return func(cfg *compileConfig[S, U]) {
		if it.Before == "" {
			cfg.errs = append(cfg.errs, &EngineError{Message: "interrupt stage cannot be empty", Code: "INVALID_INTERRUPT"})
			return
		}
		cfg.interrupts[it.Before] = it
	}
}

// Compile validates the graph and returns a Runnable.
//
// Validation fails when:
//   - an option was invalid, the reducer is nil, or entry is not a stage;
//   - an edge, branch or fan-out names an unknown stage;
//   - a stage reachable from entry has no outgoing transition or cannot
//     reach the terminal marker;
//   - a fan-out branch can leave its join or nests another fan-out;
//   - a cycle exists that does not pass through a guarded label
//     (UnboundedCycleError).
func (e *Engine[S, U]) Compile(entry, terminal string, opts ...CompileOption[S, U]) (*Runnable[S, U], error) {
	cfg := &compileConfig[S, U]{interrupts: make(map[string]Interrupt[S, U])}
	for _, opt := range opts {
		opt(cfg)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.optErr != nil {
		return nil, &EngineError{Message: e.optErr.Error(), Code: "INVALID_OPTION"}
	}
	if len(cfg.errs) > 0 {
		return nil, cfg.errs[0]
	}
	if e.reducer == nil {
		return nil, &EngineError{Message: "reducer is required", Code: "MISSING_REDUCER"}
	}
	if terminal == "" {
		return nil, &EngineError{Message: "terminal marker cannot be empty", Code: "INVALID_TERMINAL"}
	}
	if _, ok := e.nodes[terminal]; ok {
		return nil, &EngineError{Message: "terminal marker " + terminal + " collides with a stage", Code: "INVALID_TERMINAL"}
	}
	if _, ok := e.nodes[entry]; !ok {
		return nil, &EngineError{Message: "entry stage does not exist: " + entry, Code: "NODE_NOT_FOUND"}
	}

	g := &topology[S]{
		nodes:    make(map[string]bool, len(e.nodes)),
		order:    append([]string(nil), e.order...),
		terminal: terminal,
		edges:    make(map[string]Edge, len(e.edges)),
		branches: make(map[string]*Branch[S], len(e.branches)),
		fanouts:  make(map[string]*FanOut, len(e.fanouts)),
	}
	for name := range e.nodes {
		g.nodes[name] = true
	}
	for k, v := range e.edges {
		g.edges[k] = v
	}
	for k, v := range e.branches {
		g.branches[k] = v
	}
	for k, v := range e.fanouts {
		g.fanouts[k] = v
	}

	if err := g.checkEndpoints(); err != nil {
		return nil, err
	}
	for stage, it := range cfg.interrupts {
		if !g.nodes[stage] {
			return nil, &EngineError{Message: "interrupt stage does not exist: " + stage, Code: "NODE_NOT_FOUND"}
		}
		if it.OnReject != "" && !g.nodes[it.OnReject] {
			return nil, &EngineError{Message: "reject stage does not exist: " + it.OnReject, Code: "NODE_NOT_FOUND"}
		}
	}
	if err := g.checkReachability(entry); err != nil {
		return nil, err
	}
	pauses := make(map[string]bool, len(cfg.interrupts))
	for stage := range cfg.interrupts {
		pauses[stage] = true
	}
	if err := g.checkFanOuts(pauses); err != nil {
		return nil, err
	}
	if cycle := g.unguardedCycle(); cycle != nil {
		return nil, &UnboundedCycleError{Cycle: cycle}
	}

	nodes := make(map[string]Node[S, U], len(e.nodes))
	for k, v := range e.nodes {
		nodes[k] = v
	}

	return &Runnable[S, U]{
		entry:      entry,
		graph:      g,
		nodes:      nodes,
		reducer:    e.reducer,
		interrupts: cfg.interrupts,
		store:      e.store,
		emitter:    e.emitter,
		opts:       e.opts,
	}, nil
}

// topology is the immutable edge set of a compiled graph.
type topology[S any] struct {
	nodes    map[string]bool
	order    []string
	terminal string
	edges    map[string]Edge
	branches map[string]*Branch[S]
	fanouts  map[string]*FanOut
}

// successors lists the stages directly reachable from stage in a stable
// order. Guarded labels are skipped when includeGuarded is false.
func (g *topology[S]) successors(stage string, includeGuarded bool) []string {
	if edge, ok := g.edges[stage]; ok {
		return []string{edge.To}
	}
	if br, ok := g.branches[stage]; ok {
		labels := make([]string, 0, len(br.Targets))
		for label := range br.Targets {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		out := make([]string, 0, len(labels))
		for _, label := range labels {
			if _, guarded := br.Guards[label]; guarded && !includeGuarded {
				continue
			}
			out = append(out, br.Targets[label])
		}
		return out
	}
	if fan, ok := g.fanouts[stage]; ok {
		return append([]string(nil), fan.Targets...)
	}
	return nil
}

func (g *topology[S]) known(stage string) bool {
	return stage == g.terminal || g.nodes[stage]
}

func (g *topology[S]) checkEndpoints() error {
	for _, from := range g.order {
		if edge, ok := g.edges[from]; ok && !g.known(edge.To) {
			return &EngineError{Message: "edge " + from + " -> " + edge.To + ": unknown target", Code: "NODE_NOT_FOUND"}
		}
		if br, ok := g.branches[from]; ok {
			for label, to := range br.Targets {
				if !g.known(to) {
					return &EngineError{Message: "branch " + from + "/" + label + " -> " + to + ": unknown target", Code: "NODE_NOT_FOUND"}
				}
			}
		}
		if fan, ok := g.fanouts[from]; ok {
			for _, to := range fan.Targets {
				if !g.nodes[to] {
					return &EngineError{Message: "fan-out " + from + " -> " + to + ": unknown target", Code: "NODE_NOT_FOUND"}
				}
			}
			if !g.nodes[fan.JoinAt] {
				return &EngineError{Message: "fan-out " + from + ": join stage does not exist: " + fan.JoinAt, Code: "NODE_NOT_FOUND"}
			}
		}
	}
	for from := range g.edges {
		if !g.nodes[from] {
			return &EngineError{Message: "edge source does not exist: " + from, Code: "NODE_NOT_FOUND"}
		}
	}
	for from := range g.branches {
		if !g.nodes[from] {
			return &EngineError{Message: "branch source does not exist: " + from, Code: "NODE_NOT_FOUND"}
		}
	}
	for from := range g.fanouts {
		if !g.nodes[from] {
			return &EngineError{Message: "fan-out source does not exist: " + from, Code: "NODE_NOT_FOUND"}
		}
	}
	return nil
}

// checkReachability requires every stage reachable from entry to have an
// outgoing transition and a path to the terminal marker.
func (g *topology[S]) checkReachability(entry string) error {
	reachable := map[string]bool{entry: true}
	queue := []string{entry}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		next := g.successors(cur, true)
		if len(next) == 0 {
			return &EngineError{Message: "stage " + cur + " has no outgoing transition", Code: "DEAD_END"}
		}
		for _, n := range next {
			if n == g.terminal || reachable[n] {
				continue
			}
			reachable[n] = true
			queue = append(queue, n)
		}
	}

	reverse := make(map[string][]string)
	for _, from := range g.order {
		for _, to := range g.successors(from, true) {
			reverse[to] = append(reverse[to], from)
		}
	}
	finishes := map[string]bool{}
	queue = append(queue[:0], reverse[g.terminal]...)
	for _, s := range queue {
		finishes[s] = true
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, prev := range reverse[cur] {
			if !finishes[prev] {
				finishes[prev] = true
				queue = append(queue, prev)
			}
		}
	}

	for _, stage := range g.order {
		if reachable[stage] && !finishes[stage] {
			return &EngineError{Message: "stage " + stage + " cannot reach " + g.terminal, Code: "UNREACHABLE_TERMINAL"}
		}
	}
	return nil
}

// checkFanOuts requires each branch to stay inside its fan-out until the
// join: no path to the terminal marker, no nested fan-out, no pause point.
func (g *topology[S]) checkFanOuts(pauses map[string]bool) error {
	for _, from := range g.order {
		fan, ok := g.fanouts[from]
		if !ok {
			continue
		}
		for _, target := range fan.Targets {
			if target == fan.JoinAt {
				return &EngineError{Message: "fan-out " + from + ": branch " + target + " is the join stage", Code: "INVALID_FANOUT"}
			}
			joined := false
			seen := map[string]bool{target: true}
			queue := []string{target}
			for len(queue) > 0 {
				cur := queue[0]
				queue = queue[1:]
				switch {
				case cur == fan.JoinAt:
					joined = true
					continue
				case cur == g.terminal:
					return &EngineError{Message: "fan-out " + from + ": branch " + target + " can end before " + fan.JoinAt, Code: "BRANCH_ESCAPES_JOIN"}
				case g.fanouts[cur] != nil:
					return &EngineError{Message: "fan-out " + from + ": branch " + target + " nests fan-out at " + cur, Code: "NESTED_FANOUT"}
				case pauses[cur]:
					return &EngineError{Message: "fan-out " + from + ": branch " + target + " contains pause point " + cur, Code: "INTERRUPT_IN_BRANCH"}
				}
				for _, next := range g.successors(cur, true) {
					if !seen[next] {
						seen[next] = true
						queue = append(queue, next)
					}
				}
			}
			if !joined {
				return &EngineError{Message: "fan-out " + from + ": branch " + target + " never reaches " + fan.JoinAt, Code: "BRANCH_ESCAPES_JOIN"}
			}
		}
	}
	return nil
}

// unguardedCycle returns a cycle that survives removal of all guarded labels,
// or nil when every cycle passes through at least one guard.
func (g *topology[S]) unguardedCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string
	var found []string

	var visit func(string) bool
	visit = func(n string) bool {
		color[n] = grey
		stack = append(stack, n)
		for _, next := range g.successors(n, false) {
			if next == g.terminal {
				continue
			}
			switch color[next] {
			case grey:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						found = append(append([]string(nil), stack[i:]...), next)
						return true
					}
				}
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	for _, n := range g.order {
		if color[n] == white && visit(n) {
			return found
		}
	}
	return nil
}
