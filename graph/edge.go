package graph

// Edge is an unconditional transition between two stages.
type Edge struct {
	From string
	To   string
}

// Router inspects state after the source stage has merged and returns the
// label of the outgoing branch to take.
type Router[S any] func(state S) string

// Guard bounds a cycle closed by a conditional label.
//
// The engine only follows Label while Counter(state) < Ceiling, and requires
// the counter to have advanced each time the label is taken again within the
// same run. A cycle is accepted by Compile only if at least one of its edges
// is guarded.
type Guard[S any] struct {
	Label   string
	Counter func(S) int
	Ceiling int
}

// Branch is a conditional edge: Route selects a label, Targets maps it to a stage.
type Branch[S any] struct {
	From    string
	Route   Router[S]
	Targets map[string]string
	Guards  map[string]Guard[S]
}

// FanOut runs Targets concurrently once From completes and joins at JoinAt.
type FanOut struct {
	From       string
	Targets    []string
	JoinAt     string
	BestEffort bool
}

// FanOutOption configures a parallel edge.
type FanOutOption func(*FanOut)

// BestEffort lets the join proceed when some branches fail. Failed branches
// contribute nothing to the merged state.
func BestEffort() FanOutOption {
	return func(f *FanOut) {
		f.BestEffort = true
	}
}
