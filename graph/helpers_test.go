package graph

import (
	"context"
	"errors"
	"time"
)

// flowState is the state type shared by engine tests.
type flowState struct {
	Trace    []string `json:"trace"`
	Level    int      `json:"level"`
	Retries  int      `json:"retries"`
	X        string   `json:"x"`
	Seen     string   `json:"seen"`
	Approved bool     `json:"approved"`
}

type flowDelta struct {
	Visit    string
	Level    int
	Retries  int
	X        *string
	Seen     *string
	Approved *bool
}

func reduceFlow(prev flowState, d flowDelta) flowState {
	if d.Visit != "" {
		prev.Trace = append(append([]string(nil), prev.Trace...), d.Visit)
	}
	prev.Level += d.Level
	prev.Retries += d.Retries
	if d.X != nil {
		prev.X = *d.X
	}
	if d.Seen != nil {
		prev.Seen = *d.Seen
	}
	if d.Approved != nil {
		prev.Approved = *d.Approved
	}
	return prev
}

func ptr[T any](v T) *T { return &v }

// visit returns a stage that records its name in the trace.
func visit(name string) Node[flowState, flowDelta] {
	return NodeFunc[flowState, flowDelta](func(context.Context, flowState) NodeResult[flowDelta] {
		return NodeResult[flowDelta]{Delta: flowDelta{Visit: name}}
	})
}

// stage returns a stage that records its name and applies extra to the delta.
func stage(name string, extra func(s flowState, d *flowDelta)) Node[flowState, flowDelta] {
	return NodeFunc[flowState, flowDelta](func(_ context.Context, s flowState) NodeResult[flowDelta] {
		d := flowDelta{Visit: name}
		extra(s, &d)
		return NodeResult[flowDelta]{Delta: d}
	})
}

// sleepy records its name after d, honouring cancellation.
func sleepy(name string, d time.Duration, extra func(*flowDelta)) Node[flowState, flowDelta] {
	return NodeFunc[flowState, flowDelta](func(ctx context.Context, _ flowState) NodeResult[flowDelta] {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return NodeResult[flowDelta]{Err: ctx.Err()}
		}
		delta := flowDelta{Visit: name}
		if extra != nil {
			extra(&delta)
		}
		return NodeResult[flowDelta]{Delta: delta}
	})
}

func failing(err error) Node[flowState, flowDelta] {
	return NodeFunc[flowState, flowDelta](func(context.Context, flowState) NodeResult[flowDelta] {
		return NodeResult[flowDelta]{Delta: flowDelta{Visit: "should-not-merge"}, Err: err}
	})
}

func errCode(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

func equalTrace(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func fixedClock() time.Time {
	return time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
}
