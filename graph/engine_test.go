package graph

import (
	"errors"
	"testing"

	"github.com/dshills/neuroflow-go/graph/store"
)

func newFlowEngine(opts ...Option) *Engine[flowState, flowDelta] {
	return New(reduceFlow, store.NewMemStore[flowState](), nil, opts...)
}

func levelCounter(s flowState) int   { return s.Level }
func retriesCounter(s flowState) int { return s.Retries }

func TestEngine_Add(t *testing.T) {
	e := newFlowEngine()

	if err := e.Add("", visit("x")); err == nil {
		t.Error("expected error for empty name")
	}
	if err := e.Add("a", nil); err == nil {
		t.Error("expected error for nil stage")
	}
	if err := e.Add("a", visit("a")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	err := e.Add("a", visit("a"))
	var dup *DuplicateStageError
	if !errors.As(err, &dup) || dup.Stage != "a" {
		t.Errorf("expected DuplicateStageError for a, got %v", err)
	}
}

func TestEngine_OneTransitionPerStage(t *testing.T) {
	route := func(flowState) string { return "x" }

	tests := []struct {
		name   string
		second func(e *Engine[flowState, flowDelta]) error
	}{
		{"edge then edge", func(e *Engine[flowState, flowDelta]) error { return e.Connect("a", "c") }},
		{"edge then branch", func(e *Engine[flowState, flowDelta]) error {
			return e.ConnectConditional("a", route, map[string]string{"x": "c"})
		}},
		{"edge then fan-out", func(e *Engine[flowState, flowDelta]) error {
			return e.ConnectParallel("a", []string{"b", "c"}, "d")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newFlowEngine()
			if err := e.Connect("a", "b"); err != nil {
				t.Fatalf("Connect: %v", err)
			}
			if code := errCode(tt.second(e)); code != "AMBIGUOUS_ROUTE" {
				t.Errorf("expected AMBIGUOUS_ROUTE, got %q", code)
			}
		})
	}
}

func TestEngine_ConnectConditionalValidation(t *testing.T) {
	route := func(flowState) string { return "go" }

	t.Run("nil router", func(t *testing.T) {
		if err := newFlowEngine().ConnectConditional("a", nil, map[string]string{"go": "b"}); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("no targets", func(t *testing.T) {
		if err := newFlowEngine().ConnectConditional("a", route, nil); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("empty target", func(t *testing.T) {
		err := newFlowEngine().ConnectConditional("a", route, map[string]string{"go": ""})
		var ue *UnroutableLabelError
		if !errors.As(err, &ue) || ue.Label != "go" {
			t.Errorf("expected UnroutableLabelError, got %v", err)
		}
	})

	t.Run("guard on unknown label", func(t *testing.T) {
		err := newFlowEngine().ConnectConditional("a", route, map[string]string{"go": "b"},
			Guard[flowState]{Label: "escalate", Counter: levelCounter, Ceiling: 2})
		var ue *UnroutableLabelError
		if !errors.As(err, &ue) || ue.Label != "escalate" {
			t.Errorf("expected UnroutableLabelError for escalate, got %v", err)
		}
	})

	t.Run("guard without counter", func(t *testing.T) {
		err := newFlowEngine().ConnectConditional("a", route, map[string]string{"go": "b"},
			Guard[flowState]{Label: "go", Ceiling: 2})
		if code := errCode(err); code != "INVALID_GUARD" {
			t.Errorf("expected INVALID_GUARD, got %q", code)
		}
	})
}

func TestEngine_ConnectParallelValidation(t *testing.T) {
	e := newFlowEngine()
	if code := errCode(e.ConnectParallel("a", []string{"b"}, "j")); code != "INVALID_FANOUT" {
		t.Errorf("single target: expected INVALID_FANOUT, got %q", code)
	}
	if code := errCode(e.ConnectParallel("a", []string{"b", "b"}, "j")); code != "INVALID_FANOUT" {
		t.Errorf("repeated target: expected INVALID_FANOUT, got %q", code)
	}
	if err := e.ConnectParallel("a", []string{"", "b"}, "j"); err == nil {
		t.Error("empty target: expected error")
	}
}

func TestCompile_Validation(t *testing.T) {
	always := func(label string) Router[flowState] {
		return func(flowState) string { return label }
	}

	tests := []struct {
		name     string
		build    func(e *Engine[flowState, flowDelta])
		entry    string
		opts     []CompileOption[flowState, flowDelta]
		wantCode string
	}{
		{
			name:     "unknown entry",
			build:    func(e *Engine[flowState, flowDelta]) { _ = e.Add("a", visit("a")); _ = e.Connect("a", END) },
			entry:    "missing",
			wantCode: "NODE_NOT_FOUND",
		},
		{
			name:     "edge to unknown stage",
			build:    func(e *Engine[flowState, flowDelta]) { _ = e.Add("a", visit("a")); _ = e.Connect("a", "ghost") },
			entry:    "a",
			wantCode: "NODE_NOT_FOUND",
		},
		{
			name: "dead end",
			build: func(e *Engine[flowState, flowDelta]) {
				_ = e.Add("a", visit("a"))
				_ = e.Add("b", visit("b"))
				_ = e.Connect("a", "b")
			},
			entry:    "a",
			wantCode: "DEAD_END",
		},
		{
			name: "terminal unreachable",
			build: func(e *Engine[flowState, flowDelta]) {
				_ = e.Add("a", visit("a"))
				_ = e.Add("b", visit("b"))
				_ = e.Connect("a", "b")
				_ = e.ConnectConditional("b", always("back"), map[string]string{"back": "a"},
					Guard[flowState]{Label: "back", Counter: levelCounter, Ceiling: 3})
			},
			entry:    "a",
			wantCode: "UNREACHABLE_TERMINAL",
		},
		{
			name:     "terminal collides with stage",
			build:    func(e *Engine[flowState, flowDelta]) { _ = e.Add(END, visit("x")) },
			entry:    END,
			wantCode: "INVALID_TERMINAL",
		},
		{
			name: "branch escapes join",
			build: func(e *Engine[flowState, flowDelta]) {
				for _, n := range []string{"a", "b", "c", "j"} {
					_ = e.Add(n, visit(n))
				}
				_ = e.ConnectParallel("a", []string{"b", "c"}, "j")
				_ = e.Connect("b", END)
				_ = e.Connect("c", "j")
				_ = e.Connect("j", END)
			},
			entry:    "a",
			wantCode: "BRANCH_ESCAPES_JOIN",
		},
		{
			name: "nested fan-out",
			build: func(e *Engine[flowState, flowDelta]) {
				for _, n := range []string{"a", "b", "c", "d", "f", "j"} {
					_ = e.Add(n, visit(n))
				}
				_ = e.ConnectParallel("a", []string{"b", "c"}, "j")
				_ = e.ConnectParallel("b", []string{"d", "f"}, "j")
				_ = e.Connect("c", "j")
				_ = e.Connect("d", "j")
				_ = e.Connect("f", "j")
				_ = e.Connect("j", END)
			},
			entry:    "a",
			wantCode: "NESTED_FANOUT",
		},
		{
			name: "join listed as branch",
			build: func(e *Engine[flowState, flowDelta]) {
				for _, n := range []string{"a", "b", "j"} {
					_ = e.Add(n, visit(n))
				}
				_ = e.ConnectParallel("a", []string{"b", "j"}, "j")
				_ = e.Connect("b", "j")
				_ = e.Connect("j", END)
			},
			entry:    "a",
			wantCode: "INVALID_FANOUT",
		},
		{
			name: "pause inside branch",
			build: func(e *Engine[flowState, flowDelta]) {
				for _, n := range []string{"a", "b", "c", "j"} {
					_ = e.Add(n, visit(n))
				}
				_ = e.ConnectParallel("a", []string{"b", "c"}, "j")
				_ = e.Connect("b", "j")
				_ = e.Connect("c", "j")
				_ = e.Connect("j", END)
			},
			entry:    "a",
			opts:     []CompileOption[flowState, flowDelta]{WithInterrupt(Interrupt[flowState, flowDelta]{Before: "c"})},
			wantCode: "INTERRUPT_IN_BRANCH",
		},
		{
			name:     "interrupt on unknown stage",
			build:    func(e *Engine[flowState, flowDelta]) { _ = e.Add("a", visit("a")); _ = e.Connect("a", END) },
			entry:    "a",
			opts:     []CompileOption[flowState, flowDelta]{WithInterrupt(Interrupt[flowState, flowDelta]{Before: "ghost"})},
			wantCode: "NODE_NOT_FOUND",
		},
		{
			name:     "empty interrupt",
			build:    func(e *Engine[flowState, flowDelta]) { _ = e.Add("a", visit("a")); _ = e.Connect("a", END) },
			entry:    "a",
			opts:     []CompileOption[flowState, flowDelta]{WithInterrupt(Interrupt[flowState, flowDelta]{})},
			wantCode: "INVALID_INTERRUPT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newFlowEngine()
			tt.build(e)
			_, err := e.Compile(tt.entry, END, tt.opts...)
			if code := errCode(err); code != tt.wantCode {
				t.Errorf("expected %s, got %v", tt.wantCode, err)
			}
		})
	}
}

func TestCompile_UnboundedCycle(t *testing.T) {
	e := newFlowEngine()
	_ = e.Add("detect", visit("detect"))
	_ = e.Add("escalate", visit("escalate"))
	_ = e.ConnectConditional("detect", func(flowState) string { return "done" },
		map[string]string{"loop": "escalate", "done": END})
	_ = e.Connect("escalate", "detect")

	_, err := e.Compile("detect", END)
	var cycle *UnboundedCycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected UnboundedCycleError, got %v", err)
	}
	if !equalTrace(cycle.Cycle, "detect", "escalate", "detect") {
		t.Errorf("unexpected cycle %v", cycle.Cycle)
	}
}

func TestCompile_GuardedCycleAccepted(t *testing.T) {
	e := newFlowEngine()
	_ = e.Add("detect", visit("detect"))
	_ = e.Add("escalate", visit("escalate"))
	_ = e.ConnectConditional("detect", func(flowState) string { return "done" },
		map[string]string{"loop": "escalate", "done": END},
		Guard[flowState]{Label: "loop", Counter: levelCounter, Ceiling: 2})
	_ = e.Connect("escalate", "detect")

	r, err := e.Compile("detect", END)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if r.Entry() != "detect" || r.Terminal() != END {
		t.Errorf("unexpected entry/terminal %s/%s", r.Entry(), r.Terminal())
	}
}

func TestCompile_InvalidOption(t *testing.T) {
	tests := []Option{
		WithMaxSteps(-1),
		WithDefaultNodeTimeout(-1),
		WithStageTimeout("a", -1),
		WithCheckpointVersion(""),
		WithClock(nil),
	}
	for i, opt := range tests {
		e := newFlowEngine(opt)
		_ = e.Add("a", visit("a"))
		_ = e.Connect("a", END)
		if _, err := e.Compile("a", END); errCode(err) != "INVALID_OPTION" {
			t.Errorf("option %d: expected INVALID_OPTION, got %v", i, err)
		}
	}
}

func TestCompile_MissingReducer(t *testing.T) {
	e := New[flowState, flowDelta](nil, nil, nil)
	_ = e.Add("a", visit("a"))
	_ = e.Connect("a", END)
	if _, err := e.Compile("a", END); errCode(err) != "MISSING_REDUCER" {
		t.Errorf("expected MISSING_REDUCER, got %v", err)
	}
}
