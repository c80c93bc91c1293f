package graph

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/neuroflow-go/graph/emit"
	"github.com/dshills/neuroflow-go/graph/store"
)

// fanOutGraph builds gate -> [a, b] -> join -> END.
func fanOutGraph(t *testing.T, a, b Node[flowState, flowDelta], emitter emit.Emitter, opts ...FanOutOption) *Runnable[flowState, flowDelta] {
	t.Helper()
	e := New(reduceFlow, store.NewMemStore[flowState](), emitter)
	_ = e.Add("gate", visit("gate"))
	_ = e.Add("a", a)
	_ = e.Add("b", b)
	_ = e.Add("join", visit("join"))
	if err := e.ConnectParallel("gate", []string{"a", "b"}, "join", opts...); err != nil {
		t.Fatalf("ConnectParallel: %v", err)
	}
	_ = e.Connect("a", "join")
	_ = e.Connect("b", "join")
	_ = e.Connect("join", END)
	return mustCompile(t, e, "gate")
}

func TestFanOut_LaterDeclaredBranchWins(t *testing.T) {
	delays := []struct{ a, b time.Duration }{
		{a: 0, b: 20 * time.Millisecond},
		{a: 20 * time.Millisecond, b: 0},
		{a: 5 * time.Millisecond, b: 5 * time.Millisecond},
	}
	for _, d := range delays {
		a := sleepy("a", d.a, func(delta *flowDelta) { delta.X = ptr("from-a") })
		b := sleepy("b", d.b, func(delta *flowDelta) { delta.X = ptr("from-b") })

		res, err := fanOutGraph(t, a, b, nil).Run(context.Background(), "s", flowState{})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if res.State.X != "from-b" {
			t.Errorf("delays %+v: expected from-b, got %q", d, res.State.X)
		}
		if !equalTrace(res.State.Trace, "gate", "a", "b", "join") {
			t.Errorf("delays %+v: unexpected trace %v", d, res.State.Trace)
		}
	}
}

func TestFanOut_BranchesSeeSnapshot(t *testing.T) {
	a := sleepy("a", 0, func(delta *flowDelta) { delta.X = ptr("written-by-a") })
	b := NodeFunc[flowState, flowDelta](func(_ context.Context, s flowState) NodeResult[flowDelta] {
		time.Sleep(10 * time.Millisecond)
		return NodeResult[flowDelta]{Delta: flowDelta{Visit: "b", Seen: ptr(s.X)}}
	})

	res, err := fanOutGraph(t, a, b, nil).Run(context.Background(), "s", flowState{X: "before"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State.Seen != "before" {
		t.Errorf("branch b observed %q, expected the pre-fan-out value", res.State.Seen)
	}
}

func TestFanOut_BranchesRunConcurrently(t *testing.T) {
	var arrived atomic.Int32
	rendezvous := func(name string) Node[flowState, flowDelta] {
		return NodeFunc[flowState, flowDelta](func(ctx context.Context, _ flowState) NodeResult[flowDelta] {
			arrived.Add(1)
			deadline := time.After(time.Second)
			for arrived.Load() < 2 {
				select {
				case <-deadline:
					return NodeResult[flowDelta]{Err: errors.New(name + " waited alone")}
				case <-ctx.Done():
					return NodeResult[flowDelta]{Err: ctx.Err()}
				case <-time.After(time.Millisecond):
				}
			}
			return NodeResult[flowDelta]{Delta: flowDelta{Visit: name}}
		})
	}

	if _, err := fanOutGraph(t, rendezvous("a"), rendezvous("b"), nil).Run(context.Background(), "s", flowState{}); err != nil {
		t.Fatalf("branches did not overlap: %v", err)
	}
}

func TestFanOut_FailureFailsTurn(t *testing.T) {
	boom := errors.New("builder failed")
	res, err := fanOutGraph(t, visit("a"), failing(boom), nil).Run(context.Background(), "s", flowState{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected branch error, got %v", err)
	}
	if res.Status != StatusFailed {
		t.Errorf("expected failed status, got %s", res.Status)
	}
	if countOf(res.State.Trace, "join") != 0 {
		t.Error("join ran after a branch failure")
	}
}

func TestFanOut_BestEffortDropsFailedBranch(t *testing.T) {
	events := emit.NewBufferedEmitter()
	res, err := fanOutGraph(t, failing(errors.New("builder failed")), visit("b"), events, BestEffort()).
		Run(context.Background(), "s", flowState{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !equalTrace(res.State.Trace, "gate", "b", "join") {
		t.Errorf("unexpected trace %v", res.State.Trace)
	}
	if len(events.GetHistoryWithFilter("s", emit.HistoryFilter{Msg: "branch_failed", NodeID: "a"})) != 1 {
		t.Error("expected branch_failed event for a")
	}
}

func TestFanOut_MultiStageBranch(t *testing.T) {
	e := newFlowEngine()
	for _, n := range []string{"gate", "a1", "a2", "b", "join"} {
		_ = e.Add(n, visit(n))
	}
	_ = e.ConnectParallel("gate", []string{"a1", "b"}, "join")
	_ = e.Connect("a1", "a2")
	_ = e.Connect("a2", "join")
	_ = e.Connect("b", "join")
	_ = e.Connect("join", END)
	r := mustCompile(t, e, "gate")

	res, err := r.Run(context.Background(), "s", flowState{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !equalTrace(res.State.Trace, "gate", "a1", "a2", "b", "join") {
		t.Errorf("unexpected trace %v", res.State.Trace)
	}
	if res.Steps != 5 {
		t.Errorf("expected 5 merged steps, got %d", res.Steps)
	}
}
