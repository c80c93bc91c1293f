package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// TestState is the state type shared by the store tests.
type TestState struct {
	Value   string   `json:"value"`
	Counter int      `json:"counter"`
	Log     []string `json:"log,omitempty"`
}

// exerciseStore runs the behaviour every Store implementation must share.
func exerciseStore(t *testing.T, st Store[TestState]) {
	t.Helper()
	ctx := context.Background()

	t.Run("latest on empty run", func(t *testing.T) {
		_, _, err := st.LoadLatest(ctx, "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("latest returns highest step", func(t *testing.T) {
		_ = st.SaveStep(ctx, "run-a", 1, "router", TestState{Value: "one", Counter: 1})
		_ = st.SaveStep(ctx, "run-a", 3, "planner", TestState{Value: "three", Counter: 3})
		if err := st.SaveStep(ctx, "run-a", 2, "analyzer", TestState{Value: "two", Counter: 2}); err != nil {
			t.Fatalf("SaveStep failed: %v", err)
		}

		state, step, err := st.LoadLatest(ctx, "run-a")
		if err != nil {
			t.Fatalf("LoadLatest failed: %v", err)
		}
		if step != 3 || state.Value != "three" {
			t.Errorf("expected step 3 'three', got %d %q", step, state.Value)
		}
	})

	t.Run("same step replaces", func(t *testing.T) {
		_ = st.SaveStep(ctx, "run-b", 1, "router", TestState{Value: "first"})
		_ = st.SaveStep(ctx, "run-b", 1, "router", TestState{Value: "second"})

		state, step, err := st.LoadLatest(ctx, "run-b")
		if err != nil {
			t.Fatalf("LoadLatest failed: %v", err)
		}
		if step != 1 || state.Value != "second" {
			t.Errorf("expected replaced step, got %d %q", step, state.Value)
		}
	})

	t.Run("runs are isolated", func(t *testing.T) {
		_ = st.SaveStep(ctx, "run-c", 7, "x", TestState{Value: "c"})
		state, step, err := st.LoadLatest(ctx, "run-a")
		if err != nil {
			t.Fatalf("LoadLatest failed: %v", err)
		}
		if step != 3 || state.Value != "three" {
			t.Errorf("run-a was affected by run-c: %d %q", step, state.Value)
		}
	})

	t.Run("checkpoint round trip", func(t *testing.T) {
		created := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
		cp := Checkpoint[TestState]{
			RunID:     "session-1",
			State:     TestState{Value: "plan", Counter: 4, Log: []string{"a", "b"}},
			PausedAt:  "approval_gate",
			OnReject:  "planner",
			Step:      4,
			Version:   "v1",
			CreatedAt: created,
		}
		if err := st.SaveCheckpoint(ctx, cp); err != nil {
			t.Fatalf("SaveCheckpoint failed: %v", err)
		}

		got, err := st.LoadCheckpoint(ctx, "session-1")
		if err != nil {
			t.Fatalf("LoadCheckpoint failed: %v", err)
		}
		if got.PausedAt != "approval_gate" || got.OnReject != "planner" || got.Step != 4 || got.Version != "v1" {
			t.Errorf("checkpoint fields not preserved: %+v", got)
		}
		if got.State.Value != "plan" || len(got.State.Log) != 2 {
			t.Errorf("checkpoint state not preserved: %+v", got.State)
		}
		if !got.CreatedAt.Equal(created) {
			t.Errorf("expected CreatedAt %v, got %v", created, got.CreatedAt)
		}
	})

	t.Run("checkpoint overwrite", func(t *testing.T) {
		_ = st.SaveCheckpoint(ctx, Checkpoint[TestState]{RunID: "session-2", PausedAt: "a", Version: "v1", CreatedAt: time.Now()})
		_ = st.SaveCheckpoint(ctx, Checkpoint[TestState]{RunID: "session-2", PausedAt: "b", Version: "v1", CreatedAt: time.Now()})

		got, err := st.LoadCheckpoint(ctx, "session-2")
		if err != nil {
			t.Fatalf("LoadCheckpoint failed: %v", err)
		}
		if got.PausedAt != "b" {
			t.Errorf("expected overwritten checkpoint, got %q", got.PausedAt)
		}
	})

	t.Run("checkpoint delete", func(t *testing.T) {
		if err := st.DeleteCheckpoint(ctx, "session-1"); err != nil {
			t.Fatalf("DeleteCheckpoint failed: %v", err)
		}
		if _, err := st.LoadCheckpoint(ctx, "session-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := st.DeleteCheckpoint(ctx, "session-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}
	})

	t.Run("concurrent sessions", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				run := fmt.Sprintf("parallel-%d", i)
				for step := 1; step <= 5; step++ {
					if err := st.SaveStep(ctx, run, step, "stage", TestState{Counter: step}); err != nil {
						t.Errorf("SaveStep(%s, %d) failed: %v", run, step, err)
					}
				}
			}(i)
		}
		wg.Wait()

		for i := 0; i < 8; i++ {
			state, step, err := st.LoadLatest(ctx, fmt.Sprintf("parallel-%d", i))
			if err != nil {
				t.Fatalf("LoadLatest failed: %v", err)
			}
			if step != 5 || state.Counter != 5 {
				t.Errorf("parallel-%d: expected step 5, got %d", i, step)
			}
		}
	})
}
