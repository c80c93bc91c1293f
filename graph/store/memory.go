package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemStore is an in-memory implementation of Store[S].
//
// It is the default for tests and single-process deployments. State does
// not survive process restarts unless snapshotted via MarshalJSON.
type MemStore[S any] struct {
	mu          sync.RWMutex
	steps       map[string][]StepRecord[S] // runID -> steps
	checkpoints map[string]Checkpoint[S]   // runID -> checkpoint
}

// NewMemStore creates an empty in-memory store.
func NewMemStore[S any]() *MemStore[S] {
	return &MemStore[S]{
		steps:       make(map[string][]StepRecord[S]),
		checkpoints: make(map[string]Checkpoint[S]),
	}
}

// SaveStep implements Store.
func (m *MemStore[S]) SaveStep(_ context.Context, runID string, step int, stage string, state S) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record := StepRecord[S]{Step: step, Stage: stage, State: state}
	records := m.steps[runID]
	for i := range records {
		if records[i].Step == step {
			records[i] = record
			return nil
		}
	}
	m.steps[runID] = append(records, record)
	return nil
}

// LoadLatest implements Store.
func (m *MemStore[S]) LoadLatest(_ context.Context, runID string) (state S, step int, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.steps[runID]
	if len(records) == 0 {
		var zero S
		return zero, 0, ErrNotFound
	}

	latest := records[0]
	for _, record := range records[1:] {
		if record.Step > latest.Step {
			latest = record
		}
	}
	return latest.State, latest.Step, nil
}

// History returns a copy of the step history for runID ordered by step.
func (m *MemStore[S]) History(runID string) []StepRecord[S] {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := append([]StepRecord[S](nil), m.steps[runID]...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Step < out[j-1].Step; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// SaveCheckpoint implements Store.
func (m *MemStore[S]) SaveCheckpoint(_ context.Context, cp Checkpoint[S]) error {
	if cp.RunID == "" {
		return fmt.Errorf("checkpoint run ID cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.RunID] = cp
	return nil
}

// LoadCheckpoint implements Store.
func (m *MemStore[S]) LoadCheckpoint(_ context.Context, runID string) (Checkpoint[S], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.checkpoints[runID]
	if !ok {
		return Checkpoint[S]{}, ErrNotFound
	}
	return cp, nil
}

// DeleteCheckpoint implements Store.
func (m *MemStore[S]) DeleteCheckpoint(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.checkpoints[runID]; !ok {
		return ErrNotFound
	}
	delete(m.checkpoints, runID)
	return nil
}

type serializableMemStore[S any] struct {
	Steps       map[string][]StepRecord[S] `json:"steps"`
	Checkpoints map[string]Checkpoint[S]   `json:"checkpoints"`
}

// MarshalJSON snapshots the whole store.
func (m *MemStore[S]) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return json.Marshal(serializableMemStore[S]{
		Steps:       m.steps,
		Checkpoints: m.checkpoints,
	})
}

// UnmarshalJSON restores a snapshot produced by MarshalJSON.
func (m *MemStore[S]) UnmarshalJSON(data []byte) error {
	var s serializableMemStore[S]
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to unmarshal MemStore: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.steps = s.Steps
	if m.steps == nil {
		m.steps = make(map[string][]StepRecord[S])
	}
	m.checkpoints = s.Checkpoints
	if m.checkpoints == nil {
		m.checkpoints = make(map[string]Checkpoint[S])
	}
	return nil
}
