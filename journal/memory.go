package journal

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemJournal keeps everything in process memory. It backs tests and the
// default CLI configuration.
type MemJournal struct {
	mu           sync.RWMutex
	interactions []Interaction
	patterns     []PatternEvent
	tasks        map[string]Task
	closed       bool
}

// NewMemJournal creates an empty MemJournal.
func NewMemJournal() *MemJournal {
	return &MemJournal{tasks: make(map[string]Task)}
}

// RecordInteraction implements Journal.
func (m *MemJournal) RecordInteraction(_ context.Context, in Interaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.interactions = append(m.interactions, in)
	return nil
}

// RecentInteractions implements Journal.
func (m *MemJournal) RecentInteractions(_ context.Context, sessionID string, limit int) ([]Interaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	var out []Interaction
	for i := len(m.interactions) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.interactions[i].SessionID == sessionID {
			out = append(out, m.interactions[i])
		}
	}
	return out, nil
}

// RecordPattern implements Journal.
func (m *MemJournal) RecordPattern(_ context.Context, e PatternEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.patterns = append(m.patterns, e)
	return nil
}

// PatternCounts implements Journal.
func (m *MemJournal) PatternCounts(_ context.Context, sessionID string) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	counts := make(map[string]int)
	for _, e := range m.patterns {
		if e.SessionID == sessionID {
			counts[e.Pattern]++
		}
	}
	return counts, nil
}

// SaveTask implements Journal.
func (m *MemJournal) SaveTask(_ context.Context, t Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.tasks[t.TaskID] = t
	return nil
}

// CompleteTask implements Journal.
func (m *MemJournal) CompleteTask(_ context.Context, taskID string, actualMinutes int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	t.ActualMinutes = actualMinutes
	t.CompletedAt = &at
	m.tasks[taskID] = t
	return nil
}

// Tasks implements Journal.
func (m *MemJournal) Tasks(_ context.Context, limit int) ([]Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AverageDurationRatio implements Journal.
func (m *MemJournal) AverageDurationRatio(_ context.Context, taskType string) (float64, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, 0, ErrClosed
	}

	var sum float64
	var n int
	for _, t := range m.tasks {
		if !t.Completed() || t.EstimatedMinutes <= 0 {
			continue
		}
		if taskType != "" && t.TaskType != taskType {
			continue
		}
		sum += float64(t.ActualMinutes) / float64(t.EstimatedMinutes)
		n++
	}
	if n == 0 {
		return 0, 0, nil
	}
	return sum / float64(n), n, nil
}

// Close implements Journal.
func (m *MemJournal) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
