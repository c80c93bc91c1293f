package emit

import "sync"

// BufferedEmitter keeps every event in memory, grouped by run.
//
// It backs tests and lets a caller inspect the path a turn took (which
// labels were chosen, where it paused). Memory grows with the number of
// events; call Clear once a run's history is no longer needed.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// HistoryFilter selects events. Empty fields match everything.
type HistoryFilter struct {
	NodeID string
	Msg    string
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit implements Emitter.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// GetHistory returns a copy of the events recorded for runID in emission order.
func (b *BufferedEmitter) GetHistory(runID string) []Event {
	return b.GetHistoryWithFilter(runID, HistoryFilter{})
}

// GetHistoryWithFilter returns the events for runID matching filter.
func (b *BufferedEmitter) GetHistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, e := range b.events[runID] {
		if filter.NodeID != "" && e.NodeID != filter.NodeID {
			continue
		}
		if filter.Msg != "" && e.Msg != filter.Msg {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Labels returns the conditional labels chosen during runID, in order.
func (b *BufferedEmitter) Labels(runID string) []string {
	var labels []string
	for _, e := range b.GetHistoryWithFilter(runID, HistoryFilter{Msg: "route"}) {
		if label, ok := e.Meta["label"].(string); ok {
			labels = append(labels, label)
		}
	}
	return labels
}

// Stages returns the stages that completed during runID, in order of
// completion.
func (b *BufferedEmitter) Stages(runID string) []string {
	var stages []string
	for _, e := range b.GetHistoryWithFilter(runID, HistoryFilter{Msg: "stage_end"}) {
		stages = append(stages, e.NodeID)
	}
	return stages
}

// Clear drops the history for runID.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.events, runID)
}
