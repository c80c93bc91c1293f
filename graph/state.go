package graph

import (
	"encoding/json"
	"fmt"
)

// deepCopy returns an independent copy of state via a JSON round trip.
//
// Parallel branches each receive their own copy so a stage that mutates a
// nested slice or map cannot leak writes into a sibling branch. Unexported
// fields are not copied.
func deepCopy[S any](state S) (S, error) {
	var zero S

	data, err := json.Marshal(state)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal state: %w", err)
	}

	var copied S
	if err := json.Unmarshal(data, &copied); err != nil {
		return zero, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	return copied, nil
}
