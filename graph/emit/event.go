package emit

// Event is a single observability record from a run.
//
// Msg values produced by the engine:
//
//	stage_start, stage_end, stage_error, route, fanout_start,
//	branch_failed, join, paused, resumed, cancelled, run_complete
type Event struct {
	// RunID is the session the run belongs to.
	RunID string

	// Step is the last persisted step number when the event fired.
	Step int

	// NodeID is the stage the event concerns.
	NodeID string

	Msg string

	// Meta carries event-specific fields such as "label", "to",
	// "duration_ms" and "error".
	Meta map[string]interface{}
}

// IsError reports whether the event describes a failure.
func (e Event) IsError() bool {
	_, ok := e.Meta["error"]
	return ok
}
