package neuroflow

import "time"

// Update is the partial state a stage returns. A nil field leaves the
// corresponding State field untouched; Messages are appended.
type Update struct {
	InteractionCount *int
	TurnAt           *time.Time

	UserInput        *string
	Intent           *Intent
	IntentConfidence *float64
	Priority         *bool
	BreakRequested   *bool

	Cognitive   *CognitiveState
	Signals     *Signals
	Task        *Task
	Environment *Environment
	Pattern     *PatternDetection
	Economy     *Economy
	Preferences *Preferences

	PlanOutput        *string
	EnvironmentOutput *string
	AnalysisOutput    *string
	InterruptOutput   *string
	TimeOutput        *string
	RewardOutput      *string
	Response          *string

	EscalationLevel   *int
	EscalationNote    *string
	RetryCount        *int
	QualityScore      *float64
	QualityIssues     *[]string
	Feedback          *string
	NeedsApproval     *bool
	AwaitingApproval  *bool
	Approval          *Approval
	SynthesisAttempts *int

	Messages []Message
}

// Reduce merges u into prev.
//
// Every non-nil field replaces the previous value wholesale, nested records
// included. Messages are the exception: they are appended after the existing
// history and numbered from the last sequence number, so history is never
// lost or reordered. prev is not modified.
func Reduce(prev State, u Update) State {
	next := prev

	set(&next.InteractionCount, u.InteractionCount)
	set(&next.TurnAt, u.TurnAt)

	set(&next.UserInput, u.UserInput)
	set(&next.Intent, u.Intent)
	set(&next.IntentConfidence, u.IntentConfidence)
	set(&next.Priority, u.Priority)
	set(&next.BreakRequested, u.BreakRequested)

	set(&next.Cognitive, u.Cognitive)
	set(&next.Signals, u.Signals)
	set(&next.Task, u.Task)
	set(&next.Environment, u.Environment)
	set(&next.Pattern, u.Pattern)
	set(&next.Economy, u.Economy)
	set(&next.Preferences, u.Preferences)

	set(&next.PlanOutput, u.PlanOutput)
	set(&next.EnvironmentOutput, u.EnvironmentOutput)
	set(&next.AnalysisOutput, u.AnalysisOutput)
	set(&next.InterruptOutput, u.InterruptOutput)
	set(&next.TimeOutput, u.TimeOutput)
	set(&next.RewardOutput, u.RewardOutput)
	set(&next.Response, u.Response)

	set(&next.EscalationLevel, u.EscalationLevel)
	set(&next.EscalationNote, u.EscalationNote)
	set(&next.RetryCount, u.RetryCount)
	set(&next.QualityScore, u.QualityScore)
	set(&next.QualityIssues, u.QualityIssues)
	set(&next.Feedback, u.Feedback)
	set(&next.NeedsApproval, u.NeedsApproval)
	set(&next.AwaitingApproval, u.AwaitingApproval)
	set(&next.Approval, u.Approval)
	set(&next.SynthesisAttempts, u.SynthesisAttempts)

	if len(u.Messages) > 0 {
		// A fresh backing array: prev may share its slice with other copies.
		msgs := make([]Message, len(prev.Messages), len(prev.Messages)+len(u.Messages))
		copy(msgs, prev.Messages)
		seq := prev.LastSeq()
		for _, m := range u.Messages {
			seq++
			m.Seq = seq
			msgs = append(msgs, m)
		}
		next.Messages = msgs
	}
	return next
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func ptr[T any](v T) *T { return &v }
