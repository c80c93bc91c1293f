// Package neuroflow is a conversational focus coach built on the graph
// engine.
//
// Each user message is one turn through a fixed workflow: a router
// classifies intent, then planning, pattern detection (with a bounded
// escalation loop), cognitive analysis, time calibration and a motivation
// economy each contribute to a single synthesized reply, which a quality gate
// may send back for one rewrite. New plans pause for human approval before
// anything is committed.
//
// State is the record threaded through every stage and Update the partial
// record a stage returns; Reduce merges them. The Controller owns sessions:
// it serialises turns, resets per-turn fields and journals what happened.
package neuroflow

import (
	"time"
)

// State is the complete session state.
type State struct {
	SessionID        string    `json:"session_id"`
	StartedAt        time.Time `json:"started_at"`
	InteractionCount int       `json:"interaction_count"`
	// TurnAt is the controller's clock at the start of the current turn.
	// Stages read time from here so a turn is a pure function of its state.
	TurnAt time.Time `json:"turn_at"`

	UserInput        string  `json:"user_input"`
	Intent           Intent  `json:"intent"`
	IntentConfidence float64 `json:"intent_confidence"`
	Priority         bool    `json:"priority"`
	BreakRequested   bool    `json:"break_requested"`

	Cognitive   CognitiveState   `json:"cognitive"`
	Signals     Signals          `json:"signals"`
	Task        Task             `json:"task"`
	Environment Environment      `json:"environment"`
	Pattern     PatternDetection `json:"pattern"`
	Economy     Economy          `json:"economy"`
	Preferences Preferences      `json:"preferences"`

	PlanOutput        string `json:"plan_output,omitempty"`
	EnvironmentOutput string `json:"environment_output,omitempty"`
	AnalysisOutput    string `json:"analysis_output,omitempty"`
	InterruptOutput   string `json:"interrupt_output,omitempty"`
	TimeOutput        string `json:"time_output,omitempty"`
	RewardOutput      string `json:"reward_output,omitempty"`
	Response          string `json:"response,omitempty"`

	EscalationLevel   int      `json:"escalation_level"`
	EscalationNote    string   `json:"escalation_note,omitempty"`
	RetryCount        int      `json:"retry_count"`
	QualityScore      float64  `json:"quality_score"`
	QualityIssues     []string `json:"quality_issues,omitempty"`
	Feedback          string   `json:"feedback,omitempty"`
	NeedsApproval     bool     `json:"needs_approval"`
	AwaitingApproval  bool     `json:"awaiting_approval"`
	Approval          Approval `json:"approval,omitempty"`
	SynthesisAttempts int      `json:"synthesis_attempts"`

	Messages []Message `json:"messages"`
}

// Focus levels.
const (
	FocusLow        = "low"
	FocusMedium     = "medium"
	FocusHigh       = "high"
	FocusHyperfocus = "hyperfocus"
)

// CognitiveState is the analyzer's estimate of the user's capacity.
type CognitiveState struct {
	FocusLevel string `json:"focus_level"`
	// Energy is 0-10.
	Energy int `json:"energy"`
	// CrashRisk is the likelihood of a focus crash, 0-1.
	CrashRisk    float64            `json:"crash_risk"`
	CrashMinutes int                `json:"crash_minutes"`
	Mood         string             `json:"mood,omitempty"`
	// Overwhelm is 0-10.
	Overwhelm int                `json:"overwhelm"`
	Factors   map[string]float64 `json:"factors,omitempty"`
}

// Signals are the behavioural measurements the analyzer scores. The
// controller appends one sample per turn.
type Signals struct {
	TypingSpeeds   []float64 `json:"typing_speeds,omitempty"`
	TypingBaseline float64   `json:"typing_baseline"`
	MessageLengths []int     `json:"message_lengths,omitempty"`
	ResponseTimes  []float64 `json:"response_times,omitempty"`
	LastTurnAt     time.Time `json:"last_turn_at"`
	LastBreakAt    time.Time `json:"last_break_at"`
}

// MicroStep is one concrete action of a plan.
type MicroStep struct {
	Step    string `json:"step"`
	Minutes int    `json:"minutes"`
	Done    bool   `json:"done"`
}

// Task is the active task. A zero ID means no task.
type Task struct {
	ID               string      `json:"id,omitempty"`
	Description      string      `json:"description,omitempty"`
	Type             string      `json:"type,omitempty"`
	CognitiveLoad    string      `json:"cognitive_load,omitempty"`
	MicroSteps       []MicroStep `json:"micro_steps,omitempty"`
	FirstStep        string      `json:"first_step,omitempty"`
	EstimatedMinutes int         `json:"estimated_minutes,omitempty"`
	RealisticMinutes int         `json:"realistic_minutes,omitempty"`
	Completed        bool        `json:"completed,omitempty"`
	StartedAt        time.Time   `json:"started_at"`
}

// Active reports whether a task is in progress.
func (t Task) Active() bool { return t.ID != "" && !t.Completed }

// Environment is the focus setup produced for a task.
type Environment struct {
	MusicStyle      string   `json:"music_style,omitempty"`
	TimerMinutes    int      `json:"timer_minutes,omitempty"`
	BreakActivities []string `json:"break_activities,omitempty"`
	Ambient         []string `json:"ambient,omitempty"`
}

// Pattern labels.
const (
	PatternNone          = "none"
	PatternAvoidance     = "avoidance"
	PatternProductive    = "productive"
	PatternDistraction   = "distraction"
	PatternParalysis     = "paralysis"
	PatternPerfectionism = "perfectionism"
)

// PatternDetection is the latest behavioural pattern and its history.
type PatternDetection struct {
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Evidence   []string  `json:"evidence,omitempty"`
	Strategy   string    `json:"strategy,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
	// Interventions holds the most recent intervention messages offered.
	Interventions []string `json:"interventions,omitempty"`
	// Sentiment is a rolling per-message sentiment estimate in [-1, 1].
	Sentiment []float64 `json:"sentiment,omitempty"`
}

// Economy is the daily motivation budget.
type Economy struct {
	// Balance is clamped to 0-100.
	Balance        int           `json:"balance"`
	Transactions   []Transaction `json:"transactions,omitempty"`
	Forecast       string        `json:"forecast,omitempty"`
	RewardSchedule []int         `json:"reward_schedule,omitempty"`
}

// Transaction is one change to the motivation balance.
type Transaction struct {
	Event       string    `json:"event"`
	Points      int       `json:"points"`
	At          time.Time `json:"at"`
	Description string    `json:"description"`
}

// Preferences are user settings stages honour when present.
type Preferences struct {
	Name       string `json:"name,omitempty"`
	MusicStyle string `json:"music_style,omitempty"`
}

// Approval is the state of a plan review.
type Approval string

const (
	ApprovalPending   Approval = "pending"
	ApprovalGranted   Approval = "approved"
	ApprovalCancelled Approval = "cancelled"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation entry. Seq is assigned by Reduce and strictly
// increases across the session.
type Message struct {
	Seq     int       `json:"seq"`
	Role    string    `json:"role"`
	Content string    `json:"content"`
	Stage   string    `json:"stage,omitempty"`
	At      time.Time `json:"at"`
}

// NewState returns the initial state of a session.
func NewState(sessionID string, now time.Time, startingBalance int) State {
	return State{
		SessionID: sessionID,
		StartedAt: now,
		TurnAt:    now,
		Intent:    IntentGeneralChat,
		Cognitive: CognitiveState{
			FocusLevel:   FocusMedium,
			Energy:       7,
			CrashMinutes: 60,
		},
		Pattern:      PatternDetection{Label: PatternNone},
		Economy:      Economy{Balance: startingBalance},
		QualityScore: 1.0,
	}
}

// LastSeq returns the sequence number of the newest message, or 0.
func (s State) LastSeq() int {
	if len(s.Messages) == 0 {
		return 0
	}
	return s.Messages[len(s.Messages)-1].Seq
}
