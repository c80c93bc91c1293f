package neuroflow

import (
	"math"
	"strings"

	"github.com/dshills/neuroflow-go/config"
)

// Intent is the classified purpose of a user message.
type Intent string

// The closed intent set. take_break is accepted from the classifier and
// folded into check-in with BreakRequested set.
const (
	IntentStartTask   Intent = "start_task"
	IntentStuck       Intent = "stuck"
	IntentDistracted  Intent = "distracted"
	IntentCheckIn     Intent = "check_in"
	IntentGeneralChat Intent = "general_chat"
	IntentTakeBreak   Intent = "take_break"
)

// Stage names.
const (
	StageRouter             = "router"
	StagePlanner            = "planner"
	StageApprovalGate       = "approval_gate"
	StageEnvironmentBuilder = "environment_builder"
	StageAnalyzer           = "analyzer"
	StageInterruptDetector  = "interrupt_detector"
	StageEscalator          = "escalator"
	StageTimeReality        = "time_reality"
	StageReward             = "reward"
	StageSynthesizer        = "synthesizer"
	StageQualityGate        = "quality_gate"
	StageRetry              = "retry"
)

// Route labels.
const (
	LabelStartTask         = "start_task"
	LabelStuckOrDistracted = "stuck_or_distracted"
	LabelCheckIn           = "check_in"
	LabelGeneralChat       = "general_chat"

	LabelEscalate      = "escalate"
	LabelFullAnalysis  = "full_analysis"
	LabelQuickResponse = "quick_response"

	LabelRetry = "retry"
	LabelPass  = "pass"
)

// ParseIntent maps a classifier label onto the closed intent set. Anything
// unrecognised becomes general_chat. The second result reports a break
// request.
func ParseIntent(raw string) (Intent, bool) {
	switch in := Intent(strings.ToLower(strings.TrimSpace(raw))); in {
	case IntentStartTask, IntentStuck, IntentDistracted, IntentCheckIn, IntentGeneralChat:
		return in, false
	case IntentTakeBreak:
		return IntentCheckIn, true
	default:
		return IntentGeneralChat, false
	}
}

// RouteIntent selects the router's outgoing label.
func RouteIntent(s State) string {
	switch s.Intent {
	case IntentStartTask:
		return LabelStartTask
	case IntentStuck, IntentDistracted:
		return LabelStuckOrDistracted
	case IntentCheckIn:
		return LabelCheckIn
	default:
		return LabelGeneralChat
	}
}

// EffectiveConfidence is the pattern confidence used for severity routing.
// A named pattern reported without a confidence is assumed to be
// cfg.InferredConfidence. Values outside [0, 1] are clamped and NaN counts
// as zero.
func EffectiveConfidence(p PatternDetection, cfg config.RoutingConfig) float64 {
	c := p.Confidence
	if math.IsNaN(c) {
		c = 0
	}
	if c == 0 && p.Label != "" && p.Label != PatternNone {
		c = cfg.InferredConfidence
	}
	return clamp(c, 0, 1)
}

// SeverityLabel applies the escalation decision table. Comparisons are
// strict: a confidence equal to a cutoff falls to the lower branch. At the
// escalation ceiling escalate is never chosen, whatever the confidence.
func SeverityLabel(p PatternDetection, level int, cfg config.RoutingConfig) string {
	conf := EffectiveConfidence(p, cfg)
	switch {
	case conf > cfg.EscalateAbove && level < cfg.EscalationCeiling:
		return LabelEscalate
	case conf > cfg.AnalyzeAbove:
		return LabelFullAnalysis
	default:
		return LabelQuickResponse
	}
}

// RouteSeverity returns the interrupt detector's router.
func RouteSeverity(cfg config.RoutingConfig) func(State) string {
	return func(s State) string {
		return SeverityLabel(s.Pattern, s.EscalationLevel, cfg)
	}
}

// QualityLabel decides whether a scored response is rewritten.
func QualityLabel(score float64, retries int, cfg config.QualityConfig) string {
	if score < cfg.Threshold && retries < cfg.RetryCeiling {
		return LabelRetry
	}
	return LabelPass
}

// RouteQuality returns the quality gate's router.
func RouteQuality(cfg config.QualityConfig) func(State) string {
	return func(s State) string {
		return QualityLabel(s.QualityScore, s.RetryCount, cfg)
	}
}

// Scorer rates a synthesized response in [0, 1] and lists what is wrong
// with it. hadContextPackage reports whether a plan was produced this turn,
// in which case the response is expected to be actionable.
type Scorer interface {
	Score(response string, hadContextPackage bool) (float64, []string)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(response string, hadContextPackage bool) (float64, []string)

// Score implements Scorer.
func (f ScorerFunc) Score(response string, hadContextPackage bool) (float64, []string) {
	return f(response, hadContextPackage)
}

// HeuristicScorer scores with deterministic text checks.
type HeuristicScorer struct {
	cfg config.QualityConfig
}

// NewHeuristicScorer creates a scorer using the markers and minimum length
// in cfg.
func NewHeuristicScorer(cfg config.QualityConfig) *HeuristicScorer {
	return &HeuristicScorer{cfg: cfg}
}

// Score implements Scorer. No issues scores 1.0, one issue 0.4 and two or
// more 0.2.
func (h *HeuristicScorer) Score(response string, hadContextPackage bool) (float64, []string) {
	text := strings.TrimSpace(response)
	lower := strings.ToLower(text)

	var issues []string
	if len([]rune(text)) < h.cfg.MinLength {
		issues = append(issues, "response is too short")
	}
	if containsAny(lower, h.cfg.FailureMarkers) {
		issues = append(issues, "response contains failure language")
	}
	if hadContextPackage && !containsAny(lower, h.cfg.ActionMarkers) {
		issues = append(issues, "response does not give a concrete next action")
	}

	switch len(issues) {
	case 0:
		return 1.0, nil
	case 1:
		return 0.4, issues
	default:
		return 0.2, issues
	}
}

func containsAny(text string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(text, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// clamp bounds v to [lo, hi], reading NaN as zero.
func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		v = 0
	}
	return math.Max(lo, math.Min(hi, v))
}
