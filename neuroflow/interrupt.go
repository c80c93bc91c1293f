package neuroflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/dshills/neuroflow-go/graph"
	"github.com/dshills/neuroflow-go/graph/model"
	"github.com/dshills/neuroflow-go/recall"
)

const (
	// interventionFloor is the confidence below which an intervention is not
	// shown to the user.
	interventionFloor = 0.35
	keepInterventions = 5
	keepSentiment     = 10
)

var avoidanceWords = []string{"can't", "don't know", "stuck", "give up", "impossible", "hate"}

var patternSchema = model.MustCompileSchema("pattern", `{
  "type": "object",
  "required": ["pattern", "confidence"],
  "properties": {
    "pattern": {"enum": ["none", "avoidance", "productive", "productive_procrastination", "distraction", "paralysis", "perfectionism"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "evidence": {"type": "array", "items": {"type": "string"}},
    "intervention": {
      "type": "object",
      "properties": {
        "strategy": {"type": "string"},
        "message": {"type": "string"}
      }
    }
  }
}`)

type patternOutput struct {
	Pattern      string   `json:"pattern"`
	Confidence   float64  `json:"confidence"`
	Evidence     []string `json:"evidence"`
	Intervention struct {
		Strategy string `json:"strategy"`
		Message  string `json:"message"`
	} `json:"intervention"`
}

const detectorPrompt = `You spot procrastination patterns in a conversation with someone with ADHD.
Patterns: avoidance (putting the task off), productive (busy with the wrong
thing), distraction (pulled away), paralysis (cannot choose or start),
perfectionism (cannot accept "good enough"), or none.
Give your confidence from 0 to 1 and one short, kind intervention the user can
act on in under two minutes.`

// interruptDetector identifies the user's procrastination pattern and
// proposes an intervention. It runs again after each escalation with a note
// asking for a more direct strategy.
func (s *stages) interruptDetector(ctx context.Context, st State) graph.NodeResult[Update] {
	pattern := st.Pattern
	pattern.Evidence = nil
	pattern.Strategy = ""
	pattern.DetectedAt = st.TurnAt
	if st.EscalationLevel == 0 {
		pattern.Sentiment = keepLast(append(append([]float64(nil), st.Pattern.Sentiment...), Sentiment(st.UserInput)), keepSentiment)
	}

	if len(st.Messages) == 0 {
		pattern.Label = PatternNone
		pattern.Confidence = 0
		return done(Update{Pattern: &pattern, InterruptOutput: ptr("")})
	}

	msgs := []model.Message{model.System(detectorPrompt)}
	if past := s.pastInterventions(ctx, st); past != "" {
		msgs = append(msgs, model.System("Interventions that were offered in similar situations:\n"+past))
	}
	msgs = append(msgs, history(st, 15)...)
	if st.EscalationLevel > 0 {
		msgs = append(msgs, model.System(st.EscalationNote))
	}

	out, err := model.Generate[patternOutput](ctx, s.gen, "pattern", patternSchema, msgs)
	if err != nil {
		if !s.fallback(StageInterruptDetector, st, err) {
			return fail(StageInterruptDetector, err)
		}
		out = patternOutput{Pattern: PatternNone}
	}

	pattern.Label = out.Pattern
	if pattern.Label == "productive_procrastination" {
		pattern.Label = PatternProductive
	}
	pattern.Confidence = out.Confidence
	pattern.Evidence = out.Evidence
	pattern.Strategy = out.Intervention.Strategy

	message := strings.TrimSpace(out.Intervention.Message)
	if EffectiveConfidence(pattern, s.cfg.Routing) < interventionFloor {
		message = ""
	}
	if message != "" {
		pattern.Interventions = keepLast(append(append([]string(nil), st.Pattern.Interventions...), message), keepInterventions)
		if pattern.Label != PatternNone {
			s.rememberIntervention(ctx, st, pattern, message)
		}
	}

	return done(Update{Pattern: &pattern, InterruptOutput: &message})
}

func (s *stages) pastInterventions(ctx context.Context, st State) string {
	if s.memory == nil {
		return ""
	}
	query := st.UserInput
	if st.Task.Active() {
		query = st.Task.Description + " " + query
	}
	matches, err := s.memory.Query(ctx, recall.CollectionInterventions, query, s.cfg.Recall.TopK, nil)
	if err != nil {
		s.logger.Warn("intervention recall failed", zap.String("session_id", st.SessionID), zap.Error(err))
		return ""
	}
	lines := make([]string, 0, len(matches))
	for _, m := range matches {
		lines = append(lines, fmt.Sprintf("%s (for %s)", m.Text, m.Metadata["pattern"]))
	}
	return bulletList(lines)
}

func (s *stages) rememberIntervention(ctx context.Context, st State, p PatternDetection, message string) {
	id := recordID(st, "intervention", st.EscalationLevel)
	err := s.memory.Upsert(ctx, recall.CollectionInterventions, id, message, map[string]string{
		"pattern":    p.Label,
		"confidence": strconv.FormatFloat(p.Confidence, 'f', 2, 64),
		"level":      strconv.Itoa(st.EscalationLevel),
	})
	if err != nil {
		s.logger.Warn("intervention not stored for recall", zap.String("session_id", st.SessionID), zap.Error(err))
	}
}

// escalator raises the escalation level and asks the detector for a more
// direct intervention on its next pass.
func (s *stages) escalator(_ context.Context, st State) graph.NodeResult[Update] {
	level := st.EscalationLevel + 1
	note := fmt.Sprintf("[ESCALATING to Level %d. Previous: %s. Use MORE DIRECT intervention strategy.]", level, st.Pattern.Label)
	return done(Update{
		EscalationLevel: &level,
		EscalationNote:  &note,
	})
}

// Sentiment is a crude engagement estimate for a message in [-1, 1]:
// longer messages read as engaged, avoidance phrases pull it down.
func Sentiment(text string) float64 {
	lower := strings.ToLower(text)
	score := min(float64(utf8.RuneCountInString(text))/200, 1)
	for _, w := range avoidanceWords {
		if strings.Contains(lower, w) {
			score -= 0.3
		}
	}
	return clamp(score, -1, 1)
}
