package neuroflow

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/dshills/neuroflow-go/graph"
	"github.com/dshills/neuroflow-go/graph/model"
)

const synthesizerPrompt = `You are a warm, direct focus coach for someone with ADHD.
Write one reply of at most 120 words using the notes below. Lead with the
single most useful next action. No lists longer than three items, no guilt,
no apologies.`

// synthesizer writes the reply from every stage output produced this turn.
// On a rewrite it also gets the quality gate's feedback.
func (s *stages) synthesizer(ctx context.Context, st State) graph.NodeResult[Update] {
	attempts := st.SynthesisAttempts + 1

	msgs := []model.Message{model.System(synthesizerPrompt)}
	if notes := stageNotes(st); notes != "" {
		msgs = append(msgs, model.System("Notes from this turn:\n"+notes))
	}
	if st.Feedback != "" {
		msgs = append(msgs, model.System("Your previous draft was rejected. "+st.Feedback))
	}
	msgs = append(msgs, history(st, 6)...)

	text, err := s.gen.Text(ctx, "synthesis", msgs)
	if err != nil {
		var genErr *model.GenerationError
		if !errors.As(err, &genErr) || st.RetryCount >= s.cfg.Quality.RetryCeiling {
			return fail(StageSynthesizer, err)
		}
		// An empty draft scores below threshold, so the gate asks again.
		s.logger.Warn("synthesis failed, leaving it to the retry",
			zap.String("session_id", st.SessionID), zap.Error(err))
		text = ""
	}

	return done(Update{
		Response:          &text,
		SynthesisAttempts: &attempts,
	})
}

// stageNotes collects the outputs of the stages that ran this turn, most
// important first.
func stageNotes(st State) string {
	var parts []string
	add := func(label, text string) {
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, label+": "+text)
		}
	}
	add("Intent", string(st.Intent))
	add("Plan", st.PlanOutput)
	add("Pattern intervention", st.InterruptOutput)
	add("Focus setup", st.EnvironmentOutput)
	add("Cognitive state", st.AnalysisOutput)
	add("Time", st.TimeOutput)
	add("Motivation", st.RewardOutput)
	return strings.Join(parts, "\n")
}

// qualityGate scores the draft. When the draft will not be rewritten it is
// committed to the conversation history, replaced by a stage-output summary
// if it is empty.
func (s *stages) qualityGate(_ context.Context, st State) graph.NodeResult[Update] {
	score, issues := s.scorer.Score(st.Response, st.PlanOutput != "")
	score = clamp(score, 0, 1)

	u := Update{
		QualityScore:  &score,
		QualityIssues: &issues,
	}
	if QualityLabel(score, st.RetryCount, s.cfg.Quality) == LabelPass {
		reply := st.Response
		if strings.TrimSpace(reply) == "" {
			reply = FallbackResponse(st)
			u.Response = &reply
		}
		u.Messages = []Message{{Role: RoleAssistant, Content: reply, Stage: StageSynthesizer, At: st.TurnAt}}
	}
	return done(u)
}

// retry counts a rewrite and turns the gate's issues into feedback.
func (s *stages) retry(_ context.Context, st State) graph.NodeResult[Update] {
	n := st.RetryCount + 1
	feedback := "Problems: " + strings.Join(st.QualityIssues, "; ") +
		". Write a complete, encouraging reply with one concrete next step."
	if len(st.QualityIssues) == 0 {
		feedback = "Write a complete, encouraging reply with one concrete next step."
	}
	return done(Update{
		RetryCount: &n,
		Feedback:   &feedback,
	})
}

// FallbackResponse builds a reply from the stage outputs alone.
func FallbackResponse(st State) string {
	for _, text := range []string{st.PlanOutput, st.InterruptOutput, st.EnvironmentOutput, st.AnalysisOutput, st.RewardOutput, st.TimeOutput} {
		if text = strings.TrimSpace(text); text != "" {
			return text
		}
	}
	return "I'm here. Tell me what you're working on, or what's getting in the way, and we'll find a first step together."
}
