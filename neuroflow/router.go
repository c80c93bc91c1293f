package neuroflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/neuroflow-go/graph"
	"github.com/dshills/neuroflow-go/graph/model"
)

var intentSchema = model.MustCompileSchema("intent", `{
  "type": "object",
  "required": ["intent", "confidence"],
  "properties": {
    "intent": {"enum": ["start_task", "stuck", "distracted", "check_in", "general_chat", "take_break"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "urgency": {"enum": ["low", "medium", "high"]},
    "emotional_state": {"type": "string"}
  }
}`)

type intentOutput struct {
	Intent         string  `json:"intent"`
	Confidence     float64 `json:"confidence"`
	Urgency        string  `json:"urgency"`
	EmotionalState string  `json:"emotional_state"`
}

const routerPrompt = `You classify messages sent to a focus coach for people with ADHD.
Intents:
- start_task: the user wants to begin or plan a specific task
- stuck: the user cannot start or continue, feels blocked or overwhelmed
- distracted: the user has drifted away from what they meant to do
- check_in: the user reports progress or asks how they are doing
- take_break: the user wants to rest
- general_chat: anything else`

// router classifies the user's message and records it in the history.
func (s *stages) router(ctx context.Context, st State) graph.NodeResult[Update] {
	input := strings.TrimSpace(st.UserInput)
	u := Update{
		Messages: []Message{{Role: RoleUser, Content: st.UserInput, Stage: StageRouter, At: st.TurnAt}},
	}

	if input == "" {
		u.Intent = ptr(IntentGeneralChat)
		u.IntentConfidence = ptr(0.0)
		u.Priority = ptr(false)
		u.BreakRequested = ptr(false)
		return done(u)
	}

	msgs := []model.Message{model.System(routerPrompt), model.System(sessionContext(st))}
	msgs = append(msgs, history(st, 4)...)
	msgs = append(msgs, model.User(input))

	out, err := model.Generate[intentOutput](ctx, s.gen, "intent", intentSchema, msgs)
	if err != nil {
		if !s.fallback(StageRouter, st, err) {
			return fail(StageRouter, err)
		}
		out = intentOutput{Intent: string(IntentGeneralChat)}
	}

	intent, breakRequested := ParseIntent(out.Intent)
	conf := out.Confidence
	if intent == IntentGeneralChat && out.Intent != string(IntentGeneralChat) {
		conf = 0
	}
	priority := out.Urgency == "high" || intent == IntentStuck || intent == IntentDistracted

	u.Intent = ptr(intent)
	u.IntentConfidence = ptr(conf)
	u.Priority = ptr(priority)
	u.BreakRequested = ptr(breakRequested)
	if mood := strings.TrimSpace(out.EmotionalState); mood != "" {
		cog := st.Cognitive
		cog.Mood = mood
		u.Cognitive = &cog
	}
	return done(u)
}

// sessionContext summarises the active task and cognitive state so the
// classifier can tell "done" about a task from small talk.
func sessionContext(st State) string {
	task := "none"
	if st.Task.Active() {
		task = st.Task.Description
	}
	c := st.Cognitive
	return fmt.Sprintf("Session context:\n- Active task: %s\n- Focus level: %s\n- Energy: %d/10\n- Crash risk: %.0f%%\n- Interactions so far: %d",
		task, c.FocusLevel, c.Energy, c.CrashRisk*100, st.InteractionCount)
}
