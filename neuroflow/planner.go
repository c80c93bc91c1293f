package neuroflow

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dshills/neuroflow-go/graph"
	"github.com/dshills/neuroflow-go/graph/model"
	"github.com/dshills/neuroflow-go/recall"
)

// Task types the planner and environment builder recognise.
const (
	TaskCoding   = "coding"
	TaskWriting  = "writing"
	TaskRevision = "revision"
	TaskReading  = "reading"
	TaskAdmin    = "admin"
	TaskGeneral  = "general"
)

// RealityMultiplier converts a user's time estimate into a realistic one
// when there is no completed-task history to calibrate against.
const RealityMultiplier = 1.5

var planSchema = model.MustCompileSchema("plan", `{
  "type": "object",
  "required": ["task_type", "micro_steps", "estimated_minutes"],
  "properties": {
    "task_type": {"enum": ["coding", "writing", "revision", "reading", "admin", "general"]},
    "cognitive_load": {"enum": ["low", "medium", "high"]},
    "estimated_minutes": {"type": "integer", "minimum": 1, "maximum": 480},
    "first_step": {"type": "string"},
    "micro_steps": {
      "type": "array",
      "minItems": 1,
      "maxItems": 12,
      "items": {
        "type": "object",
        "required": ["step", "minutes"],
        "properties": {
          "step": {"type": "string", "minLength": 1},
          "minutes": {"type": "integer", "minimum": 1, "maximum": 120}
        }
      }
    }
  }
}`)

type planStep struct {
	Step    string `json:"step"`
	Minutes int    `json:"minutes"`
}

type planOutput struct {
	TaskType         string     `json:"task_type"`
	CognitiveLoad    string     `json:"cognitive_load"`
	EstimatedMinutes int        `json:"estimated_minutes"`
	FirstStep        string     `json:"first_step"`
	MicroSteps       []planStep `json:"micro_steps"`
}

const plannerPrompt = `You break tasks into tiny concrete steps for someone with ADHD.
Each step should take 2 to 15 minutes and start with a verb. The first step
must be small enough to start right now. Estimate the total minutes an
optimistic person would guess; it will be adjusted for reality separately.`

// fallbackPlan is used when the planner's output cannot be decoded.
func fallbackPlan() planOutput {
	return planOutput{
		TaskType:         TaskGeneral,
		CognitiveLoad:    "medium",
		EstimatedMinutes: 30,
		FirstStep:        "Open what you need and set a 2 minute timer",
		MicroSteps: []planStep{
			{"Open what you need and set a 2 minute timer", 2},
			{"Do the smallest visible piece of the task", 10},
			{"Keep going on the next piece", 10},
			{"Review what you did and note where to pick up", 8},
		},
	}
}

// planner decomposes the user's task into micro-steps and a realistic
// duration, and decides whether the plan needs approval.
func (s *stages) planner(ctx context.Context, st State) graph.NodeResult[Update] {
	description := strings.TrimSpace(st.UserInput)

	msgs := []model.Message{model.System(plannerPrompt)}
	if similar := s.similarTasks(ctx, st, description); similar != "" {
		msgs = append(msgs, model.System("Similar tasks this user has planned before:\n"+similar))
	}
	if st.Feedback != "" {
		msgs = append(msgs, model.System("The user rejected the previous plan: "+st.Feedback))
	}
	msgs = append(msgs, model.User(description))

	out, err := model.Generate[planOutput](ctx, s.gen, "plan", planSchema, msgs)
	if err != nil {
		if !s.fallback(StagePlanner, st, err) {
			return fail(StagePlanner, err)
		}
		out = fallbackPlan()
	}

	task := Task{
		ID:               recordID(st, "task", 0),
		Description:      description,
		Type:             out.TaskType,
		CognitiveLoad:    out.CognitiveLoad,
		FirstStep:        out.FirstStep,
		EstimatedMinutes: out.EstimatedMinutes,
		StartedAt:        st.TurnAt,
	}
	for _, ms := range out.MicroSteps {
		task.MicroSteps = append(task.MicroSteps, MicroStep{Step: strings.TrimSpace(ms.Step), Minutes: ms.Minutes})
	}
	if task.FirstStep == "" && len(task.MicroSteps) > 0 {
		task.FirstStep = task.MicroSteps[0].Step
	}
	task.RealisticMinutes = s.realisticMinutes(ctx, task)

	s.rememberTask(ctx, task)

	needs := s.cfg.Approval.NeedsApproval(len(task.MicroSteps), task.RealisticMinutes)
	return done(Update{
		Task:             &task,
		PlanOutput:       ptr(FormatPlan(task)),
		NeedsApproval:    ptr(needs),
		AwaitingApproval: ptr(false),
		Approval:         ptr(Approval("")),
	})
}

// realisticMinutes scales the estimate by this user's historical
// actual-to-estimated ratio for the task type.
func (s *stages) realisticMinutes(ctx context.Context, task Task) int {
	ratio, _ := s.calibration(ctx, task.Type)
	return int(math.Ceil(float64(task.EstimatedMinutes) * ratio))
}

func (s *stages) similarTasks(ctx context.Context, st State, text string) string {
	if s.memory == nil {
		return ""
	}
	matches, err := s.memory.Query(ctx, recall.CollectionTasks, text, s.cfg.Recall.TopK, nil)
	if err != nil {
		s.logger.Warn("task recall failed", zap.String("session_id", st.SessionID), zap.Error(err))
		return ""
	}
	lines := make([]string, 0, len(matches))
	for _, m := range matches {
		lines = append(lines, fmt.Sprintf("%s (type %s, estimated %s min)",
			m.Text, m.Metadata["task_type"], m.Metadata["estimated_minutes"]))
	}
	return bulletList(lines)
}

func (s *stages) rememberTask(ctx context.Context, task Task) {
	if s.memory == nil {
		return
	}
	err := s.memory.Upsert(ctx, recall.CollectionTasks, task.ID, task.Description, map[string]string{
		"task_type":         task.Type,
		"cognitive_load":    task.CognitiveLoad,
		"estimated_minutes": strconv.Itoa(task.EstimatedMinutes),
	})
	if err != nil {
		s.logger.Warn("task not stored for recall", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// FormatPlan renders a task plan for display and for the synthesizer.
func FormatPlan(t Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan for %q (%s", t.Description, t.Type)
	if t.CognitiveLoad != "" {
		fmt.Fprintf(&b, ", %s load", t.CognitiveLoad)
	}
	fmt.Fprintf(&b, "): you guessed %d min, plan for %d min.\n", t.EstimatedMinutes, t.RealisticMinutes)
	for i, ms := range t.MicroSteps {
		fmt.Fprintf(&b, "%d. %s (%d min)\n", i+1, ms.Step, ms.Minutes)
	}
	if t.FirstStep != "" {
		fmt.Fprintf(&b, "Start with: %s", t.FirstStep)
	}
	return strings.TrimRight(b.String(), "\n")
}

// approvalGate runs once a plan is cleared to proceed, either approved by
// the user or below the approval policy's bar.
func (s *stages) approvalGate(context.Context, State) graph.NodeResult[Update] {
	return done(Update{
		AwaitingApproval: ptr(false),
		Approval:         ptr(ApprovalGranted),
		Feedback:         ptr(""),
	})
}

var environmentSchema = model.MustCompileSchema("environment", `{
  "type": "object",
  "required": ["music_style", "timer_minutes"],
  "properties": {
    "music_style": {"type": "string", "minLength": 1},
    "timer_minutes": {"type": "integer", "minimum": 5, "maximum": 90},
    "break_activities": {"type": "array", "items": {"type": "string"}},
    "ambient": {"type": "array", "items": {"type": "string"}}
  }
}`)

// DefaultEnvironment is the focus setup for a task type when no better one
// is available.
func DefaultEnvironment(taskType string) Environment {
	switch taskType {
	case TaskCoding:
		return Environment{
			MusicStyle:      "kpop",
			TimerMinutes:    25,
			BreakActivities: []string{"walk around for 2 minutes", "refill water", "stretch your wrists"},
		}
	case TaskWriting:
		return Environment{
			MusicStyle:      "lo-fi",
			TimerMinutes:    45,
			BreakActivities: []string{"look out of a window", "make tea", "shoulder rolls"},
		}
	case TaskRevision:
		return Environment{
			MusicStyle:      "upbeat",
			TimerMinutes:    15,
			BreakActivities: []string{"quiz yourself out loud", "quick snack", "jumping jacks"},
		}
	default:
		return Environment{
			MusicStyle:      "lo-fi",
			TimerMinutes:    25,
			BreakActivities: []string{"stand up and stretch", "drink some water", "breathe slowly for a minute"},
		}
	}
}

// environmentBuilder chooses focus settings for the approved task.
func (s *stages) environmentBuilder(ctx context.Context, st State) graph.NodeResult[Update] {
	env := DefaultEnvironment(st.Task.Type)

	prompt := fmt.Sprintf("Design a focus setup for this %s task: %s\nCurrent energy %d/10, focus %s.",
		st.Task.Type, st.Task.Description, st.Cognitive.Energy, st.Cognitive.FocusLevel)
	if st.Preferences.MusicStyle != "" {
		prompt += "\nThe user prefers " + st.Preferences.MusicStyle + " music."
	}
	msgs := []model.Message{
		model.System("You set up distraction-free work sessions for people with ADHD."),
		model.User(prompt),
	}

	out, err := model.Generate[Environment](ctx, s.gen, "environment", environmentSchema, msgs)
	switch {
	case err == nil:
		env.MusicStyle = out.MusicStyle
		env.TimerMinutes = out.TimerMinutes
		if len(out.BreakActivities) > 0 {
			env.BreakActivities = out.BreakActivities
		}
		env.Ambient = out.Ambient
	case !s.fallback(StageEnvironmentBuilder, st, err):
		return fail(StageEnvironmentBuilder, err)
	}
	if st.Preferences.MusicStyle != "" {
		env.MusicStyle = st.Preferences.MusicStyle
	}

	text := fmt.Sprintf("Focus setup: %s music, %d minute timer. On breaks: %s.",
		env.MusicStyle, env.TimerMinutes, strings.Join(env.BreakActivities, ", "))
	return done(Update{
		Environment:       &env,
		EnvironmentOutput: &text,
	})
}
