package neuroflow

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/neuroflow-go/graph"
	"github.com/dshills/neuroflow-go/graph/model"
)

// overrunFactor is how far past its realistic estimate a task may run
// before the check-in calls it out.
const overrunFactor = 1.3

var minutesPattern = regexp.MustCompile(`\b(\d{1,3})\b`)

// EstimateFromText extracts the first plausible minute count (1 to 480)
// from a message, or 0.
func EstimateFromText(text string) int {
	for _, m := range minutesPattern.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err == nil && n >= 1 && n <= 480 {
			return n
		}
	}
	return 0
}

// EnergyPhase is the typical focus capacity at a time of day. Modifier is
// the share of peak capacity; estimates are stretched by 1/Modifier.
type EnergyPhase struct {
	Name     string
	Modifier float64
	Tip      string
}

// EnergyPhaseAt maps the hour of t onto the daily energy curve.
func EnergyPhaseAt(t time.Time) EnergyPhase {
	switch h := t.Hour(); {
	case h >= 6 && h < 9:
		return EnergyPhase{"morning ramp-up", 0.8, "Ease in with a medium task."}
	case h >= 9 && h < 12:
		return EnergyPhase{"peak focus", 1.0, "This is the window for the hardest task."}
	case h >= 12 && h < 14:
		return EnergyPhase{"post-lunch dip", 0.6, "Pick easy or mechanical work, or take a short walk."}
	case h >= 14 && h < 17:
		return EnergyPhase{"afternoon recovery", 0.75, "Good for collaborative or creative work."}
	case h >= 17 && h < 21:
		return EnergyPhase{"evening", 0.7, "Keep tasks simple and time-boxed."}
	default:
		return EnergyPhase{"late night", 0.5, "Avoid anything that needs precision."}
	}
}

var timeSchema = model.MustCompileSchema("time", `{
  "type": "object",
  "required": ["tip"],
  "properties": {
    "tip": {"type": "string", "minLength": 1}
  }
}`)

type timeOutput struct {
	Tip string `json:"tip"`
}

// timeReality reports elapsed time against the realistic estimate, using
// this user's history of estimates versus actual durations.
func (s *stages) timeReality(ctx context.Context, st State) graph.NodeResult[Update] {
	report := s.timeReport(ctx, st)

	msgs := []model.Message{
		model.System("You help people with ADHD notice time passing without judgement. Give one short practical tip."),
		model.User(report + "\n\nUser said: " + st.UserInput),
	}
	out, err := model.Generate[timeOutput](ctx, s.gen, "time", timeSchema, msgs)
	switch {
	case err == nil:
		report += "\n" + strings.TrimSpace(out.Tip)
	case !s.fallback(StageTimeReality, st, err):
		return fail(StageTimeReality, err)
	}

	u := Update{TimeOutput: &report}
	if st.BreakRequested {
		sig := st.Signals
		sig.LastBreakAt = st.TurnAt
		u.Signals = &sig
	}
	return done(u)
}

func (s *stages) timeReport(ctx context.Context, st State) string {
	var lines []string

	if st.Task.Active() {
		elapsed := int(minutesBetween(st.Task.StartedAt, st.TurnAt))
		line := fmt.Sprintf("%d min on %q so far, planned %d min.", elapsed, st.Task.Description, st.Task.RealisticMinutes)
		if st.Task.RealisticMinutes > 0 && float64(elapsed) > float64(st.Task.RealisticMinutes)*overrunFactor {
			line += " This is running well over; decide whether to wrap up or re-plan."
		}
		lines = append(lines, line)
	} else if est := EstimateFromText(st.UserInput); est > 0 {
		ratio, n := s.calibration(ctx, "")
		realistic := int(math.Ceil(float64(est) * ratio / EnergyPhaseAt(st.TurnAt).Modifier))
		if n > 0 {
			lines = append(lines, fmt.Sprintf("You said %d min. Your past tasks took %.1fx your guesses, so plan for %d min.", est, ratio, realistic))
		} else {
			lines = append(lines, fmt.Sprintf("You said %d min. Plan for about %d min to leave room for the unexpected.", est, realistic))
		}
	} else {
		lines = append(lines, fmt.Sprintf("%d min into this session.", int(minutesBetween(st.StartedAt, st.TurnAt))))
	}

	if phase := EnergyPhaseAt(st.TurnAt); phase.Modifier < 1 {
		lines = append(lines, fmt.Sprintf("It's the %s, about %.0f%% of peak focus. %s", phase.Name, phase.Modifier*100, phase.Tip))
	}

	if st.BreakRequested {
		env := st.Environment
		if len(env.BreakActivities) == 0 {
			env = DefaultEnvironment(st.Task.Type)
		}
		lines = append(lines, "Break time. Try: "+strings.Join(env.BreakActivities, ", ")+".")
	}
	return strings.Join(lines, "\n")
}

// calibration returns the historical actual-to-estimated ratio for a task
// type and its sample count. A type with no history uses the ratio across
// all types; no history at all falls back to RealityMultiplier.
func (s *stages) calibration(ctx context.Context, taskType string) (float64, int) {
	if s.journal == nil {
		return RealityMultiplier, 0
	}
	ratio, n, err := s.journal.AverageDurationRatio(ctx, taskType)
	if err == nil && n == 0 && taskType != "" {
		ratio, n, err = s.journal.AverageDurationRatio(ctx, "")
	}
	if err != nil {
		s.logger.Warn("duration calibration unavailable", zap.String("task_type", taskType), zap.Error(err))
		return RealityMultiplier, 0
	}
	if n == 0 || ratio <= 0 {
		return RealityMultiplier, 0
	}
	return ratio, n
}
