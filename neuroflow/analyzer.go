package neuroflow

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dshills/neuroflow-go/graph"
)

// Crash-risk factor names and weights. The weights sum to 1.
const (
	FactorTypingSpeed     = "typing_speed_decline"
	FactorMessageLength   = "message_length_trend"
	FactorResponseTime    = "response_time_trend"
	FactorBreakOverdue    = "break_overdue"
	FactorTopicDrift      = "topic_drift"
	FactorSessionDuration = "session_duration"
)

// factorWeights is ordered so the weighted sum is reproducible.
var factorWeights = []struct {
	name   string
	weight float64
}{
	{FactorTypingSpeed, 0.25},
	{FactorMessageLength, 0.20},
	{FactorResponseTime, 0.20},
	{FactorBreakOverdue, 0.15},
	{FactorTopicDrift, 0.10},
	{FactorSessionDuration, 0.10},
}

// Trends.
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

const (
	signalHistory = 20
	smoothing     = 0.3
	breakAfter    = 45.0
	longSession   = 90.0
)

// RecordSignals appends this turn's measurements to sig. typing is how long
// the user spent composing input; zero means unknown.
func RecordSignals(sig Signals, input string, typing time.Duration, at time.Time) Signals {
	out := Signals{
		TypingBaseline: sig.TypingBaseline,
		LastTurnAt:     at,
		LastBreakAt:    sig.LastBreakAt,
		TypingSpeeds:   append([]float64(nil), sig.TypingSpeeds...),
		MessageLengths: append([]int(nil), sig.MessageLengths...),
		ResponseTimes:  append([]float64(nil), sig.ResponseTimes...),
	}

	chars := utf8.RuneCountInString(strings.TrimSpace(input))
	out.MessageLengths = keepLast(append(out.MessageLengths, chars), signalHistory)

	if typing > 0 && chars > 0 {
		out.TypingSpeeds = keepLast(append(out.TypingSpeeds, float64(chars)/typing.Seconds()), signalHistory)
		if out.TypingBaseline == 0 && len(out.TypingSpeeds) >= 3 {
			out.TypingBaseline = mean(out.TypingSpeeds[:3])
		}
	}
	if !sig.LastTurnAt.IsZero() && at.After(sig.LastTurnAt) {
		out.ResponseTimes = keepLast(append(out.ResponseTimes, at.Sub(sig.LastTurnAt).Seconds()), signalHistory)
	}
	return out
}

// CrashRisk scores the likelihood of a focus crash from the signals. It
// returns the weighted total in [0, 1] and each factor's unweighted score.
func CrashRisk(sig Signals, sessionMinutes, minutesSinceBreak float64) (float64, map[string]float64) {
	factors := map[string]float64{
		FactorTypingSpeed:     typingDecline(sig),
		FactorMessageLength:   lengthDecline(sig.MessageLengths),
		FactorResponseTime:    responseSlowdown(sig.ResponseTimes),
		FactorBreakOverdue:    breakOverdue(minutesSinceBreak),
		FactorTopicDrift:      topicDrift(sig.MessageLengths),
		FactorSessionDuration: 1 / (1 + math.Exp(-(sessionMinutes-longSession)/20)),
	}
	var total float64
	for _, f := range factorWeights {
		total += f.weight * factors[f.name]
	}
	return clamp(total, 0, 1), factors
}

func typingDecline(sig Signals) float64 {
	if sig.TypingBaseline <= 0 || len(sig.TypingSpeeds) == 0 {
		return 0
	}
	current := sig.TypingSpeeds[len(sig.TypingSpeeds)-1]
	return clamp(1-current/sig.TypingBaseline, 0, 1)
}

// lengthDecline compares the smoothed recent message length with the plain
// average; shrinking messages are an early fatigue sign.
func lengthDecline(lengths []int) float64 {
	recent := floats(keepLast(lengths, 5))
	if len(recent) < 3 {
		return 0
	}
	avg := mean(recent)
	if avg == 0 {
		return 0
	}
	return clamp((avg-ema(recent, smoothing))/avg*2, 0, 1)
}

func responseSlowdown(times []float64) float64 {
	window := keepLast(times, 8)
	if len(window) < 3 {
		return 0
	}
	early := mean(window[:3])
	if early == 0 {
		return 0
	}
	recent := ema(keepLast(window, 3), smoothing)
	return clamp((recent-early)/early, 0, 1)
}

func breakOverdue(minutes float64) float64 {
	if minutes < breakAfter {
		return 0
	}
	return clamp((minutes-breakAfter)/breakAfter, 0, 1)
}

func topicDrift(lengths []int) float64 {
	recent := floats(keepLast(lengths, 4))
	if len(recent) < 2 {
		return 0
	}
	return clamp(variance(recent)/5000, 0, 1)
}

// DetectTrend classifies a series by its average step.
func DetectTrend(values []float64) string {
	if len(values) < 2 {
		return TrendStable
	}
	var diff float64
	for i := 1; i < len(values); i++ {
		diff += values[i] - values[i-1]
	}
	switch avg := diff / float64(len(values)-1); {
	case avg > 0.1:
		return TrendIncreasing
	case avg < -0.1:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// FocusLevel derives the focus label from the crash score, the drift factor
// and the message-length trend.
func FocusLevel(risk, drift float64, lengths []int) string {
	recent := floats(keepLast(lengths, 5))
	trend := DetectTrend(recent)
	switch {
	case drift < 0.1 && risk < 0.3 && trend != TrendDecreasing && len(lengths) > 5:
		return FocusHyperfocus
	case risk < 0.25 && mean(recent) > 40:
		return FocusHigh
	case risk > 0.5 || trend == TrendDecreasing:
		return FocusLow
	default:
		return FocusMedium
	}
}

// Energy lowers the previous energy level under crash risk.
func Energy(prev int, risk float64) int {
	switch {
	case risk > 0.6:
		return max(1, prev-2)
	case risk > 0.3:
		return max(2, prev-1)
	default:
		return prev
	}
}

// analyzer estimates the user's cognitive state from the interaction
// signals. It is deterministic and calls no collaborator.
func (s *stages) analyzer(_ context.Context, st State) graph.NodeResult[Update] {
	risk, factors := turnCrashRisk(st)

	cog := st.Cognitive
	cog.CrashRisk = risk
	cog.Factors = factors
	cog.FocusLevel = FocusLevel(risk, factors[FactorTopicDrift], st.Signals.MessageLengths)
	cog.Energy = Energy(cog.Energy, risk)
	cog.CrashMinutes = max(5, int(60*(1-risk)))
	cog.Overwhelm = int(math.Round(risk * 10))

	text := fmt.Sprintf("Focus %s, energy %d/10, crash risk %.0f%% (about %d min of good focus left).",
		cog.FocusLevel, cog.Energy, risk*100, cog.CrashMinutes)
	switch {
	case risk >= 0.7:
		text += " You are close to overload: stop at the next natural point and take a real break."
	case risk >= 0.45:
		text += " Energy is dipping, so a short stretch or some water would help."
	}

	return done(Update{
		Cognitive:      &cog,
		AnalysisOutput: &text,
	})
}

// turnCrashRisk scores the crash risk as of st.TurnAt. A break recorded at
// TurnAt is the one being requested this turn, so it does not reset the
// break timer yet.
func turnCrashRisk(st State) (float64, map[string]float64) {
	sessionMinutes := minutesBetween(st.StartedAt, st.TurnAt)
	sinceBreak := sessionMinutes
	if last := st.Signals.LastBreakAt; !last.IsZero() && last.Before(st.TurnAt) {
		sinceBreak = minutesBetween(last, st.TurnAt)
	}
	return CrashRisk(st.Signals, sessionMinutes, sinceBreak)
}

func minutesBetween(from, to time.Time) float64 {
	if from.IsZero() || !to.After(from) {
		return 0
	}
	return to.Sub(from).Minutes()
}

func ema(values []float64, alpha float64) float64 {
	if len(values) == 0 {
		return 0
	}
	out := values[0]
	for _, v := range values[1:] {
		out = alpha*v + (1-alpha)*out
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func variance(values []float64) float64 {
	m := mean(values)
	var sum float64
	for _, v := range values {
		sum += (v - m) * (v - m)
	}
	return sum / float64(len(values))
}

func floats(ints []int) []float64 {
	out := make([]float64, len(ints))
	for i, v := range ints {
		out[i] = float64(v)
	}
	return out
}

func keepLast[T any](values []T, n int) []T {
	if len(values) > n {
		return values[len(values)-n:]
	}
	return values
}
