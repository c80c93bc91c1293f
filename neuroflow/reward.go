package neuroflow

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/dshills/neuroflow-go/config"
	"github.com/dshills/neuroflow-go/graph"
)

const (
	// breakRiskFloor is the crash risk above which a requested break counts
	// as taken before a crash.
	breakRiskFloor = 0.3
	lowEnergy      = 5
	scheduleLength = 3
)

// reward books this turn's motivation transactions and forecasts the rest
// of the day.
func (s *stages) reward(_ context.Context, st State) graph.NodeResult[Update] {
	points := s.cfg.Economy.Points
	econ := st.Economy
	txs := append([]Transaction(nil), st.Economy.Transactions...)

	var booked []Transaction
	book := func(event string, multiplier float64, description string) {
		n := int(math.Round(float64(points[event]) * multiplier))
		if n == 0 {
			return
		}
		booked = append(booked, Transaction{Event: event, Points: n, At: st.TurnAt, Description: description})
	}

	if st.Intent == IntentStartTask && st.Task.Active() && st.Task.StartedAt.Equal(st.TurnAt) {
		m := 1.0
		if st.Cognitive.Energy < lowEnergy {
			m = 1.5
		}
		book(config.EventTaskStarted, m, "started "+st.Task.Description)
	}
	if st.InterruptOutput != "" {
		book(config.EventPatternInterrupted, 1, "noticed "+st.Pattern.Label)
	}
	if st.Intent == IntentCheckIn {
		if st.BreakRequested {
			// The analyzer does not run on this path, so the stored risk may
			// be from an earlier turn.
			if risk, _ := turnCrashRisk(st); risk >= breakRiskFloor {
				book(config.EventBreakBeforeCrash, 1, "break before a crash")
			}
		} else {
			book(config.EventSmallMilestone, 1, "checked in")
		}
	}

	for _, tx := range booked {
		econ.Balance = min(100, max(0, econ.Balance+tx.Points))
	}
	txs = append(txs, booked...)
	if limit := s.cfg.Economy.HistoryLimit; limit > 0 {
		txs = keepLast(txs, limit)
	}
	econ.Transactions = txs
	econ.Forecast = Forecast(econ.Balance)
	econ.RewardSchedule = RewardSchedule(st.SessionID, st.InteractionCount, scheduleLength)

	var b strings.Builder
	for _, tx := range booked {
		fmt.Fprintf(&b, "+%d for %s. ", tx.Points, tx.Description)
	}
	fmt.Fprintf(&b, "Motivation %d/100. %s Next surprise reward in about %d min.",
		econ.Balance, econ.Forecast, econ.RewardSchedule[0])
	text := b.String()

	return done(Update{Economy: &econ, RewardOutput: &text})
}

// Forecast describes what a motivation balance is good for.
func Forecast(balance int) string {
	switch {
	case balance < 30:
		return "Reserves are low: pick the easiest possible win or rest."
	case balance < 50:
		return "Enough for short, familiar tasks."
	case balance < 70:
		return "Good for a focused session on something moderately hard."
	default:
		return "Plenty in the tank for the hard task you have been avoiding."
	}
}

// RewardSchedule returns n variable gaps, in minutes, before the next
// surprise rewards. The sequence is reproducible for a session and turn.
func RewardSchedule(sessionID string, turn, n int) []int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(sessionID))
	r := rand.New(rand.NewPCG(h.Sum64(), uint64(turn)))

	out := make([]int, n)
	for i := range out {
		out[i] = 5 + r.IntN(26)
	}
	return out
}
