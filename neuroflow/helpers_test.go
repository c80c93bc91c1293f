package neuroflow

import (
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dshills/neuroflow-go/config"
	"github.com/dshills/neuroflow-go/graph"
	"github.com/dshills/neuroflow-go/graph/emit"
	"github.com/dshills/neuroflow-go/graph/model"
	"github.com/dshills/neuroflow-go/graph/store"
	"github.com/dshills/neuroflow-go/journal"
)

var epoch = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: epoch} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func out(text string) model.ChatOut {
	return model.ChatOut{Text: text, Model: "mock-model", Usage: model.Usage{InputTokens: 10, OutputTokens: 5}}
}

func script(texts ...string) []model.ChatOut {
	outs := make([]model.ChatOut, len(texts))
	for i, t := range texts {
		outs[i] = out(t)
	}
	return outs
}

const (
	intentStuck     = `{"intent": "stuck", "confidence": 0.9, "urgency": "high", "emotional_state": "frustrated"}`
	intentStart     = `{"intent": "start_task", "confidence": 0.95, "urgency": "medium"}`
	intentChat      = `{"intent": "general_chat", "confidence": 0.8}`
	intentCheckIn   = `{"intent": "check_in", "confidence": 0.8}`
	intentTakeBreak = `{"intent": "take_break", "confidence": 0.9}`

	smallPlan = `{"task_type": "writing", "cognitive_load": "medium", "estimated_minutes": 20, "first_step": "Open the draft",
		"micro_steps": [{"step": "Open the draft", "minutes": 2}, {"step": "Write the intro", "minutes": 10}, {"step": "Outline section two", "minutes": 8}]}`
	bigPlan = `{"task_type": "coding", "cognitive_load": "high", "estimated_minutes": 120,
		"micro_steps": [{"step": "Read the failing test", "minutes": 10}, {"step": "Reproduce the bug", "minutes": 20}]}`

	environmentJSON = `{"music_style": "lo-fi", "timer_minutes": 25, "break_activities": ["stretch", "water"]}`
	timeJSON        = `{"tip": "Set a timer for the next ten minutes."}`

	goodReply   = "Let's make this tiny: open the file and write one messy line. That is the whole first step."
	noActionMsg = "You are doing well, keep your focus on the current task and be kind to yourself."
)

func pattern(label string, confidence float64) string {
	return `{"pattern": "` + label + `", "confidence": ` + strconv.FormatFloat(confidence, 'f', -1, 64) +
		`, "evidence": ["keeps postponing"], "intervention": {"strategy": "two minute start", "message": "Open it and do two minutes."}}`
}

// harness wires a flow and controller over in-memory collaborators.
type harness struct {
	cfg     *config.Config
	mock    *model.MockChatModel
	gen     *model.Generator
	store   *store.MemStore[State]
	emitter *emit.BufferedEmitter
	journal *journal.MemJournal
	clock   *testClock
	flow    *Flow
	ctrl    *Controller
}

type harnessOption func(*config.Config, *Deps)

func withConfig(fn func(*config.Config)) harnessOption {
	return func(cfg *config.Config, _ *Deps) { fn(cfg) }
}

func withScorer(s Scorer) harnessOption {
	return func(_ *config.Config, d *Deps) { d.Scorer = s }
}

func withMemory(m Memory) harnessOption {
	return func(_ *config.Config, d *Deps) { d.Memory = m }
}

// newHarness accepts require.TestingT so property checks can build one per
// iteration.
func newHarness(t require.TestingT, mock *model.MockChatModel, opts ...harnessOption) *harness {
	if h, ok := t.(interface{ Helper() }); ok {
		h.Helper()
	}

	h := &harness{
		cfg:     config.Default(),
		mock:    mock,
		store:   store.NewMemStore[State](),
		emitter: emit.NewBufferedEmitter(),
		journal: journal.NewMemJournal(),
		clock:   newTestClock(),
	}
	h.cfg.Economy.StartingBalance = 50
	h.gen = model.NewGenerator(mock, model.WithCostTracker(model.NewCostTracker()), model.WithProvider("mock"))

	deps := Deps{Generator: h.gen, Journal: h.journal}
	for _, opt := range opts {
		opt(h.cfg, &deps)
	}
	require.NoError(t, h.cfg.Validate())

	flow, err := Build(h.cfg, deps, h.store, h.emitter, graph.WithClock(h.clock.Now))
	require.NoError(t, err)
	h.flow = flow
	h.ctrl = NewController(flow, h.store, h.cfg, WithJournal(h.journal), WithClock(h.clock.Now))
	return h
}

// newTestStages builds the stage set directly for unit tests. A nil mock
// answers every call with an empty response.
func newTestStages(t testing.TB, mock *model.MockChatModel) *stages {
	t.Helper()
	if mock == nil {
		mock = &model.MockChatModel{}
	}
	gen := model.NewGenerator(mock, model.WithCostTracker(model.NewCostTracker()))
	s, err := newStages(config.Default(), Deps{Generator: gen})
	require.NoError(t, err)
	return s
}

// stuckModel scripts a stuck message whose pattern confidences come from
// confidences, one per detector pass.
func stuckModel(confidences ...float64) *model.MockChatModel {
	patterns := make([]string, len(confidences))
	for i, c := range confidences {
		patterns[i] = pattern(PatternAvoidance, c)
	}
	return &model.MockChatModel{ByPurpose: map[string][]model.ChatOut{
		"intent":    script(intentStuck),
		"pattern":   script(patterns...),
		"synthesis": script(goodReply),
	}}
}

func planModel(plans ...string) *model.MockChatModel {
	return &model.MockChatModel{ByPurpose: map[string][]model.ChatOut{
		"intent":      script(intentStart),
		"plan":        script(plans...),
		"environment": script(environmentJSON),
		"synthesis":   script(goodReply),
	}}
}

func callsWith(m *model.MockChatModel, purpose, fragment string) int {
	var n int
	for _, call := range m.Calls {
		if call.Options.Purpose != purpose {
			continue
		}
		for _, msg := range call.Messages {
			if strings.Contains(msg.Content, fragment) {
				n++
				break
			}
		}
	}
	return n
}
