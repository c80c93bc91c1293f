package model

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ModelPricing is the USD cost per million tokens for a model.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// Prices in USD per 1M tokens. Unknown models are recorded at zero cost.
var defaultModelPricing = map[string]ModelPricing{
	"gpt-4o":                   {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":              {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4.1":                  {InputPer1M: 2.00, OutputPer1M: 8.00},
	"gpt-4.1-mini":             {InputPer1M: 0.40, OutputPer1M: 1.60},
	"claude-sonnet-4-0":        {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-5-sonnet-latest": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-5-haiku-latest":  {InputPer1M: 0.80, OutputPer1M: 4.00},
	"gemini-1.5-flash":         {InputPer1M: 0.075, OutputPer1M: 0.30},
	"gemini-1.5-pro":           {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-2.0-flash":         {InputPer1M: 0.10, OutputPer1M: 0.40},
}

// Call is one recorded generation.
type Call struct {
	Model        string
	Purpose      string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Timestamp    time.Time
}

// CostTracker accumulates token usage and cost across generations,
// attributed to model and purpose. Safe for concurrent use.
//
//	tracker := model.NewCostTracker()
//	gen := model.NewGenerator(chat, model.WithCostTracker(tracker))
//	...
//	fmt.Println(tracker)
type CostTracker struct {
	mu sync.RWMutex

	pricing      map[string]ModelPricing
	calls        []Call
	total        float64
	byModel      map[string]float64
	byPurpose    map[string]float64
	inputTokens  int64
	outputTokens int64
	enabled      bool
	now          func() time.Time
}

// NewCostTracker creates a tracker with the default pricing table.
func NewCostTracker() *CostTracker {
	pricing := make(map[string]ModelPricing, len(defaultModelPricing))
	for k, v := range defaultModelPricing {
		pricing[k] = v
	}
	return &CostTracker{
		pricing:   pricing,
		byModel:   make(map[string]float64),
		byPurpose: make(map[string]float64),
		enabled:   true,
		now:       time.Now,
	}
}

// Record adds one call and returns its cost.
func (ct *CostTracker) Record(model, purpose string, usage Usage) float64 {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if !ct.enabled {
		return 0
	}

	p := ct.pricing[model]
	cost := float64(usage.InputTokens)/1_000_000*p.InputPer1M +
		float64(usage.OutputTokens)/1_000_000*p.OutputPer1M

	ct.calls = append(ct.calls, Call{
		Model:        model,
		Purpose:      purpose,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD:      cost,
		Timestamp:    ct.now(),
	})
	ct.total += cost
	ct.byModel[model] += cost
	ct.byPurpose[purpose] += cost
	ct.inputTokens += int64(usage.InputTokens)
	ct.outputTokens += int64(usage.OutputTokens)
	return cost
}

// TotalCost returns the cumulative cost in USD.
func (ct *CostTracker) TotalCost() float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.total
}

// CostByModel returns a copy of the per-model breakdown.
func (ct *CostTracker) CostByModel() map[string]float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return copyCosts(ct.byModel)
}

// CostByPurpose returns a copy of the per-purpose breakdown.
func (ct *CostTracker) CostByPurpose() map[string]float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return copyCosts(ct.byPurpose)
}

// Calls returns a copy of the recorded calls in order.
func (ct *CostTracker) Calls() []Call {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	out := make([]Call, len(ct.calls))
	copy(out, ct.calls)
	return out
}

// TokenUsage returns total input and output tokens.
func (ct *CostTracker) TokenUsage() (input, output int64) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.inputTokens, ct.outputTokens
}

// SetPricing overrides the price of a model.
func (ct *CostTracker) SetPricing(model string, inputPer1M, outputPer1M float64) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.pricing[model] = ModelPricing{InputPer1M: inputPer1M, OutputPer1M: outputPer1M}
}

// Disable stops recording until Enable is called.
func (ct *CostTracker) Disable() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.enabled = false
}

// Enable resumes recording.
func (ct *CostTracker) Enable() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.enabled = true
}

// Reset clears recorded calls and totals. Pricing is kept.
func (ct *CostTracker) Reset() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.calls = nil
	ct.total = 0
	ct.byModel = make(map[string]float64)
	ct.byPurpose = make(map[string]float64)
	ct.inputTokens, ct.outputTokens = 0, 0
}

// String summarizes the tracker, listing purposes in name order.
func (ct *CostTracker) String() string {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	purposes := make([]string, 0, len(ct.byPurpose))
	for p := range ct.byPurpose {
		purposes = append(purposes, p)
	}
	sort.Strings(purposes)

	s := fmt.Sprintf("calls=%d cost=$%.4f in=%d out=%d", len(ct.calls), ct.total, ct.inputTokens, ct.outputTokens)
	for _, p := range purposes {
		s += fmt.Sprintf(" %s=$%.4f", p, ct.byPurpose[p])
	}
	return s
}

func copyCosts(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
