package cost

import (
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	"fathom/internal/core"
)

// ModelPricing holds per-model pricing in USD per 1M tokens.
type ModelPricing struct {
	Model                 string
	InputCostPer1MTokens  float64
	OutputCostPer1MTokens float64
}

// PricingTable contains current Gemini pricing as of 2025.
var PricingTable = map[string]ModelPricing{
	"gemini-flash-lite-latest": {
		Model:                 "gemini-flash-lite-latest",
		InputCostPer1MTokens:  0.10,
		OutputCostPer1MTokens: 0.40,
	},
	"gemini-2.5-flash": {
		Model:                 "gemini-2.5-flash",
		InputCostPer1MTokens:  0.30,
		OutputCostPer1MTokens: 2.50,
	},
	"gemini-2.5-pro": {
		Model:                 "gemini-2.5-pro",
		InputCostPer1MTokens:  1.25,
		OutputCostPer1MTokens: 10.00,
	},
	"gemini-1.5-flash": {
		Model:                 "gemini-1.5-flash",
		InputCostPer1MTokens:  0.075,
		OutputCostPer1MTokens: 0.30,
	},
}

// defaultPricing is used for models absent from the table.
var defaultPricing = ModelPricing{
	Model:                 "unknown",
	InputCostPer1MTokens:  0.30,
	OutputCostPer1MTokens: 2.50,
}

// PricingFor looks up pricing for a model, falling back to a conservative
// default for unknown model names.
func PricingFor(model string) ModelPricing {
	if p, ok := PricingTable[model]; ok {
		return p
	}
	return defaultPricing
}

// EstimateTokenCount provides a rough token estimate for text.
// Roughly 1 token per 3.5 characters for English prose.
func EstimateTokenCount(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	text = strings.ReplaceAll(text, "\n", " ")
	charCount := utf8.RuneCountInString(text)
	return int(math.Ceil(float64(charCount) / 3.5))
}

// CostOf prices a usage record against a model.
func CostOf(model string, usage core.TokenUsage) float64 {
	p := PricingFor(model)
	input := float64(usage.InputTokens) / 1_000_000 * p.InputCostPer1MTokens
	output := float64(usage.OutputTokens) / 1_000_000 * p.OutputCostPer1MTokens
	return input + output
}

// Tracker accumulates token usage and dollar cost across a research session.
// Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	usage   core.TokenUsage
	costUSD float64
	byModel map[string]core.TokenUsage
}

// NewTracker creates an empty cost tracker.
func NewTracker() *Tracker {
	return &Tracker{byModel: make(map[string]core.TokenUsage)}
}

// Record adds one call's usage under the given model.
func (t *Tracker) Record(model string, usage core.TokenUsage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.usage.Add(usage)
	t.costUSD += CostOf(model, usage)

	m := t.byModel[model]
	m.Add(usage)
	t.byModel[model] = m
}

// Usage returns the accumulated token counts.
func (t *Tracker) Usage() core.TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

// CostUSD returns the accumulated dollar cost.
func (t *Tracker) CostUSD() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.costUSD
}

// ByModel returns a copy of the per-model usage breakdown.
func (t *Tracker) ByModel() map[string]core.TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]core.TokenUsage, len(t.byModel))
	for model, usage := range t.byModel {
		out[model] = usage
	}
	return out
}

// Exceeds reports whether the accumulated cost has crossed budget.
// A budget of zero or less means unlimited.
func (t *Tracker) Exceeds(budget float64) bool {
	if budget <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.costUSD >= budget
}
