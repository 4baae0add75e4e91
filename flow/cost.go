package flow

import "sync"

// ModelPricing holds input and output token costs in USD per 1M tokens.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// Static pricing for major LLM providers. Prices change; override per
// model with CostTracker.SetPricing.
var defaultModelPricing = map[string]ModelPricing{
	// OpenAI
	"gpt-4o":        {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":   {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":   {InputPer1M: 10.00, OutputPer1M: 30.00},
	"gpt-3.5-turbo": {InputPer1M: 0.50, OutputPer1M: 1.50},

	// Anthropic
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-5-haiku-20241022":  {InputPer1M: 0.80, OutputPer1M: 4.00},
	"claude-3-opus-20240229":     {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},

	// Google
	"gemini-1.5-pro":   {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash": {InputPer1M: 0.075, OutputPer1M: 0.30},
}

// CostTracker converts token usage into USD using a per-model pricing
// table. Agents that report raw usage without a cost use it to fill the
// _cost accounting key.
type CostTracker struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing
}

// NewCostTracker creates a tracker seeded with the default pricing
// table.
func NewCostTracker() *CostTracker {
	pricing := make(map[string]ModelPricing, len(defaultModelPricing))
	for model, p := range defaultModelPricing {
		pricing[model] = p
	}
	return &CostTracker{pricing: pricing}
}

// SetPricing adds or overrides pricing for a model.
func (t *CostTracker) SetPricing(model string, pricing ModelPricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pricing[model] = pricing
}

// Pricing returns the pricing for model.
func (t *CostTracker) Pricing(model string) (ModelPricing, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.pricing[model]
	return p, ok
}

// Cost computes the USD cost of an invocation. Unknown models cost
// zero.
func (t *CostTracker) Cost(model string, inputTokens, outputTokens int64) float64 {
	p, ok := t.Pricing(model)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*p.InputPer1M + float64(outputTokens)/1e6*p.OutputPer1M
}
