package dazee

// ModelPricing holds per-million-token pricing for a model.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultPricing contains sensible defaults for common models.
// Users can override or extend via [cost.pricing] in dazee.toml.
var DefaultPricing = map[string]ModelPricing{
	// Gemini
	"gemini-2.0-flash":      {0.10, 0.40},
	"gemini-2.5-flash":      {0.15, 0.60},
	"gemini-2.5-flash-lite": {0.0, 0.0},
	"gemini-2.5-pro":        {1.25, 10.00},

	// OpenAI
	"gpt-4o":       {2.50, 10.00},
	"gpt-4o-mini":  {0.15, 0.60},
	"gpt-4.1":      {2.00, 8.00},
	"gpt-4.1-mini": {0.40, 1.60},
	"o3-mini":      {1.10, 4.40},

	// Anthropic
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-haiku-3-5":  {0.80, 4.00},
	"claude-opus-4":     {15.00, 75.00},
}

// PricingTable computes USD cost from token counts. The terminator's cost
// ladder consults it each turn; unknown models report ok=false and the ladder
// is skipped for them.
type PricingTable struct {
	models map[string]ModelPricing
}

// NewPricingTable creates a table with default pricing, optionally merged
// with overrides.
func NewPricingTable(overrides map[string]ModelPricing) *PricingTable {
	merged := make(map[string]ModelPricing, len(DefaultPricing)+len(overrides))
	for k, v := range DefaultPricing {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return &PricingTable{models: merged}
}

// Known reports whether the model has a registered price.
func (t *PricingTable) Known(model string) bool {
	if t == nil {
		return false
	}
	_, ok := t.models[model]
	return ok
}

// Cost returns the USD cost of the given usage under the model's pricing.
// ok is false for unknown models (cost 0).
func (t *PricingTable) Cost(model string, u Usage) (usd float64, ok bool) {
	if t == nil {
		return 0, false
	}
	p, found := t.models[model]
	if !found {
		return 0, false
	}
	return float64(u.InputTokens)/1_000_000*p.InputPerMillion +
		float64(u.OutputTokens)/1_000_000*p.OutputPerMillion, true
}
