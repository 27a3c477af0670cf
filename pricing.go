package keypool

// ModelPrice represents the pricing for a specific model.
type ModelPrice struct {
	PromptTokCost     float64 // Cost per 1000 input tokens
	CompletionTokCost float64 // Cost per 1000 output tokens
}

// DefaultModelPricing returns current input/output token costs (USD per 1 K tokens).
func DefaultModelPricing() map[string]ModelPrice {
	return map[string]ModelPrice{
		"gemini-2.5-pro":        {PromptTokCost: 0.00125, CompletionTokCost: 0.0100},   // $1.25 / M in, $10 / M out
		"gemini-2.5-flash":      {PromptTokCost: 0.00030, CompletionTokCost: 0.0025},   // $0.30 / M in, $2.50 / M out
		"gemini-2.5-flash-lite": {PromptTokCost: 0.00010, CompletionTokCost: 0.0004},   // $0.10 / M in, $0.40 / M out
		"gemini-2.0-flash":      {PromptTokCost: 0.00015, CompletionTokCost: 0.0006},   // $0.15 / M in, $0.60 / M out
		"gemini-1.5-pro":        {PromptTokCost: 0.00125, CompletionTokCost: 0.0050},   // $1.25 / M in,  $5 / M out
		"gemini-1.5-flash":      {PromptTokCost: 0.000075, CompletionTokCost: 0.00030}, // $0.075 / M in, $0.30 / M out
	}
}

// EstimateCost returns the USD cost of every call recorded in trail.
func EstimateCost(trail *AuditTrail, price ModelPrice) float64 {
	if trail == nil {
		return 0
	}
	in := float64(trail.TotalInputTokens) * price.PromptTokCost / 1000.0
	out := float64(trail.TotalOutputTokens) * price.CompletionTokCost / 1000.0
	return in + out
}

// CostFor looks model up in pricing; ok is false for unknown models.
func CostFor(trail *AuditTrail, model string, pricing map[string]ModelPrice) (cost float64, ok bool) {
	price, ok := pricing[model]
	if !ok {
		return 0, false
	}
	return EstimateCost(trail, price), true
}
