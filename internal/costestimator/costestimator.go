// Package costestimator implements the gateway's pre-flight cost estimate
// and post-flight realized cost calculation, per §4.8. The prompt-token
// heuristic is intentionally crude — total character count divided by
// four, no tokenizer, no CJK-awareness — because a pre-flight estimate only
// needs to be good enough to gate a budget, not exact.
package costestimator

// Price is the per-million-token rate for one model.
type Price struct {
	PromptPerMillion     float64
	CompletionPerMillion float64
}

// Table is a static provider -> model -> price lookup.
type Table map[string]map[string]Price

// DefaultTable seeds plausible per-provider pricing for the three adapters
// this gateway ships.
func DefaultTable() Table {
	return Table{
		"openai": {
			"gpt-4o":      {PromptPerMillion: 2.50, CompletionPerMillion: 10.00},
			"gpt-4o-mini": {PromptPerMillion: 0.15, CompletionPerMillion: 0.60},
		},
		"anthropic": {
			"claude-3-5-sonnet-latest": {PromptPerMillion: 3.00, CompletionPerMillion: 15.00},
			"claude-3-5-haiku-latest":  {PromptPerMillion: 0.80, CompletionPerMillion: 4.00},
		},
		"mistral": {
			"mistral-large-latest": {PromptPerMillion: 2.00, CompletionPerMillion: 6.00},
			"mistral-small-latest": {PromptPerMillion: 0.20, CompletionPerMillion: 0.60},
		},
	}
}

// Estimate is a pre-flight cost projection.
type Estimate struct {
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// Estimator computes cost estimates and realized costs against a price
// table.
type Estimator struct {
	table Table
}

// New builds an Estimator over table. A nil table uses DefaultTable.
func New(table Table) *Estimator {
	if table == nil {
		table = DefaultTable()
	}
	return &Estimator{table: table}
}

// Estimate computes a pre-flight cost estimate. ok is false when the model
// isn't in the price table, per §4.8 ("null if model not in table") — the
// caller treats that as "cost unknown" rather than a hard failure.
func (e *Estimator) Estimate(provider, model string, promptChars int, maxTokens *int) (*Estimate, bool) {
	price, ok := e.lookup(provider, model)
	if !ok {
		return nil, false
	}

	promptTokens := promptChars / 4
	var completionTokens int
	if maxTokens != nil && *maxTokens > 0 {
		completionTokens = *maxTokens
	} else {
		completionTokens = promptTokens / 2
	}

	cost := float64(promptTokens)/1_000_000*price.PromptPerMillion +
		float64(completionTokens)/1_000_000*price.CompletionPerMillion

	return &Estimate{PromptTokens: promptTokens, CompletionTokens: completionTokens, CostUSD: cost}, true
}

// Realized computes the actual cost from realized token counts.
func (e *Estimator) Realized(provider, model string, promptTokens, completionTokens int) (float64, bool) {
	price, ok := e.lookup(provider, model)
	if !ok {
		return 0, false
	}
	cost := float64(promptTokens)/1_000_000*price.PromptPerMillion +
		float64(completionTokens)/1_000_000*price.CompletionPerMillion
	return cost, true
}

func (e *Estimator) lookup(provider, model string) (Price, bool) {
	models, ok := e.table[provider]
	if !ok {
		return Price{}, false
	}
	price, ok := models[model]
	return price, ok
}
