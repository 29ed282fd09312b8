package costestimator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_NilTableUsesDefault(t *testing.T) {
	e := New(nil)
	_, ok := e.lookup("openai", "gpt-4o")
	assert.True(t, ok)
}

func TestEstimate_UnknownModelReturnsNotOK(t *testing.T) {
	e := New(DefaultTable())
	est, ok := e.Estimate("openai", "nonexistent-model", 1000, nil)
	assert.False(t, ok)
	assert.Nil(t, est)
}

func TestEstimate_UnknownProviderReturnsNotOK(t *testing.T) {
	e := New(DefaultTable())
	est, ok := e.Estimate("bogus-provider", "gpt-4o", 1000, nil)
	assert.False(t, ok)
	assert.Nil(t, est)
}

func TestEstimate_WithoutMaxTokensHalvesPromptForCompletion(t *testing.T) {
	e := New(DefaultTable())
	est, ok := e.Estimate("openai", "gpt-4o-mini", 4000, nil)
	require.True(t, ok)
	assert.Equal(t, 1000, est.PromptTokens)
	assert.Equal(t, 500, est.CompletionTokens)
	assert.Greater(t, est.CostUSD, 0.0)
}

func TestEstimate_WithMaxTokensUsesCeiling(t *testing.T) {
	e := New(DefaultTable())
	maxTokens := 2048
	est, ok := e.Estimate("openai", "gpt-4o-mini", 4000, &maxTokens)
	require.True(t, ok)
	assert.Equal(t, 1000, est.PromptTokens)
	assert.Equal(t, 2048, est.CompletionTokens)
}

func TestEstimate_ZeroMaxTokensFallsBackToHalving(t *testing.T) {
	e := New(DefaultTable())
	zero := 0
	est, ok := e.Estimate("openai", "gpt-4o-mini", 4000, &zero)
	require.True(t, ok)
	assert.Equal(t, 500, est.CompletionTokens)
}

func TestEstimate_CostMatchesPriceTable(t *testing.T) {
	e := New(Table{
		"p": {"m": {PromptPerMillion: 1_000_000, CompletionPerMillion: 2_000_000}},
	})
	maxTokens := 1
	est, ok := e.Estimate("p", "m", 4, &maxTokens)
	require.True(t, ok)
	assert.Equal(t, 1, est.PromptTokens)
	assert.Equal(t, 1, est.CompletionTokens)
	assert.InDelta(t, 3.0, est.CostUSD, 1e-9)
}

func TestRealized_UnknownModelReturnsNotOK(t *testing.T) {
	e := New(DefaultTable())
	cost, ok := e.Realized("openai", "nonexistent-model", 100, 100)
	assert.False(t, ok)
	assert.Equal(t, 0.0, cost)
}

func TestRealized_ComputesExactCost(t *testing.T) {
	e := New(Table{
		"p": {"m": {PromptPerMillion: 10, CompletionPerMillion: 30}},
	})
	cost, ok := e.Realized("p", "m", 1_000_000, 500_000)
	require.True(t, ok)
	assert.InDelta(t, 10+15, cost, 1e-9)
}

func TestDefaultTable_HasShippedAdapters(t *testing.T) {
	tbl := DefaultTable()
	for _, provider := range []string{"openai", "anthropic", "mistral"} {
		models, ok := tbl[provider]
		assert.True(t, ok, "default table missing provider %s", provider)
		assert.NotEmpty(t, models)
	}
}
