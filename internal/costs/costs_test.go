package costs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gptme/gptme/pkg/models"
)

func TestRecordAndTotal(t *testing.T) {
	s := NewSessionCosts()
	s.Record(&models.Usage{Model: "anthropic/claude-sonnet-4-20250514", InputTokens: 100, OutputTokens: 50, Cost: 0.03})
	s.Record(&models.Usage{Model: "anthropic/claude-sonnet-4-20250514", InputTokens: 200, OutputTokens: 80, Cost: 0.05})

	assert.InDelta(t, 0.08, s.Total(), 1e-9)
	assert.Len(t, s.Entries(), 2)
}

func TestCacheHitRate(t *testing.T) {
	s := NewSessionCosts()
	// 1000 cache reads against 1000 uncached input: 50% hit rate.
	s.Record(&models.Usage{InputTokens: 1000, CacheReadTokens: 1000})

	sum := s.Summarize()
	assert.InDelta(t, 0.5, sum.CacheHitRate, 1e-9)

	// Cache creation counts in the denominator too.
	s.Record(&models.Usage{CacheCreationTokens: 2000})
	sum = s.Summarize()
	assert.InDelta(t, 0.25, sum.CacheHitRate, 1e-9)
}

func TestThresholdWarningsStaged(t *testing.T) {
	s := NewSessionCosts()
	s.Record(&models.Usage{Cost: 0.05})
	assert.Empty(t, s.TakePendingWarnings())

	// Crosses 0.10 and 0.50 in one request: both staged.
	s.Record(&models.Usage{Cost: 0.60})
	warnings := s.TakePendingWarnings()
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[0], "$0.10")
	assert.Contains(t, warnings[1], "$0.50")

	// Drained; same thresholds never fire twice.
	assert.Empty(t, s.TakePendingWarnings())
	s.Record(&models.Usage{Cost: 0.01})
	assert.Empty(t, s.TakePendingWarnings())
}

func TestTokenBudgetIncremental(t *testing.T) {
	tb, err := NewTokenBudget("gpt-4o", 1000)
	require.NoError(t, err)

	msgs := []models.Message{
		models.NewSystemMessage("You are gptme."),
		models.NewUserMessage("hello there"),
	}
	first := tb.Advance(msgs)
	assert.Greater(t, first, 0)

	// Re-advancing the same slice counts nothing new.
	assert.Equal(t, first, tb.Advance(msgs))

	msgs = append(msgs, models.NewMessage(models.RoleAssistant, "hi, how can I help?"))
	second := tb.Advance(msgs)
	assert.Greater(t, second, first)

	warning := tb.UsageWarning()
	assert.Contains(t, warning, "<system_warning>Token usage:")
	assert.Contains(t, tb.BudgetMessage(), "<budget:token_budget>1000</budget:token_budget>")
}

func TestTokenBudgetUnknownModelFallsBack(t *testing.T) {
	tb, err := NewTokenBudget("totally-unknown-model", 0)
	require.NoError(t, err)
	assert.Empty(t, tb.UsageWarning())
	assert.Greater(t, tb.Advance([]models.Message{models.NewUserMessage("x")}), 0)
}
