package balance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/halvorsen/tokenbroker/internal/model"
	"github.com/halvorsen/tokenbroker/internal/pricing"
)

// ToolCost records the cost attributed to a single tool invocation within a turn.
type ToolCost struct {
	ToolName string
	CostUSD  float64
}

// TokenSummary is a human-readable accounting of token usage for a turn.
type TokenSummary struct {
	InputTokens      int
	OutputTokens     int
	ThinkingTokens   int
	CacheReadTokens  int
	CacheWriteTokens int
}

// CostTracker accumulates usage and tool costs across a turn's iterations and
// charges the user exactly once at the end. Grounded directly on
// original_source/bot/core/cost_tracker.py's CostTracker.
type CostTracker struct {
	modelID string
	userID  int64
	logger  *slog.Logger

	inputTokens      int
	outputTokens     int
	thinkingTokens   int
	cacheReadTokens  int
	cacheWriteTokens int
	toolCosts        []ToolCost
	finalized        bool
}

// NewCostTracker creates a tracker for one turn.
func NewCostTracker(modelID string, userID int64, logger *slog.Logger) *CostTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &CostTracker{modelID: modelID, userID: userID, logger: logger}
}

// AddAPIUsage records one streaming response's usage block.
func (t *CostTracker) AddAPIUsage(input, output, thinking, cacheRead, cacheWrite int) {
	t.inputTokens += input
	t.outputTokens += output
	t.thinkingTokens += thinking
	t.cacheReadTokens += cacheRead
	t.cacheWriteTokens += cacheWrite
}

// AddToolCost records the external cost of a paid tool call.
func (t *CostTracker) AddToolCost(toolName string, costUSD float64) {
	t.toolCosts = append(t.toolCosts, ToolCost{ToolName: toolName, CostUSD: costUSD})
}

// CalculateTotalCost sums the model pricing estimate and every recorded tool cost.
func (t *CostTracker) CalculateTotalCost(table *pricing.Table) float64 {
	total := table.EstimateCost(t.modelID, t.inputTokens, t.outputTokens, t.cacheReadTokens, t.cacheWriteTokens)
	for _, tc := range t.toolCosts {
		total += tc.CostUSD
	}
	return total
}

// GetTokenSummary returns the accumulated token counts.
func (t *CostTracker) GetTokenSummary() TokenSummary {
	return TokenSummary{
		InputTokens:      t.inputTokens,
		OutputTokens:     t.outputTokens,
		ThinkingTokens:   t.thinkingTokens,
		CacheReadTokens:  t.cacheReadTokens,
		CacheWriteTokens: t.cacheWriteTokens,
	}
}

// GetToolCostSummary returns every tool cost recorded this turn.
func (t *CostTracker) GetToolCostSummary() []ToolCost {
	return append([]ToolCost(nil), t.toolCosts...)
}

// FinalizeAndCharge charges the user once for the accumulated usage and
// records a BalanceOperation, matching finalize_and_charge's description
// format: "{source} ({model}): {in} in, {out} out, {thinking} thinking, tools: ${cost}".
// Calling it more than once for the same tracker is a programming error and
// returns an error rather than double-charging.
func (t *CostTracker) FinalizeAndCharge(ctx context.Context, charger Charger, table *pricing.Table, source string, iterations int) (model.BalanceOperation, error) {
	if t.finalized {
		return model.BalanceOperation{}, fmt.Errorf("cost tracker for user %d already finalized", t.userID)
	}
	t.finalized = true

	total := t.CalculateTotalCost(table)
	var toolCostTotal float64
	for _, tc := range t.toolCosts {
		toolCostTotal += tc.CostUSD
	}

	desc := fmt.Sprintf("%s (%s): %d in, %d out, %d thinking, tools: $%s",
		source, t.modelID, t.inputTokens, t.outputTokens, t.thinkingTokens, formatUSD(toolCostTotal))

	op, err := charger.ChargeUser(ctx, t.userID, model.BalanceOperationUsage, total, desc, nil)
	if err != nil {
		t.logger.Error("cost tracker: charge failed", "user_id", t.userID, "amount", total, "error", err)
		return model.BalanceOperation{}, err
	}
	t.logger.Info("cost tracker: charged user", "user_id", t.userID, "amount", total, "iterations", iterations, "model", t.modelID)
	return op, nil
}
