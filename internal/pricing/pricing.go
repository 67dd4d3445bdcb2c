// Package pricing provides per-model cost estimation for token usage,
// including the cache read/write tiers Anthropic's prompt caching charges at
// different rates than regular input tokens.
package pricing

import (
	"log/slog"
	"sync"

	"gopkg.in/yaml.v3"
)

// ModelPricing holds per-million-token costs in USD. CacheWritePer1M applies
// to tokens written into a new ephemeral cache entry (the system prompt's
// cacheable blocks); CacheReadPer1M applies to tokens served from an
// existing cache entry — both distinct from PromptPer1M, which is plain
// uncached input.
type ModelPricing struct {
	PromptPer1M     float64 `yaml:"prompt_per_1m"`
	CompletionPer1M float64 `yaml:"completion_per_1m"`
	CacheWritePer1M float64 `yaml:"cache_write_per_1m"`
	CacheReadPer1M  float64 `yaml:"cache_read_per_1m"`
}

// Known model pricing. Anthropic's cache write/read rates follow the
// documented 1.25x/0.1x multipliers on the base input rate.
var defaultModels = map[string]ModelPricing{
	"claude-opus-4-6":            {PromptPer1M: 15.00, CompletionPer1M: 75.00, CacheWritePer1M: 18.75, CacheReadPer1M: 1.50},
	"claude-sonnet-4-5-20250929": {PromptPer1M: 3.00, CompletionPer1M: 15.00, CacheWritePer1M: 3.75, CacheReadPer1M: 0.30},
	"claude-haiku-4-5-20251001":  {PromptPer1M: 1.00, CompletionPer1M: 5.00, CacheWritePer1M: 1.25, CacheReadPer1M: 0.10},
}

// ToolCost is the flat or metered external cost of a paid tool, independent
// of model token pricing. transcribe_audio meters by audio duration
// (Whisper's per-minute pricing); execute_python is a flat per-call cost.
type ToolCost struct {
	PerCallUSD   float64 `yaml:"per_call_usd"`
	PerMinuteUSD float64 `yaml:"per_minute_usd"`
}

var defaultToolCosts = map[string]ToolCost{
	"transcribe_audio": {PerMinuteUSD: 0.006},
	"execute_python":   {PerCallUSD: 0.0},
}

// Table is the live pricing configuration, hot-reloadable from the policy
// YAML overlay via internal/config.Watcher.
type Table struct {
	mu    sync.RWMutex
	models    map[string]ModelPricing
	toolCosts map[string]ToolCost
}

// NewTable creates a Table seeded with the built-in defaults.
func NewTable() *Table {
	return &Table{models: cloneModels(defaultModels), toolCosts: cloneToolCosts(defaultToolCosts)}
}

type overlayFile struct {
	Models    map[string]ModelPricing `yaml:"models"`
	ToolCosts map[string]ToolCost     `yaml:"tool_costs"`
}

// LoadOverlay merges a YAML overlay (from disk, e.g. pricing.yaml) into the
// table, replacing any entries it names and leaving the rest at their
// built-in defaults.
func (t *Table) LoadOverlay(data []byte, logger *slog.Logger) error {
	var overlay overlayFile
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range overlay.Models {
		t.models[k] = v
	}
	for k, v := range overlay.ToolCosts {
		t.toolCosts[k] = v
	}
	if logger != nil {
		logger.Info("pricing: overlay applied", "models", len(overlay.Models), "tool_costs", len(overlay.ToolCosts))
	}
	return nil
}

// EstimateCost returns the estimated USD cost for the given token counts.
// Returns 0.0 for unknown models (safe default — never blocks a turn on a
// pricing-table miss).
func (t *Table) EstimateCost(model string, promptTokens, completionTokens, cacheReadTokens, cacheWriteTokens int) float64 {
	t.mu.RLock()
	p, ok := t.models[model]
	t.mu.RUnlock()
	if !ok {
		return 0.0
	}
	return (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M +
		(float64(cacheReadTokens)/1_000_000)*p.CacheReadPer1M +
		(float64(cacheWriteTokens)/1_000_000)*p.CacheWritePer1M
}

// ToolCost returns the per-call cost for a named tool, 0 if unknown.
func (t *Table) ToolCost(name string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.toolCosts[name].PerCallUSD
}

// ToolCostForDuration returns the cost of a named tool metered by audio
// duration (transcribe_audio's Whisper pricing), 0 if unknown.
func (t *Table) ToolCostForDuration(name string, seconds float64) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.toolCosts[name].PerMinuteUSD * (seconds / 60.0)
}

func cloneModels(src map[string]ModelPricing) map[string]ModelPricing {
	out := make(map[string]ModelPricing, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func cloneToolCosts(src map[string]ToolCost) map[string]ToolCost {
	out := make(map[string]ToolCost, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
