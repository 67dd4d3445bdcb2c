// Package context assembles the provider-facing context for a turn (C6):
// a 3-block cacheable system prompt, a token-budgeted history window, and
// the files-context block. Grounded on original_source/bot/core/claude/context.py
// (build_context's newest-first accumulation) and the teacher's
// internal/memory/window.go (same accumulate-then-reverse shape) and
// internal/memory/workspace.go (pin-listing pattern, repurposed here for
// listing a thread's files).
package llmcontext

import (
	"fmt"

	"github.com/halvorsen/tokenbroker/internal/model"
	"github.com/halvorsen/tokenbroker/internal/shared"
	"github.com/halvorsen/tokenbroker/internal/tokenutil"
)

// ReservedTokens mirrors the teacher's internal/engine/context_limits.go constant:
// headroom reserved regardless of buffer_percent, for provider-side overhead.
const ReservedTokens = 10_000

// DefaultBufferPercent mirrors build_context's buffer_percent=0.10 default.
const DefaultBufferPercent = 0.10

// MinCustomPromptTokensForCaching is the threshold below which Block 2 (the
// user's custom prompt) is not worth tagging cacheable — the cache-write
// premium would outweigh the read savings for a prompt this short.
const MinCustomPromptTokensForCaching = 256

// CacheControl marks a block as eligible for ephemeral prompt caching.
type CacheControl struct {
	Type string // "ephemeral"
}

// SystemBlock is one of the three blocks that make up the system prompt.
type SystemBlock struct {
	Text         string
	CacheControl *CacheControl
}

// BuildSystemPrompt assembles the 3-block system prompt:
//  1. the global prompt — always ephemeral-cached (shared across every thread).
//  2. the thread's custom prompt — cached only if it's long enough to be
//     worth the cache-write premium.
//  3. the files-context block — never cached, because it changes with every
//     upload and would thrash the cache entry.
func BuildSystemPrompt(globalPrompt, customPrompt string, files []model.UserFile) []SystemBlock {
	blocks := make([]SystemBlock, 0, 3)

	blocks = append(blocks, SystemBlock{
		Text:         globalPrompt,
		CacheControl: &CacheControl{Type: "ephemeral"},
	})

	if customPrompt != "" {
		block := SystemBlock{Text: customPrompt}
		if tokenutil.EstimateTokens(customPrompt) >= MinCustomPromptTokensForCaching {
			block.CacheControl = &CacheControl{Type: "ephemeral"}
		}
		blocks = append(blocks, block)
	}

	if len(files) > 0 {
		blocks = append(blocks, SystemBlock{Text: renderFilesContext(files)})
	}

	return blocks
}

// renderFilesContext lists the files available in this thread, adapted from
// the teacher's workspace pin listing: name, size, and a short description
// per entry.
func renderFilesContext(files []model.UserFile) string {
	out := "Files available in this conversation:\n"
	for _, f := range files {
		out += fmt.Sprintf("- %s (%s, %d bytes)\n", f.FileName, f.MIMEType, f.SizeBytes)
	}
	return out
}

// WindowMessage is one message as seen by the budgeting algorithm.
type WindowMessage struct {
	Role    model.Role
	Content string
	Tokens  int
}

// WindowResult is the outcome of BuildWindow: the messages that fit, in
// chronological order, and how many were dropped from the head of history.
type WindowResult struct {
	Messages       []WindowMessage
	TotalTokens    int
	TruncatedCount int
}

// BuildWindow selects the newest messages that fit within the available
// token budget, then reverses them back to chronological order. Mirrors
// build_context: available = contextWindow - systemTokens - maxOutputTokens
// - buffer, where buffer = available_for_buffer * bufferPercent.
//
// Returns a *shared.ContextWindowExceededError when the available budget is
// exhausted before overhead alone, or a single message alone exceeds it and
// nothing could be included.
func BuildWindow(messages []WindowMessage, contextWindow, systemTokens, maxOutputTokens int, bufferPercent float64) (WindowResult, error) {
	if bufferPercent <= 0 {
		bufferPercent = DefaultBufferPercent
	}
	bufferTokens := int(float64(contextWindow) * bufferPercent)
	available := contextWindow - systemTokens - maxOutputTokens - bufferTokens - ReservedTokens
	if available <= 0 {
		msg := fmt.Sprintf("context window exceeded: system prompt and reserved overhead alone consume the %d-token window", contextWindow)
		return WindowResult{}, shared.NewContextWindowExceededError(msg, contextWindow-available, contextWindow)
	}

	included := make([]WindowMessage, 0, len(messages))
	tokensUsed := 0
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if tokensUsed+m.Tokens > available {
			break
		}
		included = append(included, m)
		tokensUsed += m.Tokens
	}

	// reverse back to chronological order
	for i, j := 0, len(included)-1; i < j; i, j = i+1, j-1 {
		included[i], included[j] = included[j], included[i]
	}

	if len(included) == 0 && len(messages) > 0 {
		lastTokens := messages[len(messages)-1].Tokens
		msg := fmt.Sprintf("context window exceeded: single message requires %d tokens, only %d available", lastTokens, available)
		return WindowResult{}, shared.NewContextWindowExceededError(msg, lastTokens, available)
	}

	return WindowResult{
		Messages:       included,
		TotalTokens:    tokensUsed,
		TruncatedCount: len(messages) - len(included),
	}, nil
}

// ContextLimitForModel returns the provider's context window for a model,
// adapted from the teacher's internal/engine/context_limits.go (exact match,
// then prefix match, then a provider default).
func ContextLimitForModel(model string) int {
	if limit, ok := exactContextLimits[model]; ok {
		return limit
	}
	for prefix, limit := range prefixContextLimits {
		if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
			return limit
		}
	}
	return defaultContextLimit
}

const defaultContextLimit = 200_000

var exactContextLimits = map[string]int{
	"claude-opus-4-6":            200_000,
	"claude-sonnet-4-5-20250929": 200_000,
	"claude-haiku-4-5-20251001":  200_000,
}

var prefixContextLimits = map[string]int{
	"claude-": 200_000,
}
