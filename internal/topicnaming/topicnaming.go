// Package topicnaming generates an LLM title for a freshly-created Telegram
// forum topic from its first exchange (spec.md §4.13). Grounded on
// original_source/bot/services/topic_naming.py's TopicNamingService:
// balance-gate before the call, one non-streaming completion, charge for
// real usage, apply via the transport, and never let a failure here break
// the surrounding turn.
package topicnaming

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/halvorsen/tokenbroker/internal/balance"
	"github.com/halvorsen/tokenbroker/internal/model"
	"github.com/halvorsen/tokenbroker/internal/pricing"
	"github.com/halvorsen/tokenbroker/internal/provider"
)

// systemPrompt mirrors the original's TOPIC_NAMING_SYSTEM_PROMPT: short,
// example-driven instructions for a 2-6 word topic title in the user's
// language.
const systemPrompt = `Generate a short, descriptive title for a chat topic.

<context>
You are naming a Telegram chat topic based on the user's first message and the bot's response.
The title will be displayed in the Telegram UI as the topic name.
</context>

<requirements>
- Length: 2-5 words (max 32 characters)
- Language: match the user's language
- Style: concise noun phrase or short sentence
- Focus: capture the main subject or task, not generic greetings
</requirements>

Output ONLY the title, nothing else.`

const (
	maxInputChars = 300
	maxTitleChars = 32
)

// ThreadStore is the subset of persistence.ThreadRepo this package needs.
type ThreadStore interface {
	UpdateThreadTitle(ctx context.Context, id uuid.UUID, title string) error
	ListThreadsNeedingTopicName(ctx context.Context, limit int) ([]model.Thread, error)
}

// Renamer applies a generated title at the transport. The Telegram channel
// implements this over bot.Request(EditForumTopicConfig{...}).
type Renamer interface {
	RenameTopic(ctx context.Context, chatID int64, topicID int, title string) error
}

// Config are the Service's collaborators.
type Config struct {
	Threads  ThreadStore
	Renamer  Renamer
	Balance  *balance.Policy
	Charger  balance.Charger
	Pricing  *pricing.Table
	Provider *provider.Client
	Model    string
	Logger   *slog.Logger
}

// Service generates and applies topic titles.
type Service struct {
	threads  ThreadStore
	renamer  Renamer
	balance  *balance.Policy
	charger  balance.Charger
	pricing  *pricing.Table
	provider *provider.Client
	model    string
	logger   *slog.Logger
}

// New creates a Service. Model defaults to a cheap model if empty.
func New(cfg Config) *Service {
	model := cfg.Model
	if model == "" {
		model = "claude-haiku-4-5-20251001"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		threads:  cfg.Threads,
		renamer:  cfg.Renamer,
		balance:  cfg.Balance,
		charger:  cfg.Charger,
		pricing:  cfg.Pricing,
		provider: cfg.Provider,
		model:    model,
		logger:   logger,
	}
}

// MaybeNameTopic generates and applies a title for thread's forum topic, if
// one is needed. It never returns an error for the caller to act on: every
// failure is logged and leaves thread.NeedsTopicNaming untouched for the
// next attempt, mirroring the original's "log but don't break the main
// flow" behavior. The returned string is the applied title, or "" if
// nothing was applied.
func (s *Service) MaybeNameTopic(ctx context.Context, thread model.Thread, userMessage, botResponse string) string {
	if !thread.NeedsTopicNaming {
		return ""
	}
	if thread.TelegramTopicID == 0 {
		if err := s.threads.UpdateThreadTitle(ctx, thread.ID, thread.Title); err != nil {
			s.logger.Warn("topicnaming: clear needs_naming for non-topic thread failed", "thread_id", thread.ID, "error", err)
		}
		return ""
	}

	if s.balance != nil {
		check, err := s.balance.CanUsePaidTool(ctx, thread.UserID, true)
		if err != nil || !check.Allowed {
			s.logger.Info("topicnaming: skipped, insufficient balance", "thread_id", thread.ID, "user_id", thread.UserID)
			s.markDone(ctx, thread)
			return ""
		}
	}

	title, usage, err := s.generateTitle(ctx, userMessage, botResponse)
	if err != nil {
		s.logger.Warn("topicnaming: generation failed, will retry", "thread_id", thread.ID, "error", err)
		return ""
	}

	if s.pricing != nil && s.charger != nil && s.balance != nil {
		cost := s.pricing.EstimateCost(s.model, int(usage.InputTokens), int(usage.OutputTokens), 0, 0)
		if _, err := s.balance.ChargeUser(ctx, s.charger, thread.UserID, model.BalanceOperationUsage, cost, "Topic naming"); err != nil {
			s.logger.Warn("topicnaming: charge failed, title still applied", "thread_id", thread.ID, "error", err)
		}
	}

	if err := s.renamer.RenameTopic(ctx, thread.ChatID, thread.TelegramTopicID, title); err != nil {
		s.logger.Warn("topicnaming: apply at transport failed, will retry", "thread_id", thread.ID, "error", err)
		return ""
	}

	if err := s.threads.UpdateThreadTitle(ctx, thread.ID, title); err != nil {
		s.logger.Warn("topicnaming: persist title failed", "thread_id", thread.ID, "error", err)
	}
	return title
}

func (s *Service) markDone(ctx context.Context, thread model.Thread) {
	if err := s.threads.UpdateThreadTitle(ctx, thread.ID, thread.Title); err != nil {
		s.logger.Warn("topicnaming: mark done failed", "thread_id", thread.ID, "error", err)
	}
}

func (s *Service) generateTitle(ctx context.Context, userMessage, botResponse string) (string, provider.Usage, error) {
	userText := truncate(userMessage, maxInputChars)
	botText := truncate(botResponse, maxInputChars)

	req := provider.Request{
		Model:           s.model,
		MaxOutputTokens: 64,
		System:          []provider.SystemBlock{{Text: systemPrompt}},
		Messages: []provider.HistoryMessage{{
			Role: "user",
			Text: fmt.Sprintf("User: %s\nBot: %s", userText, botText),
		}},
	}

	var title strings.Builder
	var usage provider.Usage
	for ev := range s.provider.Stream(ctx, req) {
		switch ev.Kind {
		case provider.EventTextDelta:
			title.WriteString(ev.TextDelta)
		case provider.EventUsage:
			if ev.Usage != nil {
				usage = *ev.Usage
			}
		case provider.EventError:
			return "", usage, ev.Err
		}
	}

	return cleanTitle(title.String()), usage, nil
}

func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	title = strings.Trim(title, `"'`)
	if len(title) > maxTitleChars {
		title = title[:maxTitleChars]
	}
	return title
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
