package shared

import (
	"fmt"
	"log/slog"
)

// BotError is the common interface for errors that cross a user-facing
// boundary: they carry a message safe to show the user and a log level
// distinct from their Go error severity. Mirrors the exception hierarchy in
// original_source/bot/core/exceptions.py.
type BotError interface {
	error
	UserMessage() string
	LogLevel() slog.Level
	Recoverable() bool
}

type baseError struct {
	msg         string
	userMessage string
	logLevel    slog.Level
	recoverable bool
	cause       error
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *baseError) Unwrap() error        { return e.cause }
func (e *baseError) UserMessage() string  { return e.userMessage }
func (e *baseError) LogLevel() slog.Level { return e.logLevel }
func (e *baseError) Recoverable() bool    { return e.recoverable }

// LLMError wraps a failure from the LLM provider.
type LLMError struct {
	*baseError
}

func NewLLMError(msg string, cause error) *LLMError {
	return &LLMError{&baseError{
		msg:         msg,
		userMessage: "⚠️ The model provider returned an error. Please try again.",
		logLevel:    slog.LevelWarn,
		recoverable: true,
		cause:       cause,
	}}
}

// RateLimitError indicates the provider asked us to back off.
type RateLimitError struct {
	*baseError
	RetryAfter int // seconds
}

func NewRateLimitError(retryAfter int, cause error) *RateLimitError {
	return &RateLimitError{
		baseError: &baseError{
			msg:         "rate limited by provider",
			userMessage: "⏳ Rate limited. Please try again shortly.",
			logLevel:    slog.LevelWarn,
			recoverable: true,
			cause:       cause,
		},
		RetryAfter: retryAfter,
	}
}

// OverloadedError indicates the provider is temporarily over capacity.
type OverloadedError struct {
	*baseError
}

func NewOverloadedError(cause error) *OverloadedError {
	return &OverloadedError{&baseError{
		msg:         "provider overloaded",
		userMessage: "⏳ The model is currently overloaded. Please try again in a minute.",
		logLevel:    slog.LevelWarn,
		recoverable: true,
		cause:       cause,
	}}
}

// ContextWindowExceededError indicates a single message (or the fixed system
// prompt) alone exceeds the model's available context budget.
type ContextWindowExceededError struct {
	*baseError
	TokensUsed  int
	TokensLimit int
}

func NewContextWindowExceededError(msg string, tokensUsed, tokensLimit int) *ContextWindowExceededError {
	return &ContextWindowExceededError{
		baseError: &baseError{
			msg:         msg,
			userMessage: "📏 This conversation is too long for the model's context window. Start a new thread.",
			logLevel:    slog.LevelWarn,
			recoverable: false,
		},
		TokensUsed:  tokensUsed,
		TokensLimit: tokensLimit,
	}
}

// InsufficientBalanceError indicates the user's balance can't cover the request.
type InsufficientBalanceError struct {
	*baseError
	Balance       float64
	EstimatedCost float64
}

func NewInsufficientBalanceError(balance, estimatedCost float64) *InsufficientBalanceError {
	return &InsufficientBalanceError{
		baseError: &baseError{
			msg:         fmt.Sprintf("insufficient balance: %.4f < %.4f", balance, estimatedCost),
			userMessage: "💸 Your balance is too low for this request. Top up to continue.",
			logLevel:    slog.LevelInfo,
			recoverable: false,
		},
		Balance:       balance,
		EstimatedCost: estimatedCost,
	}
}

// ConcurrencyLimitExceededError indicates a user has too many in-flight turns.
type ConcurrencyLimitExceededError struct {
	*baseError
}

func NewConcurrencyLimitExceededError() *ConcurrencyLimitExceededError {
	return &ConcurrencyLimitExceededError{&baseError{
		msg:         "concurrency limit exceeded",
		userMessage: "🚦 You already have a request in progress. Please wait for it to finish.",
		logLevel:    slog.LevelInfo,
		recoverable: true,
	}}
}

// ToolValidationError is raised by tool input validation. It is deliberately
// NOT a BotError — it is caught and turned into a tool_result error block,
// never surfaced directly to the user, matching original_source's
// ToolValidationError(Exception) (not a BotError subclass).
type ToolValidationError struct {
	ToolName string
	msg      string
}

func NewToolValidationError(toolName, msg string) *ToolValidationError {
	return &ToolValidationError{ToolName: toolName, msg: msg}
}

func (e *ToolValidationError) Error() string {
	return fmt.Sprintf("tool %q: %s", e.ToolName, e.msg)
}
