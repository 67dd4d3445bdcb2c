// Package turn implements the tool-use turn loop (C7): stream the provider's
// response, fan out parallel tool calls with per-tool balance pre-checks,
// feed results back for another iteration, update the streaming display, and
// finalize by charging the user once for the whole turn. Grounded on
// original_source/bot/core/claude/agent_loop.py's iterate-until-stop-reason
// shape, using this module's own internal/provider, internal/tools,
// internal/balance, and internal/display packages for the pieces the
// original split across claude/context.py, claude/tools.py, and
// core/cost_tracker.py.
package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/halvorsen/tokenbroker/internal/balance"
	"github.com/halvorsen/tokenbroker/internal/bus"
	"github.com/halvorsen/tokenbroker/internal/display"
	"github.com/halvorsen/tokenbroker/internal/llmcontext"
	"github.com/halvorsen/tokenbroker/internal/model"
	"github.com/halvorsen/tokenbroker/internal/otel"
	"github.com/halvorsen/tokenbroker/internal/policy"
	"github.com/halvorsen/tokenbroker/internal/pricing"
	"github.com/halvorsen/tokenbroker/internal/provider"
	"github.com/halvorsen/tokenbroker/internal/tools"
)

// MaxIterations bounds the tool-call loop so a model that never stops
// calling tools can't run forever.
const MaxIterations = 25

// Deps are the turn loop's collaborators, each independently testable.
type Deps struct {
	Provider    *provider.Client
	Tools       *tools.Registry
	Balance     *balance.Policy
	Charger     balance.Charger // the real DB-backed ledger writer
	Pricing     *pricing.Table
	Policy      policy.Checker // operator tool allowlist; nil allows everything
	Metrics     *otel.Metrics  // nil disables instrumentation
	Bus         *bus.Bus       // nil disables event publishing
	VisionModel string
	Logger      *slog.Logger
}

// Request describes one turn: a user's new message plus everything needed
// to assemble context.
type Request struct {
	User            model.User
	Thread          model.Thread
	GlobalPrompt    string
	Files           []model.UserFile
	History         []llmcontext.WindowMessage
	MaxOutputTokens int64
	ThinkingBudget  int64
	HasSession      bool // DB session available for balance fallback

	// Cancel is closed when the caller wants this turn aborted (e.g. a
	// /cancel command observed by the concurrency.GenerationTracker).
	Cancel <-chan struct{}

	// OnUpdate is invoked after every classified event so the caller can
	// throttle-and-render the display. It must not block significantly.
	OnUpdate func(*display.Manager)
}

// Result is what a finished (or cancelled) turn produces.
type Result struct {
	Display      *display.Manager
	FinalText    string
	Cancelled    bool
	Iterations   int
	TokenSummary balance.TokenSummary
	ToolCosts    []balance.ToolCost
	ToolCalls    []model.ToolCall // persistable record of every tool dispatched this turn
	BalanceOp    model.BalanceOperation
	AssistantRaw []provider.HistoryMessage // this turn's new history entries, for persistence/replay
}

// Run drives the turn loop to completion: streaming, tool dispatch,
// cancellation, and finalization. The returned Result always reflects what
// actually happened even when cancelled partway through — per spec, a
// cancelled turn still charges for tokens actually consumed and persists
// partial text.
func Run(ctx context.Context, deps Deps, req Request) (Result, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	start := time.Now()
	if deps.Metrics != nil {
		deps.Metrics.ActiveTurns.Add(ctx, 1)
		defer deps.Metrics.ActiveTurns.Add(ctx, -1)
	}

	systemBlocks := llmcontext.BuildSystemPrompt(req.GlobalPrompt, req.Thread.CustomPrompt, req.Files)
	providerSystem := make([]provider.SystemBlock, 0, len(systemBlocks))
	for _, b := range systemBlocks {
		providerSystem = append(providerSystem, provider.SystemBlock{Text: b.Text, CacheControl: b.CacheControl != nil})
	}

	history := make([]provider.HistoryMessage, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, provider.HistoryMessage{Role: string(m.Role), Text: m.Content})
	}

	toolSpecs := make([]provider.ToolSpec, 0)
	for _, d := range deps.Tools.All() {
		toolSpecs = append(toolSpecs, provider.ToolSpec{Name: d.Name, Description: d.Description, Schema: d.Schema})
	}

	costTracker := balance.NewCostTracker(req.Thread.Model, req.User.ID, logger)
	disp := display.New()
	var assistantRaw []provider.HistoryMessage
	var allToolCalls []model.ToolCall

	done := func(cancelled bool, iterations int) (Result, error) {
		result, err := finalize(ctx, deps, req, disp, costTracker, assistantRaw, allToolCalls, iterations, cancelled)
		recordTurnMetrics(ctx, deps.Metrics, start, result)
		return result, err
	}

	iteration := 0
	for {
		iteration++
		if iteration > MaxIterations {
			logger.Warn("turn: max iterations reached", "thread_id", req.Thread.ID, "iterations", iteration)
			break
		}

		select {
		case <-req.Cancel:
			return done(true, iteration)
		default:
		}

		step, err := runOneCall(ctx, deps, req, providerSystem, history, toolSpecs, disp, costTracker)
		if err != nil {
			return Result{}, err
		}
		assistantRaw = append(assistantRaw, step.assistantEntries...)
		history = append(history, step.assistantEntries...)

		if step.cancelled {
			return done(true, iteration)
		}

		if len(step.toolCalls) == 0 {
			break // stop_reason was end_turn/max_tokens/stop_sequence — no more tool iterations
		}

		toolHistory, toolCalls := dispatchTools(ctx, deps, req, step.toolCalls, costTracker)
		assistantRaw = append(assistantRaw, toolHistory...)
		history = append(history, toolHistory...)
		allToolCalls = append(allToolCalls, toolCalls...)
	}

	return done(false, iteration)
}

// recordTurnMetrics is a no-op when deps.Metrics is nil (metrics are
// ambient instrumentation, not a required collaborator).
func recordTurnMetrics(ctx context.Context, m *otel.Metrics, start time.Time, result Result) {
	if m == nil {
		return
	}
	m.TurnDuration.Record(ctx, time.Since(start).Seconds())
	m.TokensUsed.Add(ctx, int64(result.TokenSummary.InputTokens))
	m.TokensUsed.Add(ctx, int64(result.TokenSummary.OutputTokens))
}

type callStep struct {
	assistantEntries []provider.HistoryMessage
	toolCalls        []provider.ToolCall
	cancelled        bool
}

// runOneCall drains a single streaming response, updating disp and
// costTracker as events arrive, and returns the tool calls (if any) the
// model requested.
func runOneCall(ctx context.Context, deps Deps, req Request, system []provider.SystemBlock, history []provider.HistoryMessage, toolSpecs []provider.ToolSpec, disp *display.Manager, costTracker *balance.CostTracker) (callStep, error) {
	events := deps.Provider.Stream(ctx, provider.Request{
		Model:           req.Thread.Model,
		MaxOutputTokens: req.MaxOutputTokens,
		System:          system,
		Messages:        history,
		Tools:           toolSpecs,
		ThinkingBudget:  req.ThinkingBudget,
	})

	var step callStep
	var pendingText string
	var pendingThinking *provider.ThinkingBlock

	for ev := range events {
		select {
		case <-req.Cancel:
			step.cancelled = true
			if pendingText != "" {
				step.assistantEntries = append(step.assistantEntries, provider.HistoryMessage{Role: "assistant", Text: pendingText})
			}
			return step, nil
		default:
		}

		switch ev.Kind {
		case provider.EventTextDelta:
			disp.AppendText(ev.TextDelta)
			pendingText += ev.TextDelta
			if req.OnUpdate != nil {
				req.OnUpdate(disp)
			}
		case provider.EventThinkingDelta:
			disp.AppendThinking(ev.ThinkingDelta)
			if req.OnUpdate != nil {
				req.OnUpdate(disp)
			}
		case provider.EventThinkingDone:
			pendingThinking = ev.Thinking
		case provider.EventToolCall:
			step.toolCalls = append(step.toolCalls, *ev.Tool)
			disp.AppendThinking(fmt.Sprintf("[%s]", ev.Tool.Name))
			if req.OnUpdate != nil {
				req.OnUpdate(disp)
			}
		case provider.EventUsage:
			if ev.Usage != nil {
				costTracker.AddAPIUsage(int(ev.Usage.InputTokens), int(ev.Usage.OutputTokens), 0, int(ev.Usage.CacheReadInputTokens), int(ev.Usage.CacheCreationInputTokens))
			}
		case provider.EventError:
			return step, ev.Err
		case provider.EventDone:
			if ev.Usage != nil {
				costTracker.AddAPIUsage(int(ev.Usage.InputTokens), int(ev.Usage.OutputTokens), 0, int(ev.Usage.CacheReadInputTokens), int(ev.Usage.CacheCreationInputTokens))
			}
		}
	}

	if pendingText != "" || pendingThinking != nil || len(step.toolCalls) > 0 {
		entry := provider.HistoryMessage{Role: "assistant", Text: pendingText, Thinking: pendingThinking}
		if len(step.toolCalls) == 1 {
			// the common case: one tool_use block alongside any text/thinking in this message
			call := step.toolCalls[0]
			entry.ToolUse = &call
		}
		step.assistantEntries = append(step.assistantEntries, entry)
		// Additional tool calls beyond the first each get their own
		// assistant message carrying just that tool_use block, preserving
		// provider-required one-tool-use-per-content-block-entry shape.
		for _, call := range step.toolCalls[minInt(1, len(step.toolCalls)):] {
			c := call
			step.assistantEntries = append(step.assistantEntries, provider.HistoryMessage{Role: "assistant", ToolUse: &c})
		}
	}

	return step, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// toolPrecheckRejection is the structured body returned to the model (and
// persisted as the ToolCall's output) when a paid tool is rejected before
// dispatch for insufficient balance.
type toolPrecheckRejection struct {
	Error      string `json:"error"`
	BalanceUSD string `json:"balance_usd"`
	ToolName   string `json:"tool_name"`
}

// dispatchTools runs every requested tool call concurrently, enforcing a
// balance pre-check for paid tools, and returns the tool_result history
// entries in the same order the calls were requested (required so the
// provider can match tool_use_id to tool_result across an unordered
// goroutine fan-out) alongside a persistable model.ToolCall per call.
func dispatchTools(ctx context.Context, deps Deps, req Request, calls []provider.ToolCall, costTracker *balance.CostTracker) ([]provider.HistoryMessage, []model.ToolCall) {
	results := make([]tools.Result, len(calls))
	costs := make([]float64, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call provider.ToolCall) {
			defer wg.Done()
			results[i], costs[i] = runTool(ctx, deps, req, call, costTracker)
		}(i, call)
	}
	wg.Wait()

	history := make([]provider.HistoryMessage, 0, len(calls))
	toolCalls := make([]model.ToolCall, 0, len(calls))
	for i, call := range calls {
		history = append(history, provider.HistoryMessage{
			Role: "user",
			ToolResult: &provider.ToolResult{
				ToolUseID: call.ID,
				Text:      results[i].Text,
				IsError:   results[i].IsError,
			},
		})

		status := model.ToolCallSucceeded
		if results[i].IsError {
			status = model.ToolCallFailed
		}
		output, _ := json.Marshal(results[i].Text)
		toolCalls = append(toolCalls, model.ToolCall{
			ID:        uuid.New(),
			ThreadID:  req.Thread.ID,
			ToolName:  call.Name,
			Input:     call.Arguments,
			Output:    output,
			Status:    status,
			CostUSD:   costs[i],
			CreatedAt: time.Now(),
		})
	}
	return history, toolCalls
}

func runTool(ctx context.Context, deps Deps, req Request, call provider.ToolCall, costTracker *balance.CostTracker) (tools.Result, float64) {
	d, ok := deps.Tools.Get(call.Name)
	if !ok {
		return tools.Result{Text: fmt.Sprintf("unknown tool %q", call.Name), IsError: true}, 0
	}

	if deps.Policy != nil && !deps.Policy.AllowTool(call.Name) {
		return tools.Result{Text: fmt.Sprintf("tool %q is currently disabled", call.Name), IsError: true}, 0
	}

	if d.Paid {
		check, err := deps.Balance.CanUsePaidTool(ctx, req.User.ID, req.HasSession)
		if err != nil {
			return tools.Result{Text: fmt.Sprintf("balance check failed: %v", err), IsError: true}, 0
		}
		if !check.Allowed {
			if deps.Bus != nil {
				deps.Bus.Publish(bus.TopicToolPrecheckRejected, bus.ToolPrecheckRejected{
					ThreadID: req.Thread.ID.String(),
					UserID:   req.User.ID,
					ToolName: d.Name,
					Balance:  req.User.Balance,
				})
			}
			if deps.Metrics != nil {
				deps.Metrics.ToolPrecheckRejected.Add(ctx, 1, metric.WithAttributes(otel.AttrToolName.String(d.Name)))
			}
			payload, _ := json.Marshal(toolPrecheckRejection{
				Error:      "insufficient_balance",
				BalanceUSD: fmt.Sprintf("%.2f", req.User.Balance),
				ToolName:   d.Name,
			})
			return tools.Result{Text: string(payload), IsError: true}, 0
		}
	}

	toolStart := time.Now()
	result, err := deps.Tools.Dispatch(ctx, call.Name, call.Arguments)
	if deps.Metrics != nil {
		deps.Metrics.ToolCallDuration.Record(ctx, time.Since(toolStart).Seconds())
		if err != nil || result.IsError {
			deps.Metrics.ToolCallErrors.Add(ctx, 1)
		}
	}
	if err != nil {
		return tools.Result{Text: err.Error(), IsError: true}, 0
	}
	if d.Paid {
		cost := deps.Pricing.ToolCost(d.Name)
		costTracker.AddToolCost(d.Name, cost)
		return result, cost
	}
	return result, 0
}

func finalize(ctx context.Context, deps Deps, req Request, disp *display.Manager, costTracker *balance.CostTracker, assistantRaw []provider.HistoryMessage, toolCalls []model.ToolCall, iterations int, cancelled bool) (Result, error) {
	source := "turn"
	if cancelled {
		source = "turn_cancelled"
	}
	op, err := costTracker.FinalizeAndCharge(ctx, policyCharger{policy: deps.Balance, real: deps.Charger}, deps.Pricing, source, iterations)
	if err != nil {
		return Result{}, fmt.Errorf("turn: finalize charge: %w", err)
	}
	return Result{
		Display:      disp,
		FinalText:    display.FormatFinalText(disp, display.DefaultParseMode),
		Cancelled:    cancelled,
		Iterations:   iterations,
		TokenSummary: costTracker.GetTokenSummary(),
		ToolCosts:    costTracker.GetToolCostSummary(),
		ToolCalls:    toolCalls,
		BalanceOp:    op,
		AssistantRaw: assistantRaw,
	}, nil
}

// policyCharger satisfies balance.Charger by delegating through
// Policy.ChargeUser, which additionally invalidates the cached balance after
// the real ledger write — finalize always wants that invalidation, so the
// turn loop never talks to the real Charger directly.
type policyCharger struct {
	policy *balance.Policy
	real   balance.Charger
}

func (c policyCharger) ChargeUser(ctx context.Context, userID int64, kind model.BalanceOperationKind, amountUSD float64, description string, relatedPayment *uuid.UUID) (model.BalanceOperation, error) {
	return c.policy.ChargeUser(ctx, c.real, userID, kind, amountUSD, description)
}
