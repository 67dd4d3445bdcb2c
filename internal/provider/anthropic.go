// Package provider wraps the Anthropic Messages streaming API for the turn
// loop (C7). Grounded on sam-saffron-jarvis-term-llm's internal/llm/anthropic.go
// (event classification via event.AsAny(), the tool-call partial-JSON
// accumulator, NewTextBlock/NewThinkingBlock/NewToolUseBlock helpers) adapted
// to this module's narrower needs: one provider, not a multi-backend
// abstraction, and with system-prompt cache_control wired in since that's
// the entire reason this module talks to anthropic-sdk-go directly instead
// of through a provider-agnostic framework.
//
// Thinking blocks round-trip through (signature, text) exactly as received —
// we never reconstitute or re-derive them, so the byte-exact invariant holds
// by construction.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/halvorsen/tokenbroker/internal/shared"
)

// Client adapts anthropic-sdk-go for the turn loop's needs.
type Client struct {
	sdk *anthropic.Client
}

// New creates a Client using the given API key.
func New(apiKey string) *Client {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Client{sdk: &c}
}

// SystemBlock is one block of the 3-block system prompt (see
// internal/llmcontext.BuildSystemPrompt), with the SDK's cache_control tag
// attached where requested.
type SystemBlock struct {
	Text         string
	CacheControl bool
}

// ThinkingBlock is a thinking block exactly as received from the provider —
// replayed into the next turn's history untouched.
type ThinkingBlock struct {
	Thinking  string
	Signature string
}

// HistoryMessage is one entry of conversation history sent to the provider.
type HistoryMessage struct {
	Role       string // "user" | "assistant"
	Text       string
	Thinking   *ThinkingBlock
	ToolUse    *ToolCall
	ToolResult *ToolResult
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResult is the outcome of executing a ToolCall, fed back as the next
// user message.
type ToolResult struct {
	ToolUseID string
	Text      string
	IsError   bool
}

// ToolSpec describes a tool made available to the model for this turn.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any // JSON-schema-shaped map; "properties"/"required" are read from it
}

// Usage mirrors the SDK's usage fields verbatim, including the two prompt-cache counters.
type Usage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// Request is everything needed to start one streaming turn.
type Request struct {
	Model          string
	MaxOutputTokens int64
	System         []SystemBlock
	Messages       []HistoryMessage
	Tools          []ToolSpec
	ThinkingBudget int64 // 0 disables extended thinking
}

// EventKind classifies a streamed Event.
type EventKind int

const (
	EventTextDelta EventKind = iota
	EventThinkingDelta
	EventThinkingDone // a thinking block completed; carries the exact (thinking, signature) to replay
	EventToolCall
	EventUsage
	EventDone
	EventError
)

// Event is one classified event from the streaming response.
type Event struct {
	Kind EventKind

	TextDelta     string
	ThinkingDelta string
	Thinking      *ThinkingBlock
	Tool          *ToolCall
	Usage         *Usage
	StopReason    string
	Err           error
}

// Stream starts a streaming Messages call and emits classified events on the
// returned channel, closed when the stream ends (including on error — the
// last event in that case has Kind == EventError).
func (c *Client) Stream(ctx context.Context, req Request) <-chan Event {
	out := make(chan Event, 16)

	go func() {
		defer close(out)

		params := buildParams(req)
		accumulator := newToolCallAccumulator()
		var pendingThinking, pendingSignature strings.Builder

		stream := c.sdk.Messages.NewStreaming(ctx, params)
		var usage *Usage

		for stream.Next() {
			event := stream.Current()
			switch variant := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch delta := variant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text != "" {
						out <- Event{Kind: EventTextDelta, TextDelta: delta.Text}
					}
				case anthropic.InputJSONDelta:
					if delta.PartialJSON != "" {
						accumulator.Append(variant.Index, delta.PartialJSON)
					}
				case anthropic.ThinkingDelta:
					if delta.Thinking != "" {
						pendingThinking.WriteString(delta.Thinking)
						out <- Event{Kind: EventThinkingDelta, ThinkingDelta: delta.Thinking}
					}
				case anthropic.SignatureDelta:
					pendingSignature.WriteString(delta.Signature)
				}
			case anthropic.ContentBlockStartEvent:
				switch block := variant.ContentBlock.AsAny().(type) {
				case anthropic.ToolUseBlock:
					accumulator.Start(variant.Index, ToolCall{ID: block.ID, Name: block.Name})
				}
			case anthropic.ContentBlockStopEvent:
				if call, ok := accumulator.Finish(variant.Index); ok {
					out <- Event{Kind: EventToolCall, Tool: &call}
				}
				if pendingThinking.Len() > 0 || pendingSignature.Len() > 0 {
					out <- Event{Kind: EventThinkingDone, Thinking: &ThinkingBlock{
						Thinking:  pendingThinking.String(),
						Signature: pendingSignature.String(),
					}}
					pendingThinking.Reset()
					pendingSignature.Reset()
				}
			case anthropic.MessageDeltaEvent:
				if variant.Delta.StopReason != "" {
					u := Usage{
						InputTokens:              variant.Usage.InputTokens,
						OutputTokens:              variant.Usage.OutputTokens,
						CacheCreationInputTokens:  variant.Usage.CacheCreationInputTokens,
						CacheReadInputTokens:      variant.Usage.CacheReadInputTokens,
					}
					usage = &u
					out <- Event{Kind: EventUsage, Usage: usage, StopReason: string(variant.Delta.StopReason)}
				}
			}
		}
		if err := stream.Err(); err != nil {
			out <- Event{Kind: EventError, Err: classifyStreamError(err)}
			return
		}
		out <- Event{Kind: EventDone, Usage: usage}
	}()

	return out
}

// classifyStreamError maps an anthropic-sdk-go streaming failure onto this
// module's typed shared.BotError kinds so callers can react to rate limits
// and overload distinctly from a generic provider failure. Grounded on the
// SDK's *anthropic.Error carrying the HTTP status code of the failed
// request/response.
func classifyStreamError(err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return shared.NewLLMError("provider streaming failed", err)
	}
	switch apiErr.StatusCode {
	case http.StatusTooManyRequests:
		return shared.NewRateLimitError(retryAfterSeconds(apiErr), err)
	case 529: // Anthropic's "overloaded" status, outside the standard http constants
		return shared.NewOverloadedError(err)
	default:
		return shared.NewLLMError("provider streaming failed", err)
	}
}

// retryAfterSeconds best-effort parses the Retry-After header off the
// failed response; 0 means the caller should use its own default backoff.
func retryAfterSeconds(apiErr *anthropic.Error) int {
	if apiErr.Response == nil {
		return 0
	}
	secs, err := strconv.Atoi(apiErr.Response.Header.Get("Retry-After"))
	if err != nil {
		return 0
	}
	return secs
}

// UploadFile uploads raw bytes to the provider's Files API, returning the
// opaque file ID the file pipeline (C5) persists as UserFile.ProviderFileID
// and tools reference when they need the document/image in context.
func (c *Client) UploadFile(ctx context.Context, filename, mimeType string, content []byte) (string, error) {
	result, err := c.sdk.Beta.Files.Upload(ctx, anthropic.BetaFileUploadParams{
		File: anthropic.File(bytes.NewReader(content), filename, mimeType),
	})
	if err != nil {
		return "", fmt.Errorf("anthropic: upload file: %w", err)
	}
	return result.ID, nil
}

// DownloadFile fetches the raw bytes of a previously uploaded file — used to
// satisfy tools.FileFetcher for tools (like transcribe_audio) that need the
// bytes themselves rather than a provider-side reference.
func (c *Client) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	resp, err := c.sdk.Beta.Files.Download(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("anthropic: download file: %w", err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func buildParams(req Request) anthropic.MessageNewParams {
	system := make([]anthropic.TextBlockParam, 0, len(req.System))
	for _, b := range req.System {
		tb := anthropic.TextBlockParam{Text: b.Text}
		if b.CacheControl {
			tb.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		system = append(system, tb)
	}

	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		blocks := historyBlocks(m)
		if len(blocks) == 0 {
			continue
		}
		if m.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		} else {
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: req.MaxOutputTokens,
		System:    system,
		Messages:  messages,
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}
	if req.ThinkingBudget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamUnion{
			OfEnabled: &anthropic.ThinkingConfigEnabledParam{BudgetTokens: req.ThinkingBudget},
		}
	}
	return params
}

func historyBlocks(m HistoryMessage) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	if m.Thinking != nil {
		blocks = append(blocks, anthropic.NewThinkingBlock(m.Thinking.Signature, m.Thinking.Thinking))
	}
	if m.Text != "" {
		blocks = append(blocks, anthropic.NewTextBlock(m.Text))
	}
	if m.ToolUse != nil {
		blocks = append(blocks, anthropic.NewToolUseBlock(m.ToolUse.ID, m.ToolUse.Arguments, m.ToolUse.Name))
	}
	if m.ToolResult != nil {
		blocks = append(blocks, anthropic.ContentBlockParamUnion{
			OfToolResult: &anthropic.ToolResultBlockParam{
				ToolUseID: m.ToolResult.ToolUseID,
				IsError:   anthropic.Bool(m.ToolResult.IsError),
				Content: []anthropic.ToolResultBlockParamContentUnion{
					{OfText: &anthropic.TextBlockParam{Text: m.ToolResult.Text}},
				},
			},
		})
	}
	return blocks
}

func buildTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		var required []string
		if req, ok := spec.Schema["required"].([]string); ok {
			required = req
		}
		inputSchema := anthropic.ToolInputSchemaParam{
			Type:       constant.Object("object"),
			Properties: spec.Schema["properties"],
			Required:   required,
		}
		tool := anthropic.ToolUnionParamOfTool(inputSchema, spec.Name)
		if spec.Description != "" {
			tool.OfTool.Description = anthropic.String(spec.Description)
		}
		tools = append(tools, tool)
	}
	return tools
}

// toolCallAccumulator reassembles a tool call's streamed partial-JSON input,
// keyed by content-block index. Adapted from jarvis-term-llm's accumulator.
type toolCallAccumulator struct {
	calls   map[int64]ToolCall
	partial map[int64]*strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{calls: make(map[int64]ToolCall), partial: make(map[int64]*strings.Builder)}
}

func (a *toolCallAccumulator) Start(index int64, call ToolCall) {
	a.calls[index] = call
}

func (a *toolCallAccumulator) Append(index int64, partial string) {
	b := a.partial[index]
	if b == nil {
		b = &strings.Builder{}
		a.partial[index] = b
	}
	b.WriteString(partial)
}

func (a *toolCallAccumulator) Finish(index int64) (ToolCall, bool) {
	call, ok := a.calls[index]
	if !ok {
		return ToolCall{}, false
	}
	if b := a.partial[index]; b != nil && b.Len() > 0 {
		call.Arguments = json.RawMessage(b.String())
	}
	delete(a.calls, index)
	delete(a.partial, index)
	return call, true
}
