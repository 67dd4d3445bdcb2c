package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/halvorsen/tokenbroker/internal/sandbox"
)

// executePythonInput is this module's supplemented paid tool — no
// original_source Python file backs it (there is no code-execution tool in
// the original implementation; execute_python is grounded instead on the
// teacher's wazero sandbox machinery, adapted in internal/sandbox).
type executePythonInput struct {
	Code string `json:"code"`
}

// NewExecutePythonDescriptor builds the paid sandboxed code-execution tool.
// interpreterBytes is a WASI-compatible interpreter module (e.g. a
// WASM-compiled CPython build) loaded once at startup; each call feeds code
// to it over stdin inside a fresh, bounded instance.
func NewExecutePythonDescriptor(sb *sandbox.Sandbox, interpreterBytes []byte) Descriptor {
	return Descriptor{
		Name:  "execute_python",
		Emoji: "🐍",
		Paid:  true,
		Description: "Execute Python code in a sandboxed, network-isolated environment. Use for data processing, " +
			"calculations, and file manipulation the model cannot do reliably in its head. Output is captured stdout/stderr, " +
			"truncated past 64KB. No network access; memory and wall-clock time are bounded.",
		Schema: map[string]any{
			"properties": map[string]any{
				"code": map[string]any{"type": "string", "description": "Python source to execute"},
			},
			"required": []string{"code"},
		},
		Executor: func(ctx context.Context, raw json.RawMessage) (Result, error) {
			var in executePythonInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return Result{Text: fmt.Sprintf("invalid input: %v", err), IsError: true}, nil
			}
			if in.Code == "" {
				return Result{Text: "code cannot be empty", IsError: true}, nil
			}

			stdout, err := sb.Run(ctx, interpreterBytes, in.Code)
			if err != nil {
				var fault *sandbox.Fault
				if errors.As(err, &fault) {
					return Result{Text: fmt.Sprintf("%s: %s\n\noutput so far:\n%s", fault.Reason, fault.Detail, stdout), IsError: true}, nil
				}
				return Result{}, fmt.Errorf("execute_python: %w", err)
			}
			return Result{Text: stdout}, nil
		},
	}
}
