// Package sandbox runs the execute_python paid tool's guest code inside a
// memory- and time-bounded WASM module, wazero-hosted exactly as the
// teacher's skill-plugin system was, but stripped down to a single narrow
// operation: run one compiled WASM module against stdin, collect stdout,
// enforce limits, and report a structured fault on failure. The teacher's
// quarantine/hot-swap/HTTP-host-function machinery served an unrelated
// skills-marketplace feature and is dropped — see DESIGN.md.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// Fault reason codes, carried over from the teacher's deterministic fault taxonomy.
const (
	FaultTimeout        = "SANDBOX_TIMEOUT"
	FaultMemoryExceeded = "SANDBOX_MEMORY_EXCEEDED"
	FaultExecError      = "SANDBOX_FAULT"
)

// DefaultMemoryLimitPages is 160 pages = 10MB (each WASM page = 64KB).
const DefaultMemoryLimitPages = 160

// DefaultInvokeTimeout is the wall-clock limit for one execution.
const DefaultInvokeTimeout = 10 * time.Second

// MaxOutputBytes caps how much stdout is collected before truncation.
const MaxOutputBytes = 64 * 1024

// Fault is a structured error from a sandboxed run.
type Fault struct {
	Reason string
	Detail string
}

func (f *Fault) Error() string { return fmt.Sprintf("%s: %s", f.Reason, f.Detail) }

// Config controls the runtime's resource limits.
type Config struct {
	Logger           *slog.Logger
	MemoryLimitPages uint32
	InvokeTimeout    time.Duration
}

// Sandbox executes guest WASM modules with bounded memory and wall-clock time.
type Sandbox struct {
	logger        *slog.Logger
	runtime       wazero.Runtime
	invokeTimeout time.Duration
}

// New constructs a Sandbox. The caller must Close it on shutdown.
func New(ctx context.Context, cfg Config) (*Sandbox, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = DefaultMemoryLimitPages
	}
	invokeTimeout := cfg.InvokeTimeout
	if invokeTimeout == 0 {
		invokeTimeout = DefaultInvokeTimeout
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}

	return &Sandbox{logger: cfg.Logger, runtime: runtime, invokeTimeout: invokeTimeout}, nil
}

// Close releases the wazero runtime.
func (s *Sandbox) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}

// Run executes the given compiled-to-WASM guest module (interpreterBytes —
// a WASI-compatible interpreter that reads a program from stdin, e.g. a
// WASM-compiled CPython build) feeding code as its source via stdin, and
// returns collected stdout. Output beyond MaxOutputBytes is truncated.
func (s *Sandbox) Run(ctx context.Context, interpreterBytes []byte, code string) (stdout string, err error) {
	runCtx, cancel := context.WithTimeout(ctx, s.invokeTimeout)
	defer cancel()

	compiled, err := s.runtime.CompileModule(runCtx, interpreterBytes)
	if err != nil {
		return "", &Fault{Reason: FaultExecError, Detail: fmt.Sprintf("compile: %v", err)}
	}
	defer compiled.Close(runCtx)

	var out bytes.Buffer
	moduleCfg := wazero.NewModuleConfig().
		WithStdin(strings.NewReader(code)).
		WithStdout(&boundedWriter{buf: &out, limit: MaxOutputBytes}).
		WithStderr(&boundedWriter{buf: &out, limit: MaxOutputBytes})

	module, err := s.runtime.InstantiateModule(runCtx, compiled, moduleCfg)
	if err != nil {
		if fault := classifyFault(err); fault != nil {
			return out.String(), fault
		}
		return out.String(), &Fault{Reason: FaultExecError, Detail: err.Error()}
	}
	defer module.Close(runCtx)

	return out.String(), nil
}

func classifyFault(err error) *Fault {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Fault{Reason: FaultTimeout, Detail: err.Error()}
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == 0 {
			return nil
		}
		return &Fault{Reason: FaultExecError, Detail: err.Error()}
	}
	if strings.Contains(err.Error(), "memory") {
		return &Fault{Reason: FaultMemoryExceeded, Detail: err.Error()}
	}
	return &Fault{Reason: FaultExecError, Detail: err.Error()}
}

// boundedWriter caps how many bytes accumulate in buf.
type boundedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}
