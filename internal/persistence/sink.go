package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/halvorsen/tokenbroker/internal/model"
	"github.com/halvorsen/tokenbroker/internal/queue"
)

// Entry kinds the write-behind queue carries. The turn loop and channels
// package enqueue these; Sink is what eventually writes them to Postgres.
const (
	KindMessage  = "message"
	KindToolCall = "tool_call"
	KindFile     = "user_file"
)

// Sink adapts DB into a queue.Sink: each entry is persisted individually so
// one bad row doesn't fail its batch-mates, matching the original's
// best-effort flush semantics.
func (db *DB) Sink(logger *slog.Logger) queue.Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, entries []queue.Entry) ([]queue.Entry, error) {
		var failed []queue.Entry
		for _, e := range entries {
			if err := db.applyEntry(ctx, e); err != nil {
				logger.Error("persistence sink: entry failed", "kind", e.Kind, "error", err)
				failed = append(failed, e)
			}
		}
		return failed, nil
	}
}

func (db *DB) applyEntry(ctx context.Context, e queue.Entry) error {
	switch e.Kind {
	case KindMessage:
		var m model.Message
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			return fmt.Errorf("persistence: decode message entry: %w", err)
		}
		return db.Messages.CreateMessage(ctx, m)
	case KindToolCall:
		var tc model.ToolCall
		if err := json.Unmarshal(e.Payload, &tc); err != nil {
			return fmt.Errorf("persistence: decode tool call entry: %w", err)
		}
		return db.ToolCalls.CreateToolCall(ctx, tc)
	case KindFile:
		var f model.UserFile
		if err := json.Unmarshal(e.Payload, &f); err != nil {
			return fmt.Errorf("persistence: decode file entry: %w", err)
		}
		return db.Files.CreateFile(ctx, f)
	default:
		return fmt.Errorf("persistence: unknown write-behind entry kind %q", e.Kind)
	}
}
