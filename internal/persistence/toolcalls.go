package persistence

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halvorsen/tokenbroker/internal/model"
)

// ToolCallRepo persists model.ToolCall, the turn loop's audit trail of tool
// dispatches — separate from balance_operations, which only records the
// aggregated per-turn charge.
type ToolCallRepo struct {
	pool *pgxpool.Pool
}

// CreateToolCall inserts one tool call record.
func (r *ToolCallRepo) CreateToolCall(ctx context.Context, tc model.ToolCall) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO tool_calls (id, thread_id, tool_name, input, output, status, cost_usd, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tc.ID, tc.ThreadID, tc.ToolName, nullableJSON(tc.Input), nullableJSON(tc.Output), tc.Status, tc.CostUSD, tc.CreatedAt)
	if err != nil {
		return fmt.Errorf("persistence: create tool call: %w", err)
	}
	return nil
}

// ToolCallsForThread returns every tool call made within a thread, oldest first.
func (r *ToolCallRepo) ToolCallsForThread(ctx context.Context, threadID uuid.UUID) ([]model.ToolCall, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, thread_id, tool_name, input, output, status, cost_usd, created_at
		 FROM tool_calls WHERE thread_id = $1 ORDER BY created_at`, threadID)
	if err != nil {
		return nil, fmt.Errorf("persistence: tool calls for thread: %w", err)
	}
	defer rows.Close()

	var calls []model.ToolCall
	for rows.Next() {
		var tc model.ToolCall
		if err := rows.Scan(&tc.ID, &tc.ThreadID, &tc.ToolName, &tc.Input, &tc.Output, &tc.Status, &tc.CostUSD, &tc.CreatedAt); err != nil {
			return nil, fmt.Errorf("persistence: scan tool call: %w", err)
		}
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}
