package persistence

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halvorsen/tokenbroker/internal/model"
)

// MessageRepo persists model.Message, the conversation history context
// assembly (internal/llmcontext) reads back from.
type MessageRepo struct {
	pool *pgxpool.Pool
}

// CreateMessage inserts one message row.
func (r *MessageRepo) CreateMessage(ctx context.Context, m model.Message) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, thread_id, role, content, raw_blocks, tokens, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.ThreadID, m.Role, m.Content, nullableJSON(m.RawBlocks), m.Tokens, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("persistence: create message: %w", err)
	}
	return nil
}

// RecentMessages returns the most recent messages for a thread, newest first
// — the order internal/llmcontext.BuildWindow expects before it walks
// backward and reverses into chronological order.
func (r *MessageRepo) RecentMessages(ctx context.Context, threadID uuid.UUID, limit int) ([]model.Message, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, thread_id, role, content, raw_blocks, tokens, created_at
		 FROM messages WHERE thread_id = $1 ORDER BY created_at DESC LIMIT $2`,
		threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("persistence: recent messages: %w", err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.RawBlocks, &m.Tokens, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("persistence: scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// nullableJSON returns nil for an empty slice so the column stores SQL NULL
// rather than an empty JSONB value.
func nullableJSON(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
