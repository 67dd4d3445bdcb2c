package persistence

import (
	"context"
	"fmt"
)

// schemaStatements creates every table this module needs. All statements are
// idempotent, matching the Init pattern in nevindra-oasis/store/postgres.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGINT PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		balance_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		privileged BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS chats (
		id BIGINT PRIMARY KEY,
		is_forum BOOLEAN NOT NULL DEFAULT FALSE
	)`,

	`CREATE TABLE IF NOT EXISTS threads (
		id UUID PRIMARY KEY,
		chat_id BIGINT NOT NULL REFERENCES chats(id),
		user_id BIGINT NOT NULL REFERENCES users(id),
		telegram_topic_id INTEGER NOT NULL DEFAULT 0,
		title TEXT NOT NULL DEFAULT '',
		needs_topic_naming BOOLEAN NOT NULL DEFAULT FALSE,
		custom_prompt TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS threads_chat_topic_idx ON threads(chat_id, telegram_topic_id)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY,
		thread_id UUID NOT NULL REFERENCES threads(id),
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		raw_blocks JSONB,
		tokens INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS messages_thread_idx ON messages(thread_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS user_files (
		id UUID PRIMARY KEY,
		thread_id UUID NOT NULL REFERENCES threads(id),
		file_name TEXT NOT NULL,
		mime_type TEXT NOT NULL,
		size_bytes BIGINT NOT NULL,
		provider_file_id TEXT NOT NULL,
		uploaded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS user_files_thread_idx ON user_files(thread_id)`,
	`CREATE INDEX IF NOT EXISTS user_files_provider_id_idx ON user_files(provider_file_id)`,

	`CREATE TABLE IF NOT EXISTS tool_calls (
		id UUID PRIMARY KEY,
		thread_id UUID NOT NULL REFERENCES threads(id),
		tool_name TEXT NOT NULL,
		input JSONB,
		output JSONB,
		status TEXT NOT NULL,
		cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS tool_calls_thread_idx ON tool_calls(thread_id)`,

	`CREATE TABLE IF NOT EXISTS payments (
		id UUID PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id),
		provider_payment_id TEXT NOT NULL UNIQUE,
		amount_usd DOUBLE PRECISION NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS balance_operations (
		id UUID PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id),
		kind TEXT NOT NULL,
		amount_usd DOUBLE PRECISION NOT NULL,
		balance_before DOUBLE PRECISION NOT NULL,
		balance_after DOUBLE PRECISION NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		related_payment UUID REFERENCES payments(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS balance_operations_user_idx ON balance_operations(user_id, created_at)`,
}

// Init creates every table and index this module needs. Safe to call on
// every startup.
func (db *DB) Init(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("persistence: init: %w", err)
		}
	}
	return nil
}
