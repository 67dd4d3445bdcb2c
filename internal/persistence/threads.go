package persistence

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halvorsen/tokenbroker/internal/model"
)

// ThreadRepo persists model.Chat and model.Thread.
type ThreadRepo struct {
	pool *pgxpool.Pool
}

// EnsureChat inserts a chat row if it doesn't exist yet.
func (r *ThreadRepo) EnsureChat(ctx context.Context, chatID int64, isForum bool) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO chats (id, is_forum) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET is_forum = EXCLUDED.is_forum`,
		chatID, isForum)
	if err != nil {
		return fmt.Errorf("persistence: ensure chat: %w", err)
	}
	return nil
}

// CreateThread inserts a new thread.
func (r *ThreadRepo) CreateThread(ctx context.Context, t model.Thread) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO threads (id, chat_id, user_id, telegram_topic_id, title, needs_topic_naming, custom_prompt, model, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.ChatID, t.UserID, t.TelegramTopicID, t.Title, t.NeedsTopicNaming, t.CustomPrompt, t.Model, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("persistence: create thread: %w", err)
	}
	return nil
}

// GetThread returns a thread by ID.
func (r *ThreadRepo) GetThread(ctx context.Context, id uuid.UUID) (model.Thread, bool, error) {
	var t model.Thread
	err := r.pool.QueryRow(ctx,
		`SELECT id, chat_id, user_id, telegram_topic_id, title, needs_topic_naming, custom_prompt, model, created_at, updated_at
		 FROM threads WHERE id = $1`, id,
	).Scan(&t.ID, &t.ChatID, &t.UserID, &t.TelegramTopicID, &t.Title, &t.NeedsTopicNaming, &t.CustomPrompt, &t.Model, &t.CreatedAt, &t.UpdatedAt)
	if err == pgx.ErrNoRows {
		return model.Thread{}, false, nil
	}
	if err != nil {
		return model.Thread{}, false, fmt.Errorf("persistence: get thread: %w", err)
	}
	return t, true, nil
}

// FindThreadByTopic locates the thread mapped to a forum chat's Telegram
// topic, or a chat's single implicit thread when topicID is 0.
func (r *ThreadRepo) FindThreadByTopic(ctx context.Context, chatID int64, topicID int) (model.Thread, bool, error) {
	var t model.Thread
	err := r.pool.QueryRow(ctx,
		`SELECT id, chat_id, user_id, telegram_topic_id, title, needs_topic_naming, custom_prompt, model, created_at, updated_at
		 FROM threads WHERE chat_id = $1 AND telegram_topic_id = $2`, chatID, topicID,
	).Scan(&t.ID, &t.ChatID, &t.UserID, &t.TelegramTopicID, &t.Title, &t.NeedsTopicNaming, &t.CustomPrompt, &t.Model, &t.CreatedAt, &t.UpdatedAt)
	if err == pgx.ErrNoRows {
		return model.Thread{}, false, nil
	}
	if err != nil {
		return model.Thread{}, false, fmt.Errorf("persistence: find thread by topic: %w", err)
	}
	return t, true, nil
}

// UpdateThreadTitle sets a thread's title and clears needs_topic_naming,
// the operation topicnaming's background job performs once it names a thread.
func (r *ThreadRepo) UpdateThreadTitle(ctx context.Context, id uuid.UUID, title string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE threads SET title = $1, needs_topic_naming = FALSE, updated_at = now() WHERE id = $2`,
		title, id)
	if err != nil {
		return fmt.Errorf("persistence: update thread title: %w", err)
	}
	return nil
}

// UpdateThreadPrompt sets a thread's custom system prompt override.
func (r *ThreadRepo) UpdateThreadPrompt(ctx context.Context, id uuid.UUID, customPrompt string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE threads SET custom_prompt = $1, updated_at = now() WHERE id = $2`,
		customPrompt, id)
	if err != nil {
		return fmt.Errorf("persistence: update thread prompt: %w", err)
	}
	return nil
}

// UpdateThreadModel sets a thread's pinned model override.
func (r *ThreadRepo) UpdateThreadModel(ctx context.Context, id uuid.UUID, modelID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE threads SET model = $1, updated_at = now() WHERE id = $2`,
		modelID, id)
	if err != nil {
		return fmt.Errorf("persistence: update thread model: %w", err)
	}
	return nil
}

// ListThreadsNeedingTopicName returns threads flagged for naming, oldest first.
func (r *ThreadRepo) ListThreadsNeedingTopicName(ctx context.Context, limit int) ([]model.Thread, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, chat_id, user_id, telegram_topic_id, title, needs_topic_naming, custom_prompt, model, created_at, updated_at
		 FROM threads WHERE needs_topic_naming = TRUE ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("persistence: list threads needing topic name: %w", err)
	}
	defer rows.Close()

	var threads []model.Thread
	for rows.Next() {
		var t model.Thread
		if err := rows.Scan(&t.ID, &t.ChatID, &t.UserID, &t.TelegramTopicID, &t.Title, &t.NeedsTopicNaming, &t.CustomPrompt, &t.Model, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("persistence: scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}
