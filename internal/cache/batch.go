package cache

import (
	"context"
	"encoding/json"
)

// UserContext is the batched cache-aside read result for a (user, thread)
// pair: one pipelined round trip instead of four serial gets. Mirrors
// original_source/bot/cache/batch.py's UserContext dataclass.
type UserContext struct {
	User        json.RawMessage
	Thread      json.RawMessage
	Messages    json.RawMessage
	Files       json.RawMessage
	CacheHits   int
	CacheMisses int
}

// GetUserContextBatch fetches the user/thread/messages/files cache entries
// in a single pipeline round trip.
func (c *Client) GetUserContextBatch(ctx context.Context, userID int64, threadID string) (UserContext, error) {
	keys := []string{
		UserKey(userID),
		ThreadKey(threadID),
		MessagesKey(threadID),
		FilesKey(threadID),
	}
	vals, err := c.MultiGet(ctx, keys)
	if err != nil {
		return UserContext{}, err
	}

	out := UserContext{}
	if v, ok := vals[keys[0]]; ok {
		out.User = json.RawMessage(v)
		out.CacheHits++
	} else {
		out.CacheMisses++
	}
	if v, ok := vals[keys[1]]; ok {
		out.Thread = json.RawMessage(v)
		out.CacheHits++
	} else {
		out.CacheMisses++
	}
	if v, ok := vals[keys[2]]; ok {
		out.Messages = json.RawMessage(v)
		out.CacheHits++
	} else {
		out.CacheMisses++
	}
	if v, ok := vals[keys[3]]; ok {
		out.Files = json.RawMessage(v)
		out.CacheHits++
	} else {
		out.CacheMisses++
	}
	return out, nil
}

// SetUserContextBatch writes back all four entries in a single pipeline,
// each with its own TTL, matching set_user_context_batch.
func (c *Client) SetUserContextBatch(ctx context.Context, userID int64, threadID string, user, thread, messages, files []byte) error {
	entries := []MultiSetEntry{
		{Key: UserKey(userID), Value: string(user), TTL: UserTTL},
		{Key: ThreadKey(threadID), Value: string(thread), TTL: ThreadTTL},
		{Key: MessagesKey(threadID), Value: string(messages), TTL: MessagesTTL},
		{Key: FilesKey(threadID), Value: string(files), TTL: FilesTTL},
	}
	return c.MultiSet(ctx, entries)
}
