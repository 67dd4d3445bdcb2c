package cache

import (
	"strconv"
	"time"
)

// Key TTLs, matching original_source/bot/cache/batch.py's per-kind expirations.
const (
	UserTTL     = 60 * time.Second
	ThreadTTL   = time.Hour
	MessagesTTL = time.Hour
	FilesTTL    = time.Hour
	BalanceTTL  = 60 * time.Second
)

// Key builders. Keys are opaque outside this package — callers never
// construct a Redis key by hand.
func UserKey(userID int64) string     { return keyf("user", userID) }
func ThreadKey(threadID string) string { return keyf("thread", threadID) }
func MessagesKey(threadID string) string { return keyf("messages", threadID) }
func FilesKey(threadID string) string { return keyf("files", threadID) }
func BalanceKey(userID int64) string  { return keyf("balance", userID) }

func keyf(prefix string, id interface{}) string {
	return prefix + ":" + toStr(id)
}

func toStr(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}
