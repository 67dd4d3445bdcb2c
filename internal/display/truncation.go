package display

import "strings"

// MessageLimit is Telegram's per-message character limit.
const MessageLimit = 4096

// minThinkingChars is the smallest thinking budget worth displaying; below
// this, thinking is hidden entirely rather than shown as an unreadable sliver.
const minThinkingChars = 100

// safetyMargin reserves headroom for markup overhead that isn't reflected
// 1:1 in raw character count (MarkdownV2 entity escaping costs more bytes
// per visible character than HTML's three entity substitutions).
const (
	safetyMarginMD2  = 200
	safetyMarginHTML = 80
)

// TruncationManager fits rendered thinking+text into Telegram's message
// limit. Text is inviolate — it is never truncated, since it's the part the
// user is actively reading. Thinking is truncated from the beginning
// (keeping the most recent reasoning) or dropped entirely if there's no
// room left for a useful excerpt.
type TruncationManager struct {
	margin int
}

// NewTruncationManager builds a manager sized for the given parse mode's markup overhead.
func NewTruncationManager(mode ParseMode) *TruncationManager {
	margin := safetyMarginMD2
	if mode == ParseModeHTML {
		margin = safetyMarginHTML
	}
	return &TruncationManager{margin: margin}
}

// TruncateForDisplay returns (thinking, text) trimmed to fit MessageLimit.
func (t *TruncationManager) TruncateForDisplay(thinking, text string) (string, string) {
	budget := MessageLimit - t.margin
	if budget < 0 {
		budget = 0
	}

	if len(text) >= budget {
		// Text alone exceeds the budget: still never truncate text: Telegram
		// will reject it at send time, the caller must split messages
		// instead, so thinking is simply dropped.
		return "", text
	}

	remaining := budget - len(text) - 2 // account for the joining blank line
	if remaining < minThinkingChars || thinking == "" {
		return "", text
	}
	if len(thinking) <= remaining {
		return thinking, text
	}
	return truncateFromStart(thinking, remaining), text
}

// truncateFromStart keeps the last n characters, marking that earlier
// content was cut.
func truncateFromStart(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	const marker = "…\n"
	if n <= len(marker) {
		return s[len(s)-n:]
	}
	cut := s[len(s)-(n-len(marker)):]
	if idx := strings.IndexByte(cut, '\n'); idx >= 0 && idx < len(cut)/4 {
		cut = cut[idx+1:]
	}
	return marker + cut
}
