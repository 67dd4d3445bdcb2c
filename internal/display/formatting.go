package display

import (
	"regexp"
	"strings"
)

// ParseMode selects Telegram's rendering mode.
type ParseMode string

const (
	ParseModeMarkdownV2 ParseMode = "MarkdownV2"
	ParseModeHTML       ParseMode = "HTML"
)

// DefaultParseMode matches the original's default.
const DefaultParseMode = ParseModeMarkdownV2

// EscapeMarkdownV2 escapes MarkdownV2's reserved characters, adapted from
// the teacher's escapeMarkdownV2 (internal/channels/telegram.go).
func EscapeMarkdownV2(s string) string {
	const specialChars = "_*[]()~>#+-=|{}.!\\"
	var sb strings.Builder
	sb.Grow(len(s) * 2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.IndexByte(specialChars, c) >= 0 {
			sb.WriteByte('\\')
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

// toolMarkerPattern matches inline tool/system markers like "[🐍 execute_python]"
// or "[✅ done]" so the final rendered text can have them stripped, per
// strip_tool_markers in formatting.py.
var toolMarkerPattern = regexp.MustCompile(`\n?\[(?:📄|🐍|🎨|🔍|📤|✅|❌|🌐|📎|🖼️|🎤)[^\]]*\]\n?`)

var collapseNewlines = regexp.MustCompile(`\n{3,}`)

// StripToolMarkers removes tool-call/status markers from a final response,
// leaving clean prose.
func StripToolMarkers(text string) string {
	cleaned := toolMarkerPattern.ReplaceAllString(text, "\n")
	cleaned = collapseNewlines.ReplaceAllString(cleaned, "\n\n")
	return strings.TrimSpace(cleaned)
}

// FormatExpandableBlockquoteMD2 wraps content in a MarkdownV2 expandable
// blockquote (each line prefixed with ">", final line with "||>" — Telegram's
// syntax for a collapsed-by-default quote).
func FormatExpandableBlockquoteMD2(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = ">" + line
	}
	if len(lines) > 0 {
		lines[len(lines)-1] += "||"
	}
	return strings.Join(lines, "\n")
}

// FormatExpandableBlockquoteHTML wraps content in Telegram's HTML expandable blockquote.
func FormatExpandableBlockquoteHTML(content string) string {
	return "<blockquote expandable>" + content + "</blockquote>"
}

// FormatBlocks renders blocks for Telegram display. During streaming,
// thinking blocks are collected into one collapsed blockquote above the
// concatenated text blocks; the final (non-streaming) render includes only
// text. Output is passed through TruncationManager when streaming, since
// Telegram enforces a 4096-character message limit.
func FormatBlocks(blocks []Block, isStreaming bool, mode ParseMode) string {
	var thinkingParts, textParts []string

	for _, b := range blocks {
		content := strings.TrimSpace(b.Content)
		if content == "" {
			continue
		}
		switch b.Kind {
		case KindThinking:
			if !isStreaming {
				continue // thinking is never shown in the final message
			}
			if mode == ParseModeHTML {
				content = escapeHTML(content)
			}
			if strings.HasPrefix(content, "[") {
				thinkingParts = append(thinkingParts, content)
			} else {
				thinkingParts = append(thinkingParts, "🧠 "+content)
			}
		case KindText:
			if mode == ParseModeHTML {
				content = escapeHTML(content)
			}
			textParts = append(textParts, content)
		}
	}

	var thinkingRendered, textRendered string
	if len(thinkingParts) > 0 {
		joined := strings.Join(thinkingParts, "\n\n")
		if mode == ParseModeHTML {
			thinkingRendered = FormatExpandableBlockquoteHTML(joined)
		} else {
			thinkingRendered = FormatExpandableBlockquoteMD2(joined)
		}
	}
	if len(textParts) > 0 {
		raw := strings.Join(textParts, "\n\n")
		if mode == ParseModeMarkdownV2 {
			textRendered = EscapeMarkdownV2(raw)
		} else {
			textRendered = raw
		}
	}

	if isStreaming && (thinkingRendered != "" || textRendered != "") {
		tm := NewTruncationManager(mode)
		thinkingRendered, textRendered = tm.TruncateForDisplay(thinkingRendered, textRendered)
	}

	var parts []string
	if thinkingRendered != "" {
		parts = append(parts, thinkingRendered)
	}
	if textRendered != "" {
		parts = append(parts, textRendered)
	}
	result := strings.Join(parts, "\n\n")
	return collapseNewlines.ReplaceAllString(result, "\n\n")
}

// FormatFinalText renders only the text blocks (no thinking), with tool
// markers stripped, for the message left behind once streaming ends.
func FormatFinalText(m *Manager, mode ParseMode) string {
	formatted := FormatBlocks(m.TextBlocks(), false, mode)
	return StripToolMarkers(formatted)
}

func escapeHTML(s string) string {
	replacer := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return replacer.Replace(s)
}
