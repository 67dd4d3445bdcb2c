// Package display implements the streaming display buffer (C8): an ordered
// list of typed text/thinking blocks, rendered to Telegram's MarkdownV2 (or
// legacy HTML) with smart length-aware truncation. Grounded on
// original_source/bot/telegram/streaming/formatting.py; types.py and
// display_manager.py were filtered out of the retrieval pack, so the
// DisplayManager's block-merging and text-block-extraction behavior below is
// rebuilt from formatting.py's documented contract and spec.md §4.8.
package display

import "strings"

// Kind classifies a Block.
type Kind int

const (
	KindText Kind = iota
	KindThinking
)

// Block is one run of same-kind streamed content.
type Block struct {
	Kind    Kind
	Content string
}

// Manager owns the ordered block list for one in-flight turn. Appending
// content of the same kind as the last block merges into it; a different
// kind starts a new block.
type Manager struct {
	blocks []Block
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{}
}

// AppendText appends a text delta, merging into the last block if it's also text.
func (m *Manager) AppendText(delta string) {
	m.append(KindText, delta)
}

// AppendThinking appends a thinking delta, merging into the last block if it's also thinking.
func (m *Manager) AppendThinking(delta string) {
	m.append(KindThinking, delta)
}

func (m *Manager) append(kind Kind, delta string) {
	if delta == "" {
		return
	}
	if n := len(m.blocks); n > 0 && m.blocks[n-1].Kind == kind {
		m.blocks[n-1].Content += delta
		return
	}
	m.blocks = append(m.blocks, Block{Kind: kind, Content: delta})
}

// Blocks returns the full ordered block list.
func (m *Manager) Blocks() []Block {
	return m.blocks
}

// TextBlocks returns only the text-kind blocks, for the final (non-streaming) render.
func (m *Manager) TextBlocks() []Block {
	var out []Block
	for _, b := range m.blocks {
		if b.Kind == KindText {
			out = append(out, b)
		}
	}
	return out
}

// FullText concatenates all text-kind block content, for cost/logging use
// independent of rendering (e.g. persisting the assistant message).
func (m *Manager) FullText() string {
	var sb strings.Builder
	for _, b := range m.blocks {
		if b.Kind == KindText {
			sb.WriteString(b.Content)
		}
	}
	return sb.String()
}
