package tui

import (
	"fmt"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/symbiont-labs/cortex/internal/constants"
	"github.com/symbiont-labs/cortex/internal/highlight"
	"github.com/symbiont-labs/cortex/internal/provider"
)

// convEntry is one display line of the conversation pane, already styled
// but not yet wrapped.
type convEntry struct {
	display string
}

// highlightMarkdown highlights a full markdown text block via Chroma. The
// entire text is tokenised as one unit so multi-line constructs (fenced
// code blocks, block quotes) maintain correct state.
func highlightMarkdown(text string, fallback lipgloss.Style) []string {
	hl := highlight.Highlight(text, "markdown", constants.SyntaxTheme, "#000000")
	if hl == text {
		// Chroma produced no highlighting; apply fallback per line.
		raw := strings.Split(text, "\n")
		out := make([]string, len(raw))
		for i, line := range raw {
			out[i] = fallback.Render(line)
		}
		return out
	}
	return highlight.SplitLines(hl)
}

// styledLines applies a lipgloss style to each line of a multi-line text.
// No wrapping — lines are stored raw and wrapped at render time.
func styledLines(text string, style lipgloss.Style) []string {
	raw := strings.Split(text, "\n")
	out := make([]string, len(raw))
	for i, l := range raw {
		out[i] = style.Render(l)
	}
	return out
}

// appendLines appends styled lines as conversation entries and invalidates
// the wrap cache.
func (m *Model) appendLines(lines ...string) {
	for _, l := range lines {
		m.convEntries = append(m.convEntries, convEntry{display: l})
	}
	m.convLines = nil
}

func (m *Model) appendBlank() {
	m.appendLines(m.styles.Text.Render(""))
}

func (m *Model) appendUserEntry(content string) {
	m.appendBlank()
	m.appendLines(styledLines("> "+content, m.styles.UserText)...)
}

func (m *Model) appendAssistantEntry(reasoning, content string, calls []provider.ToolCall) {
	if reasoning != "" {
		m.appendLines(styledLines(reasoning, m.styles.Muted)...)
	}
	if content != "" {
		m.appendBlank()
		m.appendLines(highlightMarkdown(content, m.styles.Text)...)
	}
	for _, tc := range calls {
		m.appendLines(m.styles.ToolCall.Render(fmt.Sprintf("→ %s %s", tc.Name, compactArgs(string(tc.Arguments)))))
	}
}

func (m *Model) appendToolResultEntry(content string) {
	m.appendLines(m.styles.ToolCall.Render(fmt.Sprintf("← %s", firstLine(content))))
}

func (m *Model) appendNotice(text string) {
	m.appendLines(m.styles.Info.Render(text))
}

func (m *Model) appendError(text string) {
	m.appendLines(styledLines(text, m.styles.Error)...)
}

// rebuildStreamEntries replaces the in-progress streaming entries with
// fresh styled lines from the current buffers.
func (m *Model) rebuildStreamEntries() {
	if m.streamEntryStart >= 0 && m.streamEntryStart <= len(m.convEntries) {
		m.convEntries = m.convEntries[:m.streamEntryStart]
	} else {
		m.streamEntryStart = len(m.convEntries)
	}

	if m.streamingReasoning != "" {
		m.appendLines(styledLines(m.streamingReasoning, m.styles.Muted)...)
	}
	if m.streamingContent != "" {
		m.appendLines(styledLines(m.streamingContent, m.styles.Text)...)
	}
}

// finalizeStream drops the raw streaming entries; the finalized message
// arrives separately as an llmHistoryMsg and is re-rendered highlighted.
func (m *Model) finalizeStream() {
	if m.streamEntryStart >= 0 && m.streamEntryStart <= len(m.convEntries) {
		m.convEntries = m.convEntries[:m.streamEntryStart]
		m.convLines = nil
	}
	m.streaming = false
	m.streamingReasoning = ""
	m.streamingContent = ""
	m.streamEntryStart = -1
}

// wrappedConvLines returns the conversation wrapped to width. Cached until
// entries or width change.
func (m *Model) wrappedConvLines(width int) []string {
	if m.convLines != nil && m.convCachedW == width {
		return m.convLines
	}
	var lines []string
	for _, e := range m.convEntries {
		lines = append(lines, wrapANSI(e.display, width)...)
	}
	m.convLines = lines
	m.convCachedW = width
	return lines
}

// compactArgs renders tool arguments as a single trimmed line.
func compactArgs(args string) string {
	args = strings.Join(strings.Fields(args), " ")
	const max = 80
	if len(args) > max {
		return args[:max] + "…"
	}
	return args
}

// firstLine returns the first non-empty line of a tool result, trimmed.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			const max = 100
			if len(line) > max {
				return line[:max] + "…"
			}
			return line
		}
	}
	return ""
}
