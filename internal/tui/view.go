package tui

import (
	"fmt"
	"strings"

	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
	"github.com/symbiont-labs/cortex/internal/mcptools"
)

// inputHeight is the fixed height of the input box in rows.
const inputHeight = 3

// maxTodoLines bounds the todo panel so a long plan doesn't crowd out the
// conversation.
const maxTodoLines = 5

func (m Model) convWidth() int {
	if m.width <= 2 {
		return 80
	}
	return m.width - 2
}

// convHeight is the number of rows available for the conversation pane.
func (m Model) convHeight() int {
	h := m.height - inputHeight - 2 // status line + divider
	h -= m.todoPanelHeight()
	if h < 1 {
		h = 1
	}
	return h
}

func (m Model) todoPanelHeight() int {
	if len(m.todos) == 0 {
		return 0
	}
	n := len(m.todos)
	if n > maxTodoLines {
		n = maxTodoLines
	}
	return n + 1 // header line
}

// View renders the whole screen.
func (m Model) View() tea.View {
	var content string
	if m.approval != nil {
		content = m.renderApprovalModal()
	} else {
		content = m.renderMain()
	}
	v := tea.NewView(content)
	v.AltScreen = true
	return v
}

func (m Model) renderMain() string {
	var b strings.Builder

	b.WriteString(m.renderConversation())
	b.WriteByte('\n')
	if panel := m.renderTodos(); panel != "" {
		b.WriteString(panel)
		b.WriteByte('\n')
	}
	b.WriteString(m.styles.Border.Render(strings.Repeat("─", max(1, m.width))))
	b.WriteByte('\n')
	b.WriteString(m.input.View())
	b.WriteByte('\n')
	b.WriteString(m.renderStatus())

	return b.String()
}

// renderConversation shows the tail of the wrapped conversation, honoring
// the scroll offset.
func (m Model) renderConversation() string {
	width := m.convWidth()
	height := m.convHeight()
	lines := m.wrappedConvLines(width)

	end := len(lines) - m.scrollOffset
	if end > len(lines) {
		end = len(lines)
	}
	if end < 0 {
		end = 0
	}
	start := end - height
	if start < 0 {
		start = 0
	}
	visible := lines[start:end]

	var b strings.Builder
	for i := 0; i < height; i++ {
		if i < height-len(visible) {
			b.WriteString(m.styles.BgFill.Render(""))
		} else {
			b.WriteString(visible[i-(height-len(visible))])
		}
		if i < height-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func (m Model) renderTodos() string {
	if len(m.todos) == 0 {
		return ""
	}
	done := 0
	for _, t := range m.todos {
		if t.Status == mcptools.TodoCompleted {
			done++
		}
	}

	var b strings.Builder
	b.WriteString(m.styles.Dim.Render(fmt.Sprintf("Plan (%d/%d done)", done, len(m.todos))))
	shown := 0
	for _, t := range m.todos {
		if shown >= maxTodoLines {
			break
		}
		mark, style := "·", m.styles.Muted
		switch t.Status {
		case mcptools.TodoInProgress:
			mark, style = "▸", m.styles.Text
		case mcptools.TodoCompleted:
			mark, style = "✓", m.styles.Dim
		}
		b.WriteByte('\n')
		b.WriteString(style.Render(fmt.Sprintf(" %s %s", mark, t.Content)))
		shown++
	}
	return b.String()
}

func (m Model) renderStatus() string {
	var parts []string
	if m.busy {
		parts = append(parts, m.spinner.View()+m.styles.StatusText.Render(" "+m.statusOrDefault()))
	} else {
		parts = append(parts, m.styles.StatusText.Render("ready"))
	}
	parts = append(parts, m.styles.StatusText.Render(m.cfg.ProviderName+"/"+m.cfg.ModelID))
	if m.contextPercent > 0 {
		parts = append(parts, m.styles.StatusText.Render(fmt.Sprintf("ctx %.0f%%", m.contextPercent)))
	}
	if sid := m.cfg.SessionID; len(sid) >= 8 {
		parts = append(parts, m.styles.StatusText.Render("session "+sid[:8]))
	}
	return strings.Join(parts, m.styles.Dim.Render("  ·  "))
}

func (m Model) statusOrDefault() string {
	if m.statusText == "" {
		return "Working..."
	}
	return m.statusText
}

// renderApprovalModal draws the ConfirmAction prompt centered on screen.
func (m Model) renderApprovalModal() string {
	req := m.approval

	preview := req.preview
	const maxPreview = 600
	if len(preview) > maxPreview {
		preview = preview[:maxPreview] + "…"
	}

	width := m.width * 2 / 3
	if width < 40 {
		width = max(40, m.width-4)
	}
	inner := lipgloss.NewStyle().Width(width - 6)

	body := strings.Join([]string{
		m.styles.ModalTitle.Render(fmt.Sprintf("Allow %s?", req.toolName)),
		"",
		inner.Inherit(m.styles.Text).Render(preview),
		"",
		m.styles.ModalKeys.Render("[y] yes once   [a] always   [n] no"),
	}, "\n")

	box := m.styles.ModalBorder.Width(width).Render(body)
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
}
