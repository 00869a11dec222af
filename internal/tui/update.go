package tui

import (
	"fmt"
	"strings"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/symbiont-labs/cortex/internal/approval"
)

// Update is the bubbletea message dispatcher.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.SetWidth(max(1, m.width-4))
		m.input.SetHeight(inputHeight)
		m.convLines = nil
		return m, nil

	case batchMsg:
		for _, inner := range msg {
			m.handleTurnMsg(inner)
		}
		return m, m.waitForUpdate()

	case tea.KeyPressMsg:
		return m.handleKey(msg)
	}

	// Everything else (spinner ticks, cursor blink, paste) flows to the
	// sub-models.
	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	cmds = append(cmds, cmd)
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// handleKey routes keyboard input: the approval modal eats keys first, then
// global chords, then the input editor.
func (m Model) handleKey(msg tea.KeyPressMsg) (tea.Model, tea.Cmd) {
	key := msg.Keystroke()

	if m.approval != nil {
		return m.handleApprovalKey(key)
	}

	switch key {
	case "ctrl+c":
		if m.busy {
			m.cancelTurn()
			return m, nil
		}
		return m, tea.Quit

	case "esc":
		if m.busy {
			m.cancelTurn()
		}
		return m, nil

	case "enter":
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return m, nil
		}
		m.input.Reset()
		if m.busy {
			// Mid-turn input becomes a pending instruction.
			if m.cfg.Interrupt != nil {
				m.cfg.Interrupt.PushInstruction(text)
			}
			m.appendNotice("Queued: " + text)
			m.scrollOffset = 0
			return m, nil
		}
		m.appendUserEntry(text)
		m.scrollOffset = 0
		m.startTurn(text)
		return m, nil

	case "shift+enter", "alt+enter":
		// Literal newline in the input box.
		m.input.InsertText("\n")
		return m, nil

	case "ctrl+z":
		if !m.busy {
			m.undoLastTurn()
		}
		return m, nil

	case "pgup":
		m.scrollOffset += m.convHeight() / 2
		m.clampScroll()
		return m, nil

	case "pgdown":
		m.scrollOffset -= m.convHeight() / 2
		m.clampScroll()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// handleApprovalKey answers the pending ConfirmAction prompt.
func (m Model) handleApprovalKey(key string) (tea.Model, tea.Cmd) {
	var decision approval.Decision
	switch key {
	case "y", "Y":
		decision = approval.Allowed
	case "a", "A":
		decision = approval.AllowedAlways
	case "n", "N", "esc":
		decision = approval.Denied
	default:
		return m, nil
	}

	req := m.approval
	m.approval = nil
	req.resp <- decision

	switch decision {
	case approval.Denied:
		m.appendNotice(fmt.Sprintf("Denied %s", req.toolName))
	case approval.AllowedAlways:
		m.appendNotice(fmt.Sprintf("Always allowing %s", req.toolName))
	}
	return m, nil
}

// undoLastTurn restores files changed by the most recent turn from the
// delta log.
func (m *Model) undoLastTurn() {
	if m.cfg.Deltas == nil || m.turnID == 0 {
		m.appendNotice("Nothing to undo.")
		return
	}
	files, err := m.cfg.Deltas.Undo(m.cfg.SessionID, m.turnID)
	if err != nil {
		m.appendError("Undo failed: " + err.Error())
		return
	}
	m.turnID--
	if len(files) == 0 {
		m.appendNotice("Nothing to undo.")
		return
	}
	m.appendNotice(fmt.Sprintf("Restored %d file(s): %s", len(files), strings.Join(files, ", ")))
}

// cancelTurn signals both the interrupt bus (so the loop sees a user
// cancel) and the turn context (so transports release promptly).
func (m *Model) cancelTurn() {
	if m.cfg.Interrupt != nil {
		m.cfg.Interrupt.PushCancel()
	}
	if m.turnCancel != nil {
		m.turnCancel()
	}
	m.statusText = "Cancelling..."
}

// handleTurnMsg folds one message from the turn goroutine into the view.
func (m *Model) handleTurnMsg(msg tea.Msg) {
	switch msg := msg.(type) {
	case llmContentDeltaMsg:
		if !m.streaming {
			m.streaming = true
			m.streamEntryStart = len(m.convEntries)
		}
		m.streamingContent += msg.content
		m.rebuildStreamEntries()
		m.scrollOffset = 0

	case llmReasoningDeltaMsg:
		if !m.streaming {
			m.streaming = true
			m.streamEntryStart = len(m.convEntries)
		}
		m.streamingReasoning += msg.content
		m.rebuildStreamEntries()
		m.scrollOffset = 0

	case llmHistoryMsg:
		m.persist(msg.msg)
		switch msg.msg.Role {
		case "assistant":
			m.finalizeStream()
			m.appendAssistantEntry(msg.msg.Reasoning, msg.msg.Content, msg.msg.ToolCalls)
		case "tool":
			m.appendToolResultEntry(msg.msg.Content)
			m.statusText = "Thinking..."
		case "user":
			// Synthesized turn-internal messages (nudge, pending instruction).
			m.appendUserEntry(msg.msg.Content)
		}
		m.scrollOffset = 0

	case llmUsageMsg:
		m.lastTurnIn += msg.inputTokens
		m.lastTurnOut += msg.outputTokens
		m.contextPercent = m.cfg.History.CurrentContextPercent()

	case llmNoticeMsg:
		m.appendNotice(msg.text)

	case spinnerTextMsg:
		m.statusText = msg.text

	case todosMsg:
		m.todos = msg.todos

	case approvalMsg:
		m.approval = msg.req

	case llmDoneMsg:
		m.finalizeStream()
		m.busy = false
		m.approval = nil
		m.statusText = ""
		if m.cfg.Interrupt != nil {
			m.cfg.Interrupt.Flush()
		}
		if msg.interrupted {
			m.appendNotice("Interrupted.")
		} else {
			m.appendLines(m.styles.Dim.Render(
				fmt.Sprintf("— %s · %d in / %d out tokens", roundDuration(msg.duration), m.lastTurnIn, m.lastTurnOut)))
		}

	case llmErrorMsg:
		m.finalizeStream()
		m.busy = false
		m.approval = nil
		m.statusText = ""
		m.appendError("Error: " + msg.err.Error())
	}
}

func roundDuration(d time.Duration) time.Duration {
	if d > time.Second {
		return d.Round(100 * time.Millisecond)
	}
	return d.Round(time.Millisecond)
}

func (m *Model) clampScroll() {
	if m.scrollOffset < 0 {
		m.scrollOffset = 0
	}
	lines := len(m.wrappedConvLines(m.convWidth()))
	if maxOff := lines - 1; m.scrollOffset > maxOff && maxOff >= 0 {
		m.scrollOffset = maxOff
	}
}
