package tui

import (
	"context"
	"encoding/json"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/rs/zerolog/log"
	"github.com/symbiont-labs/cortex/internal/approval"
	"github.com/symbiont-labs/cortex/internal/llm"
	"github.com/symbiont-labs/cortex/internal/mcptools"
	"github.com/symbiont-labs/cortex/internal/provider"
	"github.com/symbiont-labs/cortex/internal/store"
)

// ---------------------------------------------------------------------------
// ELM messages
// ---------------------------------------------------------------------------

// Streaming delta messages.
type llmContentDeltaMsg struct{ content string }
type llmReasoningDeltaMsg struct{ content string }

// llmHistoryMsg carries a finalized message (assistant, user, tool result)
// emitted by the agent loop.
type llmHistoryMsg struct{ msg provider.Message }

type llmUsageMsg struct {
	inputTokens  int
	outputTokens int
}

type llmNoticeMsg struct{ text string }

type llmDoneMsg struct {
	duration    time.Duration
	interrupted bool
}

type llmErrorMsg struct{ err error }

// spinnerTextMsg updates the busy-status line (sequential tool execution).
type spinnerTextMsg struct{ text string }

// todosMsg refreshes the todo panel.
type todosMsg struct{ todos []mcptools.Todo }

// approvalMsg asks the user to confirm a tool call; the answer goes back on
// req.resp.
type approvalMsg struct{ req *approvalRequest }

// batchMsg carries multiple messages drained from updateChan in one go.
type batchMsg []tea.Msg

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// waitForUpdate blocks until the turn goroutine emits at least one message,
// then drains whatever else is pending so streaming deltas coalesce per
// frame.
func (m Model) waitForUpdate() tea.Cmd {
	ch := m.updateChan
	return func() tea.Msg {
		first := <-ch
		batch := batchMsg{first}
		for {
			select {
			case msg := <-ch:
				batch = append(batch, msg)
			default:
				return batch
			}
		}
	}
}

// makeApprover builds the dispatcher's Approve hook: it parks the turn
// goroutine on a response channel while the update loop shows the modal.
// Timeout or turn cancellation count as denial.
func makeApprover(ch chan tea.Msg, timeout time.Duration) func(ctx context.Context, toolName, preview string) approval.Decision {
	return func(ctx context.Context, toolName, preview string) approval.Decision {
		req := &approvalRequest{
			toolName: toolName,
			preview:  preview,
			resp:     make(chan approval.Decision, 1),
		}
		ch <- approvalMsg{req: req}

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case d := <-req.resp:
			return d
		case <-timer.C:
			return approval.Denied
		case <-ctx.Done():
			return approval.Denied
		}
	}
}

// startTurn appends the user message to history and launches the agent loop
// on its own goroutine; everything it produces flows back through
// updateChan.
func (m *Model) startTurn(userInput string) {
	ctx, cancel := context.WithCancel(context.Background())
	m.turnCtx = ctx
	m.turnCancel = cancel
	m.turnStart = time.Now()
	m.busy = true
	m.statusText = "Thinking..."
	m.lastTurnIn, m.lastTurnOut = 0, 0

	if m.cfg.Deltas != nil {
		m.turnID++
		m.cfg.Deltas.BeginTurn(m.turnID)
	}

	userMsg := provider.Message{Role: "user", Content: userInput, CreatedAt: time.Now()}
	m.cfg.History.Append(userMsg)
	m.persist(userMsg)

	ch := m.updateChan
	cfg := m.cfg
	start := m.turnStart
	hist := cfg.History

	var pad llm.ScratchpadReader
	if cfg.Todos != nil {
		pad = cfg.Todos
	}

	go func() {
		err := llm.ProcessTurn(ctx, llm.ProcessTurnOptions{
			Provider:   cfg.Provider,
			Dispatcher: cfg.Dispatcher,
			Tools:      cfg.Tools,
			History:    hist,
			Scratchpad: pad,
			Interrupt:  cfg.Interrupt,
			OnDelta: func(evt provider.StreamEvent) {
				switch evt.Type {
				case provider.EventContentDelta:
					ch <- llmContentDeltaMsg{content: evt.Content}
				case provider.EventReasoningDelta:
					ch <- llmReasoningDeltaMsg{content: evt.Content}
				}
			},
			OnMessage: func(msg provider.Message) {
				ch <- llmHistoryMsg{msg: msg}
			},
			OnUsage: func(in, out int) {
				ch <- llmUsageMsg{inputTokens: in, outputTokens: out}
			},
			OnNotice: func(text string) {
				ch <- llmNoticeMsg{text: text}
			},
			MaxToolRounds: cfg.MaxToolRounds,
		})

		switch {
		case llm.IsInterrupted(err) || ctx.Err() != nil:
			ch <- llmDoneMsg{duration: time.Since(start), interrupted: true}
		case err != nil:
			ch <- llmErrorMsg{err: err}
		default:
			ch <- llmDoneMsg{duration: time.Since(start)}
		}
	}()
}

// persist writes a message to the session store, if one is wired.
func (m *Model) persist(msg provider.Message) {
	if m.cfg.Store == nil {
		return
	}
	stored := messageToStore(msg)
	if err := m.cfg.Store.SaveMessages(m.cfg.SessionID, []store.SessionMessage{stored}); err != nil {
		log.Warn().Err(err).Msg("failed to persist message")
	}
}

// messageToStore converts a provider.Message to a store.SessionMessage.
func messageToStore(msg provider.Message) store.SessionMessage {
	var tc json.RawMessage
	if len(msg.ToolCalls) > 0 {
		encoded, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			log.Warn().Err(err).Msg("failed to marshal tool calls")
		} else {
			tc = encoded
		}
	}
	return store.SessionMessage{
		Role:         msg.Role,
		Content:      msg.Content,
		Reasoning:    msg.Reasoning,
		ToolCalls:    tc,
		ToolCallID:   msg.ToolCallID,
		CreatedAt:    msg.CreatedAt,
		InputTokens:  msg.InputTokens,
		OutputTokens: msg.OutputTokens,
	}
}
