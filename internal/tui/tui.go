// Package tui is the terminal front end of the agent: a bubbletea program
// that captures user input, streams assistant output, shows tool activity,
// prompts for approvals, and feeds cancels and mid-turn instructions to the
// interrupt bus while a turn is running.
package tui

import (
	"context"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
	"github.com/symbiont-labs/cortex/internal/approval"
	"github.com/symbiont-labs/cortex/internal/delta"
	"github.com/symbiont-labs/cortex/internal/dispatcher"
	"github.com/symbiont-labs/cortex/internal/history"
	"github.com/symbiont-labs/cortex/internal/interrupt"
	"github.com/symbiont-labs/cortex/internal/mcp"
	"github.com/symbiont-labs/cortex/internal/mcptools"
	"github.com/symbiont-labs/cortex/internal/provider"
	"github.com/symbiont-labs/cortex/internal/store"
	"github.com/symbiont-labs/cortex/internal/tui/editor"
)

// defaultApprovalTimeout is how long an approval prompt waits before
// assuming denial.
const defaultApprovalTimeout = 5 * time.Minute

// Config wires the agent core into the TUI.
type Config struct {
	Provider     provider.Provider
	Dispatcher   *dispatcher.Dispatcher
	Tools        []mcp.Tool
	History      *history.Store
	Interrupt    *interrupt.Bus
	Store        *store.Cache // may be nil: no persistence
	SessionID    string
	ModelID      string
	ProviderName string
	SystemPrompt string
	Todos        *mcptools.TodoList
	Deltas       *delta.Tracker     // may be nil: no undo support
	Resume       []provider.Message // prior session messages to replay into the view

	// MaxToolRounds bounds tool rounds per user turn; zero uses the agent
	// loop's default.
	MaxToolRounds int

	// ApprovalTimeout overrides the default 5-minute approval deadline.
	ApprovalTimeout time.Duration

	// AutoApprove skips the approval modal entirely (non-interactive runs);
	// the dispatcher auto-allows every call.
	AutoApprove bool
}

// approvalRequest is one pending ConfirmAction prompt, answered through resp.
type approvalRequest struct {
	toolName string
	preview  string
	resp     chan approval.Decision
}

// Model is the top-level TUI model.
type Model struct {
	cfg Config

	// Terminal dimensions
	width, height int

	// Sub-models
	spinner spinner.Model
	input   editor.Model

	styles Styles

	// Conversation display
	convEntries  []convEntry
	convLines    []string // wrapped cache
	convCachedW  int
	scrollOffset int // lines from bottom (0 = pinned)

	// Streaming state
	streaming          bool
	streamingReasoning string
	streamingContent   string
	streamEntryStart   int // index into convEntries where stream entries begin (-1 = none)

	// Turn state
	busy       bool
	turnCtx    context.Context
	turnCancel context.CancelFunc
	turnStart  time.Time
	turnID     int64 // monotonically increasing; keys undo deltas
	statusText string

	// Pending approval modal (nil when none)
	approval *approvalRequest

	// Status data
	todos          []mcptools.Todo
	contextPercent float64
	lastTurnIn     int
	lastTurnOut    int

	updateChan chan tea.Msg
}

// New creates the TUI model and registers the callbacks that bridge the
// agent core's worker goroutine into the bubbletea update loop.
func New(cfg Config) Model {
	if cfg.ApprovalTimeout == 0 {
		cfg.ApprovalTimeout = defaultApprovalTimeout
	}

	sty := DefaultStyles()
	cursorStyle := lipgloss.NewStyle().Foreground(ColorHighlight)

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = cursorStyle.Background(ColorBg)

	in := editor.New()
	in.Placeholder = "Type a message... (enter to send, esc to cancel a running turn)"
	in.CursorStyle = cursorStyle
	in.PlaceholderSty = lipgloss.NewStyle().Foreground(ColorDim).Background(ColorBg)
	in.BgColor = ColorBg
	in.Focus()

	ch := make(chan tea.Msg, 500)

	m := Model{
		cfg:              cfg,
		spinner:          s,
		input:            in,
		styles:           sty,
		streamEntryStart: -1,
		updateChan:       ch,
	}

	// Todo updates land in the status area.
	if cfg.Todos != nil {
		cfg.Todos.OnUpdate(func(todos []mcptools.Todo) {
			ch <- todosMsg{todos: todos}
		})
	}

	// The dispatcher's approval and spinner hooks run on the turn goroutine;
	// both round-trip through the update channel.
	if cfg.Dispatcher != nil {
		cfg.Dispatcher.Spinner = func(text string) {
			ch <- spinnerTextMsg{text: text}
		}
		if !cfg.AutoApprove {
			cfg.Dispatcher.Approve = makeApprover(ch, cfg.ApprovalTimeout)
		}
		cfg.Dispatcher.Interrupt = cfg.Interrupt
	}

	m.replayResume(cfg.Resume)
	return m
}

// Init starts the spinner, cursor blink, and the update-channel pump.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		func() tea.Msg { return editor.Blink() },
		m.waitForUpdate(),
	)
}

// replayResume converts a resumed session's messages into display entries.
func (m *Model) replayResume(msgs []provider.Message) {
	for _, msg := range msgs {
		switch msg.Role {
		case "user":
			m.appendUserEntry(msg.Content)
		case "assistant":
			m.appendAssistantEntry(msg.Reasoning, msg.Content, msg.ToolCalls)
		case "tool":
			m.appendToolResultEntry(msg.Content)
		}
	}
}
