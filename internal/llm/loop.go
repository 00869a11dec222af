// Package llm implements the LLM interaction loop with tool calling support.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/symbiont-labs/cortex/internal/dispatcher"
	"github.com/symbiont-labs/cortex/internal/history"
	"github.com/symbiont-labs/cortex/internal/interrupt"
	"github.com/symbiont-labs/cortex/internal/mcp"
	"github.com/symbiont-labs/cortex/internal/provider"
)

const (
	// MaxDepth is the maximum recursion depth for sub-agents.
	// Matches mcptools.MaxSubAgentDepth to prevent import cycle.
	MaxDepth = 1
)

// errInterrupted signals that the user cancelled the in-flight stream via
// the interrupt bus rather than the context.
var errInterrupted = errors.New("stream interrupted by user")

// MessageCallback is called when a complete message should be added to history.
type MessageCallback func(msg provider.Message)

// DeltaCallback is called for each streaming event (content/reasoning deltas).
type DeltaCallback func(evt provider.StreamEvent)

// ToolCallCallback is called when tool calls are about to be executed.
type ToolCallCallback func()

// UsageCallback is called with accumulated token usage after each LLM call.
type UsageCallback func(inputTokens, outputTokens int)

// NoticeCallback surfaces one-line status notices to the UI ("retrying
// without streaming", compression events).
type NoticeCallback func(text string)

// ScratchpadReader provides read access to the agent's working plan.
type ScratchpadReader interface {
	Content() string
}

// ProcessTurnOptions holds configuration for processing a turn.
type ProcessTurnOptions struct {
	Provider      provider.Provider
	Dispatcher    *dispatcher.Dispatcher
	Tools         []mcp.Tool
	History       *history.Store
	OnMessage     MessageCallback
	OnDelta       DeltaCallback    // Optional: called for each stream event
	OnToolCall    ToolCallCallback // Optional: called before executing tool calls
	OnUsage       UsageCallback    // Optional: called with token usage after each LLM call
	OnNotice      NoticeCallback   // Optional: one-line status notices for the UI
	Scratchpad    ScratchpadReader // Optional: agent plan injected at context tail
	Interrupt     *interrupt.Bus   // Optional: source of cancels and mid-turn instructions
	MaxToolRounds int
	Depth         int // Recursion depth (0=root agent, 1=sub-agent)
}

func (opts *ProcessTurnOptions) notice(text string) {
	if opts.OnNotice != nil {
		opts.OnNotice(text)
	}
}

// streamAndCollect runs one LLM call: streams events, collects the response,
// reports usage, and returns the ChatResponse. A broken or empty stream is
// retried once via the provider's non-streaming path when it offers one.
func streamAndCollect(ctx context.Context, opts *ProcessTurnOptions, messages []provider.Message, tools []provider.Tool) (*provider.ChatResponse, error) {
	resp, err := streamOnce(ctx, opts, messages, tools)
	if err == nil && !isEmptyResponse(resp) {
		reportUsage(opts, resp)
		return resp, nil
	}
	if errors.Is(err, errInterrupted) || ctx.Err() != nil {
		return nil, errInterrupted
	}

	completer, ok := opts.Provider.(provider.Completer)
	if !ok {
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("empty response from provider %s", opts.Provider.Name())
	}

	log.Warn().Str("provider", opts.Provider.Name()).Err(err).Msg("Stream failed, falling back to non-streaming completion")
	opts.notice("Retrying without streaming...")

	resp, cerr := completer.Complete(ctx, messages, tools)
	if cerr != nil {
		return nil, fmt.Errorf("non-streaming fallback failed: %w", cerr)
	}
	if isEmptyResponse(resp) {
		return nil, fmt.Errorf("empty response from provider %s", opts.Provider.Name())
	}
	reportUsage(opts, resp)
	return resp, nil
}

func streamOnce(ctx context.Context, opts *ProcessTurnOptions, messages []provider.Message, tools []provider.Tool) (*provider.ChatResponse, error) {
	stream, err := opts.Provider.ChatStream(ctx, messages, tools)
	if err != nil {
		return nil, err
	}
	return collectWithDeltas(stream, opts.OnDelta, func() bool {
		return pollCancel(opts.Interrupt)
	})
}

func reportUsage(opts *ProcessTurnOptions, resp *provider.ChatResponse) {
	if resp.InputTokens == 0 && resp.OutputTokens == 0 {
		return
	}
	opts.History.UpdateUsage(resp.InputTokens, resp.OutputTokens)
	if opts.OnUsage != nil {
		opts.OnUsage(resp.InputTokens, resp.OutputTokens)
	}
}

func isEmptyResponse(resp *provider.ChatResponse) bool {
	if resp == nil {
		return true
	}
	return resp.Content == "" && resp.Reasoning == "" && len(resp.ToolCalls) == 0
}

// emitAssistant builds an assistant message from a ChatResponse, appends it
// to history, and emits it.
func emitAssistant(opts *ProcessTurnOptions, resp *provider.ChatResponse) {
	appendMessage(opts, provider.Message{
		Role:         "assistant",
		Content:      resp.Content,
		Reasoning:    resp.Reasoning,
		ToolCalls:    resp.ToolCalls,
		CreatedAt:    time.Now(),
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	})
}

func appendMessage(opts *ProcessTurnOptions, msg provider.Message) {
	opts.History.Append(msg)
	if opts.OnMessage != nil {
		opts.OnMessage(msg)
	}
}

// recentCall tracks (name, arguments) pairs for the repetition guard.
type recentCall struct {
	Name string
	Args string
}

// ProcessTurn handles one conversation turn, which may involve many
// model/tool rounds. It streams events via OnDelta, appends every finalized
// message to the history store, and emits each via OnMessage.
func ProcessTurn(ctx context.Context, opts ProcessTurnOptions) error {
	// Enforce max depth to prevent infinite recursion
	if opts.Depth > MaxDepth {
		return fmt.Errorf("max sub-agent depth exceeded: %d > %d", opts.Depth, MaxDepth)
	}
	if opts.History == nil {
		return errors.New("ProcessTurn requires a history store")
	}

	if opts.MaxToolRounds == 0 {
		opts.MaxToolRounds = 60
	}

	// Convert MCP tools to provider format once
	providerTools := make([]provider.Tool, len(opts.Tools))
	for i, t := range opts.Tools {
		providerTools[i] = provider.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		}
	}

	var recent []recentCall
	nudged := false
	for round := 0; round < opts.MaxToolRounds; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if compressed, err := opts.History.AutoCompressIfNeeded(ctx); err != nil {
			log.Warn().Err(err).Msg("history compression failed")
		} else if compressed {
			opts.notice("Conversation compressed to save context")
		}

		// Snapshot carries the cache mark on its last message; the
		// recitation reminder is applied to the snapshot only so stored
		// history stays clean.
		snapshot := opts.History.Snapshot()
		injectRecitation(snapshot, opts.Scratchpad, round)

		resp, err := streamAndCollect(ctx, &opts, snapshot, providerTools)
		if errors.Is(err, errInterrupted) {
			// Partial text is discarded; the caller decides what to show.
			return errInterrupted
		}
		if err != nil {
			appendMessage(&opts, provider.Message{
				Role:      "assistant",
				Content:   "Error: " + provider.CompactError(err.Error(), 0),
				CreatedAt: time.Now(),
			})
			return fmt.Errorf("LLM call failed: %w", err)
		}

		emitAssistant(&opts, resp)

		if len(resp.ToolCalls) == 0 {
			// Pending-instruction rule: anything the user typed mid-turn
			// becomes the next user message of the same turn.
			if instruction := drainInstruction(opts.Interrupt); instruction != "" {
				appendMessage(&opts, provider.Message{Role: "user", Content: instruction, CreatedAt: time.Now()})
				continue
			}
			// Nudge rule: a reply that narrates a tool action without
			// performing it gets one synthesized push to act.
			if !nudged && shouldNudge(resp.Content) {
				nudged = true
				appendMessage(&opts, provider.Message{Role: "user", Content: nudgeMessage, CreatedAt: time.Now()})
				continue
			}
			return nil
		}
		nudged = false

		// Notify about tool calls if callback provided
		if opts.OnToolCall != nil {
			opts.OnToolCall()
		}

		toolResults := opts.Dispatcher.Dispatch(ctx, resp.ToolCalls, drainInstruction(opts.Interrupt))
		recent = applyRepetitionGuard(recent, resp.ToolCalls, toolResults)
		for i := range toolResults {
			toolResults[i].CreatedAt = time.Now()
			appendMessage(&opts, toolResults[i])
		}

		// Continue loop to let LLM process tool results
	}

	// Tool call limit reached — do one final call with no tools so the LLM
	// must reply with text summarizing progress.
	if err := ctx.Err(); err != nil {
		return err
	}

	appendMessage(&opts, provider.Message{
		Role:      "user",
		Content:   "You have exhausted your tool call limit for this turn. Respond in text only. Summarize what you accomplished and what remains.",
		CreatedAt: time.Now(),
	})

	resp, err := streamAndCollect(ctx, &opts, opts.History.Snapshot(), nil)
	if err != nil {
		return fmt.Errorf("final text-only LLM stream failed: %w", err)
	}

	emitAssistant(&opts, resp)
	return nil
}

// RunTask runs a sub-task in an isolated conversation frame and returns the
// final assistant text. The frame is popped even when the turn errors, so
// the parent conversation is never left on a child frame.
func RunTask(ctx context.Context, opts ProcessTurnOptions, systemPrompt, userInput string) (string, error) {
	opts.History.StartTaskFrame(provider.Message{Role: "system", Content: systemPrompt, CreatedAt: time.Now()})
	opts.History.Append(provider.Message{Role: "user", Content: userInput, CreatedAt: time.Now()})

	turnErr := ProcessTurn(ctx, opts)
	result, popErr := opts.History.FinishTaskFrame()
	if turnErr != nil {
		return "", turnErr
	}
	if popErr != nil {
		return "", popErr
	}
	return result, nil
}

// applyRepetitionGuard appends a warning to the last tool result when the
// model has issued three identical consecutive calls, and returns the
// updated recent-call window.
func applyRepetitionGuard(recent []recentCall, calls []provider.ToolCall, results []provider.Message) []recentCall {
	for _, tc := range calls {
		recent = append(recent, recentCall{Name: tc.Name, Args: string(tc.Arguments)})
	}
	if len(recent) >= 3 && len(results) > 0 {
		last3 := recent[len(recent)-3:]
		if last3[0] == last3[1] && last3[1] == last3[2] {
			results[len(results)-1].Content += "\n\n<system-reminder>WARNING: You are repeating the same tool call with the same arguments. This is wasteful. Stop and either try a different approach, summarize what you know, or ask the user for help.</system-reminder>"
		}
	}
	if len(recent) > 12 {
		recent = recent[len(recent)-12:]
	}
	return recent
}

// toolCallAccumulator tracks tool calls as they stream in.
type toolCallAccumulator struct {
	byIndex     map[int]int
	calls       []provider.ToolCall
	argBuilders []string
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int]int)}
}

func (a *toolCallAccumulator) begin(evt provider.StreamEvent) {
	pos := len(a.calls)
	a.byIndex[evt.ToolCallIndex] = pos
	a.calls = append(a.calls, provider.ToolCall{ID: evt.ToolCallID, Name: evt.ToolCallName})
	a.argBuilders = append(a.argBuilders, "")
}

func (a *toolCallAccumulator) delta(evt provider.StreamEvent) {
	if pos, ok := a.byIndex[evt.ToolCallIndex]; ok {
		a.argBuilders[pos] += evt.ToolCallArgs
	}
}

func (a *toolCallAccumulator) finalize() []provider.ToolCall {
	for i := range a.calls {
		if i < len(a.argBuilders) {
			a.calls[i].Arguments = json.RawMessage(a.argBuilders[i])
		}
	}
	return a.calls
}

// collectWithDeltas reads all events from a stream, forwarding each to onDelta,
// and assembles them into a ChatResponse. cancelled is polled between events;
// when it reports true the stream is abandoned and errInterrupted returned.
func collectWithDeltas(ch <-chan provider.StreamEvent, onDelta DeltaCallback, cancelled func() bool) (*provider.ChatResponse, error) {
	var result provider.ChatResponse
	tca := newToolCallAccumulator()

	for evt := range ch {
		if cancelled != nil && cancelled() {
			return nil, errInterrupted
		}
		if onDelta != nil {
			onDelta(evt)
		}

		switch evt.Type {
		case provider.EventContentDelta:
			result.Content += evt.Content
		case provider.EventReasoningDelta:
			result.Reasoning += evt.Content
		case provider.EventToolCallBegin:
			tca.begin(evt)
		case provider.EventToolCallDelta:
			tca.delta(evt)
		case provider.EventUsage:
			if evt.InputTokens > result.InputTokens {
				result.InputTokens = evt.InputTokens
			}
			if evt.OutputTokens > result.OutputTokens {
				result.OutputTokens = evt.OutputTokens
			}
		case provider.EventError:
			return nil, evt.Err
		case provider.EventDone:
			// finalize
		}
	}

	if calls := tca.finalize(); len(calls) > 0 {
		result.ToolCalls = calls
	}
	return &result, nil
}

// pollCancel reports whether the bus holds a cancel signal, re-queueing any
// instructions observed along the way so they survive for drainInstruction.
func pollCancel(bus *interrupt.Bus) bool {
	if bus == nil {
		return false
	}
	cancelled := false
	for _, sig := range bus.Poll() {
		if sig.Cancel {
			cancelled = true
			continue
		}
		if sig.Instruction != "" {
			bus.PushInstruction(sig.Instruction)
		}
	}
	return cancelled
}

// drainInstruction polls the InterruptBus for any mid-turn instructions
// queued since the last tool round, joining multiple into one string. Cancel
// signals are left for the caller's context cancellation to handle and are
// not consumed here beyond being drained off the bus.
func drainInstruction(bus *interrupt.Bus) string {
	if bus == nil {
		return ""
	}
	var parts []string
	for _, sig := range bus.Poll() {
		if sig.Instruction != "" {
			parts = append(parts, sig.Instruction)
		}
	}
	return strings.Join(parts, "\n")
}

// IsInterrupted reports whether an error from ProcessTurn means the user
// cancelled mid-stream rather than a real failure.
func IsInterrupted(err error) bool {
	return errors.Is(err, errInterrupted)
}

// reminderInterval is the number of tool-calling rounds between synthetic
// goal reminders. Every this many rounds the loop appends a reminder block
// to the last tool result of the request snapshot, reciting the agent's
// plan or, without one, the user's original request, so it stays in the
// model's recent attention window.
const reminderInterval = 10

// injectRecitation appends a <system-reminder> block to the last tool-result
// message of the snapshot to keep the model focused during long tool-calling
// loops. Only the request snapshot is touched; stored history is never
// rewritten, so the reminder does not accumulate across rounds.
//
// Priority: if the agent has written a scratchpad (plan/notes), that is
// injected. Otherwise the user's original request is echoed as a fallback.
func injectRecitation(snapshot []provider.Message, pad ScratchpadReader, round int) {
	if round == 0 || round%reminderInterval != 0 {
		return
	}

	var reminder string
	if pad != nil {
		if plan := pad.Content(); plan != "" {
			reminder = plan
		}
	}
	if reminder == "" {
		// Fallback: echo the user's original request.
		for _, m := range snapshot {
			if m.Role == "user" {
				reminder = "The user's request: " + m.Content
				break
			}
		}
	}
	if reminder == "" {
		return
	}

	for i := len(snapshot) - 1; i >= 0; i-- {
		if snapshot[i].Role == "tool" {
			snapshot[i].Content += "\n\n<system-reminder>\n" + reminder + "\n</system-reminder>"
			return
		}
	}
}
