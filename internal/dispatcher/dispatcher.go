// Package dispatcher turns one assistant message's batch of tool calls into
// the matching ordered batch of tool-result messages, honoring approval,
// parallelism, and cancellation.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/symbiont-labs/cortex/internal/approval"
	"github.com/symbiont-labs/cortex/internal/interrupt"
	"github.com/symbiont-labs/cortex/internal/mcp"
	"github.com/symbiont-labs/cortex/internal/provider"
)

// reminderText is appended to the last tool-result message of a batch, a
// nudge that keeps the model moving forward instead of stalling after
// tool output lands.
const reminderText = "Continue with your response and complete the task."

// ToolRunner is the subset of *mcp.Registry the dispatcher needs: calling a
// tool, asking whether it's parallel-safe for a given call, and rendering a
// short status line for the UI spinner.
type ToolRunner interface {
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (*mcp.ToolResult, error)
	ParallelSafe(name string, arguments json.RawMessage) bool
	StatusText(name string, arguments json.RawMessage) string
}

// Approver prompts the user for a single tool call and returns their
// decision. The TUI's approval modal and a non-interactive auto-approve
// stub both satisfy this signature.
type Approver func(ctx context.Context, toolName, preview string) approval.Decision

// SpinnerUpdater receives a status line before each sequential call runs,
// mirroring the UI contract's UpdateSpinner.
type SpinnerUpdater func(text string)

// Dispatcher executes tool-call batches.
type Dispatcher struct {
	Runner    ToolRunner
	Policy    *approval.Policy
	Approve   Approver       // optional; nil means auto-allow every call
	Spinner   SpinnerUpdater // optional
	Interrupt *interrupt.Bus // optional; polled for cancellation between calls
}

// argPreview renders a tool call's arguments as a single-line preview for
// approval prompts and logs.
func argPreview(arguments json.RawMessage) string {
	if len(arguments) == 0 {
		return "{}"
	}
	var v interface{}
	if err := json.Unmarshal(arguments, &v); err != nil {
		return string(arguments)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(arguments)
	}
	return string(out)
}

// shellCommand extracts the "command" field used as the ApprovalPolicy's
// per-exact-string memoization key for the shell tool. Empty for any tool
// without a "command" argument.
func shellCommand(arguments json.RawMessage) string {
	var parsed struct {
		Command string `json:"command"`
	}
	if json.Unmarshal(arguments, &parsed) != nil {
		return ""
	}
	return parsed.Command
}

// needUserApprove extracts the optional "need_user_approve" argument any
// tool's schema may carry, letting a single call force approval regardless
// of its tool's default class.
func needUserApprove(arguments json.RawMessage) bool {
	var parsed struct {
		NeedUserApprove bool `json:"need_user_approve"`
	}
	if json.Unmarshal(arguments, &parsed) != nil {
		return false
	}
	return parsed.NeedUserApprove
}

// pending tracks one call through the dispatch pipeline.
type pending struct {
	call       provider.ToolCall
	parseErr   error
	approved   bool
	skipped    bool
	parallel   bool
	result     provider.Message
}

// Dispatch runs one assistant message's tool-call batch to completion and
// returns the ordered tool-result messages. instruction is the pending
// instruction captured from the InterruptBus since the last dispatch (may
// be empty); it is folded into each approved call's arguments under the
// key "user_instructions".
func (d *Dispatcher) Dispatch(ctx context.Context, calls []provider.ToolCall, instruction string) []provider.Message {
	items := make([]*pending, len(calls))
	for i, c := range calls {
		items[i] = &pending{call: c}
		var v map[string]json.RawMessage
		if err := json.Unmarshal(c.Arguments, &v); err != nil && len(c.Arguments) > 0 {
			items[i].parseErr = fmt.Errorf("malformed arguments: %w", err)
		}
	}

	// canceled latches true once any suspension point observes a cancel
	// signal; the bus is drained on first observation, so later checks
	// within this same batch consult the latch rather than re-polling.
	canceled := d.pollCancel()

	d.approvalPass(ctx, items, &canceled)

	for _, it := range items {
		if it.skipped || it.parseErr != nil {
			continue
		}
		it.parallel = d.Runner.ParallelSafe(it.call.Name, it.call.Arguments)
	}

	d.runParallel(ctx, items, instruction, &canceled)
	d.runSequential(ctx, items, instruction, &canceled)

	out := make([]provider.Message, len(items))
	for i, it := range items {
		out[i] = d.finalize(it, instruction)
	}
	if len(out) > 0 {
		out[len(out)-1].Content += "\n\n" + reminderText
	}
	return out
}

// approvalPass sequentially prompts for every call requiring user consent,
// so prompts never overlap.
func (d *Dispatcher) approvalPass(ctx context.Context, items []*pending, canceled *bool) {
	for _, it := range items {
		if it.parseErr != nil {
			continue
		}
		if *canceled || d.pollCancel() {
			*canceled = true
			it.skipped = true
			continue
		}

		command := shellCommand(it.call.Arguments)
		needsApproval := d.Policy != nil && d.Policy.RequiresApproval(it.call.Name, command, needUserApprove(it.call.Arguments))
		if !needsApproval {
			it.approved = true
			continue
		}

		decision := approval.Allowed
		if d.Approve != nil {
			decision = d.Approve(ctx, it.call.Name, argPreview(it.call.Arguments))
		}
		if d.Policy != nil {
			d.Policy.Record(it.call.Name, command, decision)
		}
		if decision == approval.Denied {
			it.skipped = true
			continue
		}
		it.approved = true
	}
}

// pollCancel reports whether the InterruptBus has a queued cancel signal
// since the last poll. Any non-cancel instruction observed along the way is
// re-queued so the next Dispatch call (or the turn-level consumer) still
// sees it.
func (d *Dispatcher) pollCancel() bool {
	if d.Interrupt == nil {
		return false
	}
	canceled := false
	for _, sig := range d.Interrupt.Poll() {
		if sig.Cancel {
			canceled = true
			continue
		}
		if sig.Instruction != "" {
			d.Interrupt.PushInstruction(sig.Instruction)
		}
	}
	return canceled
}

// runParallel executes every approved, parallel-safe call concurrently and
// joins before returning.
func (d *Dispatcher) runParallel(ctx context.Context, items []*pending, instruction string, canceled *bool) {
	if *canceled || d.pollCancel() {
		*canceled = true
		for _, it := range items {
			if it.approved && it.parallel {
				it.skipped = true
				it.approved = false
			}
		}
		return
	}

	var wg sync.WaitGroup
	for _, it := range items {
		if !it.approved || !it.parallel {
			continue
		}
		wg.Add(1)
		go func(it *pending) {
			defer wg.Done()
			it.result = d.execute(ctx, it, instruction)
		}(it)
	}
	wg.Wait()
}

// runSequential executes every approved, non-parallel-safe call one at a
// time, updating the spinner between calls.
func (d *Dispatcher) runSequential(ctx context.Context, items []*pending, instruction string, canceled *bool) {
	for _, it := range items {
		if !it.approved || it.parallel {
			continue
		}
		if *canceled || d.pollCancel() {
			*canceled = true
			it.skipped = true
			it.approved = false
			continue
		}
		if d.Spinner != nil {
			d.Spinner(d.Runner.StatusText(it.call.Name, it.call.Arguments))
		}
		it.result = d.execute(ctx, it, instruction)
	}
}

// execute runs a single approved call's handler, folding in the pending
// instruction if present.
func (d *Dispatcher) execute(ctx context.Context, it *pending, instruction string) provider.Message {
	args := it.call.Arguments
	if instruction != "" {
		args = withUserInstructions(args, instruction)
	}

	result, err := d.Runner.CallTool(ctx, it.call.Name, args)
	if err != nil {
		return provider.Message{Role: "tool", ToolCallID: it.call.ID, Content: fmt.Sprintf(`{"error": %q}`, err.Error())}
	}
	text := extractText(result)
	if result.IsError {
		text = fmt.Sprintf(`{"error": %q}`, text)
	}
	return provider.Message{Role: "tool", ToolCallID: it.call.ID, Content: text}
}

// finalize produces the tool-result message for one call, covering the
// parse-error, skipped, and executed paths.
func (d *Dispatcher) finalize(it *pending, instruction string) provider.Message {
	switch {
	case it.parseErr != nil:
		return provider.Message{
			Role:       "tool",
			ToolCallID: it.call.ID,
			Content:    fmt.Sprintf(`{"error": %q}`, it.parseErr.Error()),
		}
	case it.skipped:
		text := "Tool execution skipped."
		if instruction != "" {
			text += " Pending instruction: " + instruction
		}
		return provider.Message{Role: "tool", ToolCallID: it.call.ID, Content: text}
	default:
		return it.result
	}
}

// withUserInstructions returns arguments with an added "user_instructions"
// key, preserving the rest of the object. Falls back to the original
// arguments on malformed JSON.
func withUserInstructions(arguments json.RawMessage, instruction string) json.RawMessage {
	var m map[string]json.RawMessage
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &m); err != nil {
			return arguments
		}
	}
	if m == nil {
		m = make(map[string]json.RawMessage)
	}
	encoded, err := json.Marshal(instruction)
	if err != nil {
		return arguments
	}
	m["user_instructions"] = encoded
	out, err := json.Marshal(m)
	if err != nil {
		return arguments
	}
	return out
}

// extractText concatenates the text content blocks of a tool result.
func extractText(result *mcp.ToolResult) string {
	var out string
	for _, block := range result.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}
