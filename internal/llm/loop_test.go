package llm

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/symbiont-labs/cortex/internal/approval"
	"github.com/symbiont-labs/cortex/internal/dispatcher"
	"github.com/symbiont-labs/cortex/internal/history"
	"github.com/symbiont-labs/cortex/internal/interrupt"
	"github.com/symbiont-labs/cortex/internal/mcp"
	"github.com/symbiont-labs/cortex/internal/provider"
)

// stubRunner satisfies dispatcher.ToolRunner with canned results.
type stubRunner struct {
	parallel map[string]bool
}

func (s *stubRunner) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*mcp.ToolResult, error) {
	return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "ok:" + name}}}, nil
}

func (s *stubRunner) ParallelSafe(name string, arguments json.RawMessage) bool {
	return s.parallel[name]
}

func (s *stubRunner) StatusText(name string, arguments json.RawMessage) string { return name }

func newTestOpts(prov provider.Provider) (ProcessTurnOptions, *history.Store) {
	store := history.New(provider.Message{Role: "system", Content: "sys"})
	policy := approval.New()
	policy.RegisterDefaults()
	d := &dispatcher.Dispatcher{
		Runner: &stubRunner{parallel: map[string]bool{}},
		Policy: policy,
	}
	return ProcessTurnOptions{
		Provider:   prov,
		Dispatcher: d,
		History:    store,
	}, store
}

func roles(msgs []provider.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func TestProcessTurn_ToolCallPairing(t *testing.T) {
	prov := provider.NewMock("mock", "").WithScript(
		provider.ChatResponse{ToolCalls: []provider.ToolCall{
			{ID: "c1", Name: "Read", Arguments: json.RawMessage(`{"file":"a.go"}`)},
			{ID: "c2", Name: "Grep", Arguments: json.RawMessage(`{"pattern":"foo"}`)},
		}},
		provider.ChatResponse{Content: "both files look fine"},
	)
	opts, store := newTestOpts(prov)
	opts.History.Append(provider.Message{Role: "user", Content: "check the files"})

	if err := ProcessTurn(context.Background(), opts); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	msgs := store.Snapshot()
	want := []string{"system", "user", "assistant", "tool", "tool", "assistant"}
	got := roles(msgs)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("conversation shape = %v, want %v", got, want)
	}
	if msgs[3].ToolCallID != "c1" || msgs[4].ToolCallID != "c2" {
		t.Fatalf("tool results out of order: %q, %q", msgs[3].ToolCallID, msgs[4].ToolCallID)
	}
	if !strings.Contains(msgs[4].Content, "Continue with your response") {
		t.Fatal("expected reminder block on the last tool result of the batch")
	}
}

func TestProcessTurn_NudgeFiresOnce(t *testing.T) {
	prov := provider.NewMock("mock", "").WithScript(
		provider.ChatResponse{Content: "Let me open main.py now."},
		provider.ChatResponse{Content: "Let me open main.py now."},
	)
	opts, store := newTestOpts(prov)
	opts.History.Append(provider.Message{Role: "user", Content: "open main.py"})

	if err := ProcessTurn(context.Background(), opts); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	msgs := store.Snapshot()
	nudges := 0
	for _, m := range msgs {
		if m.Role == "user" && m.Content == nudgeMessage {
			nudges++
		}
	}
	if nudges != 1 {
		t.Fatalf("expected exactly one nudge message, got %d (roles %v)", nudges, roles(msgs))
	}
	// The second narration must end the turn rather than loop forever.
	if msgs[len(msgs)-1].Role != "assistant" {
		t.Fatalf("turn should end on the assistant reply, got %v", roles(msgs))
	}
}

func TestProcessTurn_PendingInstructionBecomesUserMessage(t *testing.T) {
	prov := provider.NewMock("mock", "").WithScript(
		provider.ChatResponse{Content: "the directory is clean, nothing to do"},
		provider.ChatResponse{Content: "checked for TODOs as well, all clear, done"},
	)
	opts, store := newTestOpts(prov)
	bus := interrupt.New()
	bus.PushInstruction("also check for TODOs")
	opts.Interrupt = bus
	opts.History.Append(provider.Message{Role: "user", Content: "tidy up"})

	if err := ProcessTurn(context.Background(), opts); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	msgs := store.Snapshot()
	found := false
	for _, m := range msgs {
		if m.Role == "user" && m.Content == "also check for TODOs" {
			found = true
		}
	}
	if !found {
		t.Fatalf("pending instruction was not surfaced as a user message: %v", roles(msgs))
	}
}

func TestProcessTurn_CancelAbortsStream(t *testing.T) {
	prov := provider.NewMock("mock", "a very long streaming answer")
	opts, _ := newTestOpts(prov)
	bus := interrupt.New()
	bus.PushCancel()
	opts.Interrupt = bus
	opts.History.Append(provider.Message{Role: "user", Content: "hi"})

	err := ProcessTurn(context.Background(), opts)
	if !IsInterrupted(err) {
		t.Fatalf("expected interrupted error, got %v", err)
	}
}

func TestProcessTurn_FallbackToComplete(t *testing.T) {
	prov := provider.NewMock("mock", "answer from the non-streaming path").
		WithStreamError(context.DeadlineExceeded)
	opts, store := newTestOpts(prov)
	noticed := false
	opts.OnNotice = func(text string) {
		if strings.Contains(text, "without streaming") {
			noticed = true
		}
	}
	opts.History.Append(provider.Message{Role: "user", Content: "hi"})

	if err := ProcessTurn(context.Background(), opts); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if !noticed {
		t.Fatal("expected a retrying-without-streaming notice")
	}
	msgs := store.Snapshot()
	last := msgs[len(msgs)-1]
	if last.Role != "assistant" || !strings.Contains(last.Content, "non-streaming path") {
		t.Fatalf("expected fallback assistant reply, got %+v", last)
	}
}

func TestRunTask_ReturnsFinalTextAndPopsFrame(t *testing.T) {
	prov := provider.NewMock("mock", "").WithScript(
		provider.ChatResponse{Content: "sub-task summary: nothing to do"},
	)
	opts, store := newTestOpts(prov)

	result, err := RunTask(context.Background(), opts, "you are a sub-agent", "scan the repo")
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if !strings.Contains(result, "sub-task summary") {
		t.Fatalf("unexpected result %q", result)
	}
	if store.Depth() != 1 {
		t.Fatalf("task frame not popped, depth = %d", store.Depth())
	}
}
