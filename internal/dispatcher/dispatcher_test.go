package dispatcher

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/symbiont-labs/cortex/internal/approval"
	"github.com/symbiont-labs/cortex/internal/interrupt"
	"github.com/symbiont-labs/cortex/internal/mcp"
	"github.com/symbiont-labs/cortex/internal/provider"
)

// fakeRunner is a ToolRunner for tests; each tool's behavior is controlled
// by a map of name -> func.
type fakeRunner struct {
	mu        sync.Mutex
	calls     []string
	handlers  map[string]func(json.RawMessage) (*mcp.ToolResult, error)
	parallel  map[string]bool
	delayName string
	delay     time.Duration
}

func (f *fakeRunner) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*mcp.ToolResult, error) {
	if name == f.delayName {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	if h, ok := f.handlers[name]; ok {
		return h(arguments)
	}
	return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "ok:" + name}}}, nil
}

func (f *fakeRunner) ParallelSafe(name string, arguments json.RawMessage) bool {
	return f.parallel[name]
}

func (f *fakeRunner) StatusText(name string, arguments json.RawMessage) string { return name }

func TestDispatch_ParallelOrderPreserved(t *testing.T) {
	runner := &fakeRunner{
		parallel: map[string]bool{"ReadA": true, "ReadB": true, "Grep": true},
		// Skew: ReadA finishes last, yet must still be emitted first.
		delayName: "ReadA",
		delay:     30 * time.Millisecond,
	}
	d := &Dispatcher{Runner: runner, Policy: approval.New()}
	d.Policy.RegisterDefaults()
	d.Policy.Register("ReadA", approval.ClassReadOnly)
	d.Policy.Register("ReadB", approval.ClassReadOnly)
	d.Policy.Register("Grep", approval.ClassReadOnly)

	calls := []provider.ToolCall{
		{ID: "1", Name: "ReadA", Arguments: json.RawMessage(`{}`)},
		{ID: "2", Name: "ReadB", Arguments: json.RawMessage(`{}`)},
		{ID: "3", Name: "Grep", Arguments: json.RawMessage(`{}`)},
	}
	results := d.Dispatch(context.Background(), calls, "")
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].ToolCallID != "1" || results[1].ToolCallID != "2" || results[2].ToolCallID != "3" {
		t.Fatalf("result order does not match call order: %+v", results)
	}
	if !strings.Contains(results[2].Content, "Continue with your response") {
		t.Fatal("expected reminder block on the last result")
	}
	for i := 0; i < 2; i++ {
		if strings.Contains(results[i].Content, "Continue with your response") {
			t.Fatalf("reminder block should only be on the last result, found on %d", i)
		}
	}
}

func TestDispatch_ApprovalDenialSkips(t *testing.T) {
	runner := &fakeRunner{parallel: map[string]bool{}}
	policy := approval.New()
	policy.Register("Shell", approval.ClassShell)
	d := &Dispatcher{
		Runner: runner,
		Policy: policy,
		Approve: func(ctx context.Context, toolName, preview string) approval.Decision {
			return approval.Denied
		},
	}
	calls := []provider.ToolCall{{ID: "1", Name: "Shell", Arguments: json.RawMessage(`{"command":"rm -rf /"}`)}}
	results := d.Dispatch(context.Background(), calls, "")
	if len(results) != 1 {
		t.Fatal("expected one result")
	}
	if !strings.Contains(results[0].Content, "skipped") {
		t.Fatalf("expected skipped result, got %q", results[0].Content)
	}
	if len(runner.calls) != 0 {
		t.Fatal("denied tool must not execute")
	}
}

func TestDispatch_ApprovalAlwaysMemoized(t *testing.T) {
	runner := &fakeRunner{parallel: map[string]bool{}}
	policy := approval.New()
	policy.Register("Shell", approval.ClassShell)
	promptCount := 0
	d := &Dispatcher{
		Runner: runner,
		Policy: policy,
		Approve: func(ctx context.Context, toolName, preview string) approval.Decision {
			promptCount++
			return approval.AllowedAlways
		},
	}
	call := provider.ToolCall{ID: "1", Name: "Shell", Arguments: json.RawMessage(`{"command":"ls -la"}`)}
	d.Dispatch(context.Background(), []provider.ToolCall{call}, "")
	d.Dispatch(context.Background(), []provider.ToolCall{{ID: "2", Name: "Shell", Arguments: json.RawMessage(`{"command":"ls -la"}`)}}, "")
	if promptCount != 1 {
		t.Fatalf("expected one prompt (second call memoized), got %d", promptCount)
	}
}

func TestDispatch_MalformedArgumentsYieldError(t *testing.T) {
	runner := &fakeRunner{parallel: map[string]bool{}}
	d := &Dispatcher{Runner: runner, Policy: approval.New()}
	calls := []provider.ToolCall{{ID: "1", Name: "Read", Arguments: json.RawMessage(`{not json`)}}
	results := d.Dispatch(context.Background(), calls, "")
	if !strings.Contains(results[0].Content, "error") {
		t.Fatalf("expected error result for malformed arguments, got %q", results[0].Content)
	}
	if len(runner.calls) != 0 {
		t.Fatal("malformed-argument call must not execute")
	}
}

func TestDispatch_CancellationSkipsRemaining(t *testing.T) {
	runner := &fakeRunner{parallel: map[string]bool{}}
	bus := interrupt.New()
	bus.PushCancel()
	d := &Dispatcher{Runner: runner, Policy: approval.New(), Interrupt: bus}
	calls := []provider.ToolCall{
		{ID: "1", Name: "Read", Arguments: json.RawMessage(`{}`)},
		{ID: "2", Name: "Read", Arguments: json.RawMessage(`{}`)},
	}
	results := d.Dispatch(context.Background(), calls, "")
	if len(results) != 2 {
		t.Fatal("must preserve one result per call even when cancelled")
	}
	for _, r := range results {
		if !strings.Contains(r.Content, "skipped") {
			t.Fatalf("expected all calls skipped after cancellation, got %q", r.Content)
		}
	}
}

func TestDispatch_PendingInstructionFoldedIntoArguments(t *testing.T) {
	var seenArgs json.RawMessage
	runner := &fakeRunner{
		parallel: map[string]bool{},
		handlers: map[string]func(json.RawMessage) (*mcp.ToolResult, error){
			"Read": func(args json.RawMessage) (*mcp.ToolResult, error) {
				seenArgs = args
				return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "ok"}}}, nil
			},
		},
	}
	d := &Dispatcher{Runner: runner, Policy: approval.New()}
	calls := []provider.ToolCall{{ID: "1", Name: "Read", Arguments: json.RawMessage(`{"file":"a.go"}`)}}
	d.Dispatch(context.Background(), calls, "also check for TODOs")
	if !strings.Contains(string(seenArgs), "user_instructions") {
		t.Fatalf("expected pending instruction folded into arguments, got %s", seenArgs)
	}
}
