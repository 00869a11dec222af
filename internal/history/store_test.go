package history

import (
	"context"
	"testing"

	"github.com/symbiont-labs/cortex/internal/provider"
)

func TestSystemAtHead(t *testing.T) {
	s := New(provider.Message{Role: "system", Content: "sys"})
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Role != "system" {
		t.Fatalf("expected a single system message, got %+v", snap)
	}
}

func TestCacheMarkOnlyLastBlock(t *testing.T) {
	s := New(provider.Message{Role: "system", Content: "sys"})
	s.Append(provider.Message{Role: "user", Content: "hi"})
	s.Append(provider.Message{Role: "assistant", Content: "hello"})

	snap := s.Snapshot()
	for i, m := range snap {
		want := i == len(snap)-1
		if m.CacheMark != want {
			t.Fatalf("message %d CacheMark=%v, want %v", i, m.CacheMark, want)
		}
	}
}

func TestAppendTracksToolAging(t *testing.T) {
	s := New(provider.Message{Role: "system", Content: "sys"})
	for i := 0; i < agingInterval; i++ {
		s.Append(provider.Message{Role: "assistant", Content: "call"})
		s.Append(provider.Message{Role: "tool", Content: "result", ToolCallID: "t"})
	}

	snap := s.Snapshot()
	aged, fresh := 0, 0
	for _, m := range snap {
		if m.Role != "tool" {
			continue
		}
		if m.Content == agedToolPlaceholder {
			aged++
		} else {
			fresh++
		}
	}
	if fresh != agingKeep {
		t.Fatalf("expected %d fresh tool results, got %d", agingKeep, fresh)
	}
	if aged != agingInterval-agingKeep {
		t.Fatalf("expected %d aged tool results, got %d", agingInterval-agingKeep, aged)
	}
}

func TestAutoCompressIfNeeded_TwoUserMessages(t *testing.T) {
	s := New(provider.Message{Role: "system", Content: "sys"}, WithModelMaxTokens(100), WithCompressionThreshold(0.5))
	s.Append(provider.Message{Role: "user", Content: "first"})
	s.Append(provider.Message{Role: "assistant", Content: "ack"})
	s.Append(provider.Message{Role: "user", Content: "second"})
	s.Append(provider.Message{Role: "assistant", Content: "ack2"})
	s.UpdateUsage(70, 10)

	before := s.Len()
	ran, err := s.AutoCompressIfNeeded(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("expected compression to run above threshold")
	}
	after := s.Len()
	if after >= before {
		t.Fatalf("expected message count to strictly decrease: before=%d after=%d", before, after)
	}
	snap := s.Snapshot()
	if snap[0].Role != "system" {
		t.Fatal("system message must remain at index 0 after compression")
	}
}

func TestAutoCompressIfNeeded_SingleUserMessageNeverDropped(t *testing.T) {
	s := New(provider.Message{Role: "system", Content: "sys"}, WithModelMaxTokens(100), WithCompressionThreshold(0.1))
	s.Append(provider.Message{Role: "user", Content: "only user msg"})
	s.Append(provider.Message{Role: "assistant", Content: "working", ToolCalls: []provider.ToolCall{{ID: "1", Name: "Read"}}})
	s.Append(provider.Message{Role: "tool", Content: "result", ToolCallID: "1"})
	s.UpdateUsage(50, 0)

	ran, err := s.AutoCompressIfNeeded(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("expected compression to run")
	}
	snap := s.Snapshot()
	foundUser := false
	for _, m := range snap {
		if m.Role == "user" && m.Content == "only user msg" {
			foundUser = true
		}
	}
	if !foundUser {
		t.Fatal("the sole user message must never be dropped")
	}
}

func TestAutoCompressIfNeeded_NoOpBelowThreshold(t *testing.T) {
	s := New(provider.Message{Role: "system", Content: "sys"}, WithModelMaxTokens(1000), WithCompressionThreshold(0.8))
	s.Append(provider.Message{Role: "user", Content: "hi"})
	s.UpdateUsage(10, 0)
	ran, err := s.AutoCompressIfNeeded(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Fatal("compression should not run below threshold")
	}
}

func TestUpdateUsageReplacesCounter(t *testing.T) {
	s := New(provider.Message{Role: "system", Content: "sys"}, WithModelMaxTokens(200))

	s.UpdateUsage(40, 10)
	if got := s.CurrentContextPercent(); got != 25 {
		t.Fatalf("CurrentContextPercent = %v, want 25", got)
	}

	// A later call reports the full absolute usage; it replaces, never adds.
	s.UpdateUsage(60, 20)
	if got := s.CurrentContextPercent(); got != 40 {
		t.Fatalf("CurrentContextPercent = %v, want 40", got)
	}

	// Appending the assistant message for that call must not double-count
	// its tokens.
	s.Append(provider.Message{Role: "assistant", Content: "reply", InputTokens: 60, OutputTokens: 20})
	if got := s.CurrentContextPercent(); got != 40 {
		t.Fatalf("CurrentContextPercent after Append = %v, want 40", got)
	}
}

func TestTaskFramePushPop(t *testing.T) {
	s := New(provider.Message{Role: "system", Content: "root sys"})
	s.Append(provider.Message{Role: "user", Content: "root turn"})

	s.StartTaskFrame(provider.Message{Role: "system", Content: "sub sys"})
	if s.Depth() != 2 {
		t.Fatalf("expected depth 2, got %d", s.Depth())
	}
	s.Append(provider.Message{Role: "user", Content: "sub task"})
	s.Append(provider.Message{Role: "assistant", Content: "sub task done"})

	content, err := s.FinishTaskFrame()
	if err != nil {
		t.Fatal(err)
	}
	if content != "sub task done" {
		t.Fatalf("expected final sub-frame content, got %q", content)
	}
	if s.Depth() != 1 {
		t.Fatalf("expected depth 1 after finish, got %d", s.Depth())
	}
	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("root frame should be unaffected by the popped sub-frame, got %d messages", len(snap))
	}
}

func TestFinishTaskFrame_RootRefuses(t *testing.T) {
	s := New(provider.Message{Role: "system", Content: "sys"})
	if _, err := s.FinishTaskFrame(); err == nil {
		t.Fatal("expected an error popping the root frame")
	}
}
