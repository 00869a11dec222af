package provider

import (
	"encoding/json"
	"testing"
)

func TestToAnthropicMessages_CacheMarkOnLastMessageOnly(t *testing.T) {
	messages := []Message{
		{Role: roleSystem, Content: "sys"},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there", CacheMark: true},
	}
	_, result := toAnthropicMessages(messages)
	if len(result) != 2 {
		t.Fatalf("expected 2 non-system messages, got %d", len(result))
	}

	// The user message must not carry cache_control.
	if _, isString := result[0].Content.(string); !isString {
		t.Fatalf("expected plain string content for non-cache-marked message, got %T", result[0].Content)
	}

	blocks, ok := result[1].Content.([]anthropicTextBlock)
	if !ok || len(blocks) != 1 {
		t.Fatalf("expected a single cache-marked text block, got %#v", result[1].Content)
	}
	if blocks[0].CacheControl == nil || blocks[0].CacheControl.Type != "ephemeral" {
		t.Fatal("expected cache_control on the cache-marked message's block")
	}
}

func TestToAnthropicMessages_CacheMarkOnToolResult(t *testing.T) {
	messages := []Message{
		{Role: roleSystem, Content: "sys"},
		{Role: "user", Content: "hi"},
		{Role: "tool", Content: "result", ToolCallID: "abc", CacheMark: true},
	}
	_, result := toAnthropicMessages(messages)
	blocks, ok := result[1].Content.([]anthropicToolResultBlock)
	if !ok || len(blocks) != 1 {
		t.Fatalf("expected a single tool_result block, got %#v", result[1].Content)
	}
	if blocks[0].CacheControl == nil {
		t.Fatal("expected cache_control on the cache-marked tool result")
	}
}

func TestToAnthropicMessages_CacheMarkOnAssistantToolCall(t *testing.T) {
	messages := []Message{
		{Role: roleSystem, Content: "sys"},
		{Role: "user", Content: "hi"},
		{
			Role:      "assistant",
			Content:   "",
			CacheMark: true,
			ToolCalls: []ToolCall{{ID: "1", Name: "Read", Arguments: json.RawMessage(`{"file":"a.go"}`)}},
		},
	}
	_, result := toAnthropicMessages(messages)
	blocks, ok := result[1].Content.([]interface{})
	if !ok || len(blocks) != 1 {
		t.Fatalf("expected a single tool_use block, got %#v", result[1].Content)
	}
	toolUse, ok := blocks[0].(anthropicToolUseBlock)
	if !ok {
		t.Fatalf("expected anthropicToolUseBlock, got %T", blocks[0])
	}
	if toolUse.CacheControl == nil {
		t.Fatal("expected cache_control on the last block of a cache-marked assistant message")
	}
}
