package mcptools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTodoWriteHandler(t *testing.T) {
	mirror := filepath.Join(t.TempDir(), "todo.md")
	list := NewTodoList(mirror)

	var seen []Todo
	list.OnUpdate(func(todos []Todo) { seen = todos })

	handler := MakeTodoWriteHandler(list)
	args := `{"todos":[
		{"content":"read the config loader","status":"completed"},
		{"content":"fix the parse error","status":"in_progress"},
		{"content":"add a regression test"}
	]}`
	result, err := handler(context.Background(), json.RawMessage(args))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %+v", result)
	}

	todos := list.Todos()
	if len(todos) != 3 {
		t.Fatalf("expected 3 todos, got %d", len(todos))
	}
	for _, todo := range todos {
		if todo.ID == "" {
			t.Fatal("expected ids assigned to new todos")
		}
	}
	if todos[2].Status != TodoPending {
		t.Fatalf("missing status should default to pending, got %q", todos[2].Status)
	}
	if len(seen) != 3 {
		t.Fatalf("update callback not fired, saw %d todos", len(seen))
	}

	data, err := os.ReadFile(mirror)
	if err != nil {
		t.Fatalf("todo.md mirror not written: %v", err)
	}
	if !strings.Contains(string(data), "[>] fix the parse error") {
		t.Fatalf("mirror missing in-progress marker:\n%s", data)
	}

	// The recitation text surfaces the plan for the context tail.
	if !strings.Contains(list.Content(), "Current plan:") {
		t.Fatalf("unexpected recitation text %q", list.Content())
	}
}

func TestTodoWriteHandler_RejectsBadStatus(t *testing.T) {
	handler := MakeTodoWriteHandler(NewTodoList(""))
	result, err := handler(context.Background(), json.RawMessage(`{"todos":[{"content":"x","status":"paused"}]}`))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for invalid status")
	}
}

func TestTaskMemoryParallelSafe(t *testing.T) {
	tests := []struct {
		args string
		want bool
	}{
		{`{"action":"recall"}`, true},
		{`{"action":"similar","query":"parser"}`, true},
		{`{"action":"save","description":"x"}`, false},
		{`{not json`, false},
	}
	for _, tt := range tests {
		if got := TaskMemoryParallelSafe(json.RawMessage(tt.args)); got != tt.want {
			t.Errorf("TaskMemoryParallelSafe(%s) = %v, want %v", tt.args, got, tt.want)
		}
	}
}
