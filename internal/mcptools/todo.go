package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/symbiont-labs/cortex/internal/mcp"
)

// Todo statuses accepted by the TodoWrite tool.
const (
	TodoPending    = "pending"
	TodoInProgress = "in_progress"
	TodoCompleted  = "completed"
)

// Todo is a single tracked work item.
type Todo struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status"`
}

// TodoList holds the agent's current plan as an ordered list of todos. It is
// safe for concurrent access. The rendered list is injected into the LLM
// context at the tail of the history so the agent's goals stay in the
// model's recent attention window, and mirrored to todo.md for the user.
type TodoList struct {
	mu    sync.RWMutex
	todos []Todo

	// onUpdate, when set, receives a copy of the list after every change
	// (the TUI uses it to refresh its todo panel).
	onUpdate func([]Todo)

	// mirrorPath, when non-empty, receives a human-readable markdown mirror
	// of the list on every change.
	mirrorPath string
}

// NewTodoList creates an empty list mirroring to mirrorPath ("" disables
// the mirror).
func NewTodoList(mirrorPath string) *TodoList {
	return &TodoList{mirrorPath: mirrorPath}
}

// OnUpdate registers a callback invoked with a copy of the list after every
// change.
func (l *TodoList) OnUpdate(fn func([]Todo)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onUpdate = fn
}

// Todos returns a copy of the current list.
func (l *TodoList) Todos() []Todo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Todo, len(l.todos))
	copy(out, l.todos)
	return out
}

// Content renders the list as recitation text for the context tail. Empty
// string when there are no todos, so the goal-reminder fallback kicks in.
func (l *TodoList) Content() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.todos) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Current plan:\n")
	for _, t := range l.todos {
		mark := " "
		switch t.Status {
		case TodoInProgress:
			mark = ">"
		case TodoCompleted:
			mark = "x"
		}
		fmt.Fprintf(&b, "- [%s] %s\n", mark, t.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// replace swaps in a new list, assigns missing ids, and fires the mirror
// and callback.
func (l *TodoList) replace(todos []Todo) []Todo {
	for i := range todos {
		if todos[i].ID == "" {
			todos[i].ID = uuid.NewString()
		}
		if todos[i].Status == "" {
			todos[i].Status = TodoPending
		}
	}

	l.mu.Lock()
	l.todos = todos
	fn := l.onUpdate
	path := l.mirrorPath
	l.mu.Unlock()

	if path != "" {
		if err := os.WriteFile(path, []byte(l.Content()+"\n"), 0644); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to mirror todo list")
		}
	}
	if fn != nil {
		fn(l.Todos())
	}
	return todos
}

// TodoWriteArgs represents arguments for the TodoWrite tool.
type TodoWriteArgs struct {
	Todos []Todo `json:"todos"`
}

// NewTodoWriteTool creates the TodoWrite tool definition.
func NewTodoWriteTool() mcp.Tool {
	return mcp.Tool{
		Name:        "TodoWrite",
		Description: `Replace your working todo list. The list is kept visible at the end of your context window and mirrored to todo.md for the user. Use it to track goals, progress, and next steps for tasks with 3+ steps; update statuses as you work. Keep at most one item in_progress. Skip for simple single-step tasks.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"todos": {
					"type": "array",
					"description": "The full todo list; replaces the previous list entirely.",
					"items": {
						"type": "object",
						"properties": {
							"id":      {"type": "string", "description": "Stable item id; omit for new items"},
							"content": {"type": "string", "description": "What needs to be done"},
							"status":  {"type": "string", "enum": ["pending", "in_progress", "completed"]}
						},
						"required": ["content"]
					}
				}
			},
			"required": ["todos"]
		}`),
	}
}

// MakeTodoWriteHandler creates a handler that replaces the todo list.
func MakeTodoWriteHandler(list *TodoList) mcp.ToolHandler {
	return func(_ context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args TodoWriteArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return toolError("Invalid arguments: %v", err), nil
		}
		for _, t := range args.Todos {
			if t.Content == "" {
				return toolError("todo content cannot be empty"), nil
			}
			switch t.Status {
			case "", TodoPending, TodoInProgress, TodoCompleted:
			default:
				return toolError("invalid todo status %q", t.Status), nil
			}
		}

		todos := list.replace(args.Todos)

		pending, inProgress, completed := 0, 0, 0
		for _, t := range todos {
			switch t.Status {
			case TodoInProgress:
				inProgress++
			case TodoCompleted:
				completed++
			default:
				pending++
			}
		}
		return toolText(fmt.Sprintf("Todo list updated: %d pending, %d in progress, %d completed.",
			pending, inProgress, completed)), nil
	}
}
