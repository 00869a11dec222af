package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/symbiont-labs/cortex/internal/mcp"
	"github.com/symbiont-labs/cortex/internal/store"
)

// TaskMemoryArgs represents arguments for the TaskMemory tool.
type TaskMemoryArgs struct {
	Action       string   `json:"action"`
	Description  string   `json:"description,omitempty"`
	Progress     string   `json:"progress,omitempty"`
	Decisions    string   `json:"decisions,omitempty"`
	Context      string   `json:"context,omitempty"`
	FilesChanged []string `json:"files_changed,omitempty"`
	NextSteps    string   `json:"next_steps,omitempty"`
	Query        string   `json:"query,omitempty"`
	Limit        int      `json:"limit,omitempty"`
}

// NewTaskMemoryTool creates the TaskMemory tool definition.
func NewTaskMemoryTool() mcp.Tool {
	return mcp.Tool{
		Name:        "TaskMemory",
		Description: `Persistent memory across sessions. Use action "save" at the end of substantial work to record what was done, decisions made, and next steps. Use "recall" to list recent entries, or "similar" with a query to find entries about related work. Check memory at the start of a task that might continue earlier work.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action":        {"type": "string", "enum": ["save", "recall", "similar"], "description": "What to do"},
				"description":   {"type": "string", "description": "save: one-line summary of the task"},
				"progress":      {"type": "string", "description": "save: what was accomplished"},
				"decisions":     {"type": "string", "description": "save: decisions made and why"},
				"context":       {"type": "string", "description": "save: context a future session needs"},
				"files_changed": {"type": "array", "items": {"type": "string"}, "description": "save: files that were modified"},
				"next_steps":    {"type": "string", "description": "save: what remains to be done"},
				"query":         {"type": "string", "description": "similar: words to match against stored entries"},
				"limit":         {"type": "integer", "description": "recall/similar: max entries to return (default 5)"}
			},
			"required": ["action"]
		}`),
	}
}

// TaskMemoryParallelSafe reports whether a TaskMemory call may run
// concurrently with other calls: the read actions are safe, save is not.
func TaskMemoryParallelSafe(arguments json.RawMessage) bool {
	var args TaskMemoryArgs
	if json.Unmarshal(arguments, &args) != nil {
		return false
	}
	return args.Action == "recall" || args.Action == "similar"
}

// MakeTaskMemoryHandler creates a handler backed by the store.
func MakeTaskMemoryHandler(db *store.Cache) mcp.ToolHandler {
	return func(_ context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args TaskMemoryArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return toolError("Invalid arguments: %v", err), nil
		}

		switch args.Action {
		case "save":
			if args.Description == "" {
				return toolError("description is required for save"), nil
			}
			entry := store.TaskMemory{
				ID:           uuid.NewString(),
				Timestamp:    time.Now(),
				Description:  args.Description,
				Progress:     args.Progress,
				Decisions:    args.Decisions,
				Context:      args.Context,
				FilesChanged: args.FilesChanged,
				NextSteps:    args.NextSteps,
			}
			if err := db.SaveTaskMemory(entry); err != nil {
				return toolError("save failed: %v", err), nil
			}
			return toolText("Task memory saved: " + entry.ID), nil

		case "recall":
			entries, err := db.RecentTaskMemories(defaultLimit(args.Limit))
			if err != nil {
				return toolError("recall failed: %v", err), nil
			}
			return toolText(formatTaskMemories(entries)), nil

		case "similar":
			if args.Query == "" {
				return toolError("query is required for similar"), nil
			}
			entries, err := db.SearchTaskMemories(args.Query, defaultLimit(args.Limit))
			if err != nil {
				return toolError("similar failed: %v", err), nil
			}
			return toolText(formatTaskMemories(entries)), nil

		default:
			return toolError("unknown action %q (want save, recall, or similar)", args.Action), nil
		}
	}
}

func defaultLimit(n int) int {
	if n <= 0 {
		return 5
	}
	return n
}

func formatTaskMemories(entries []store.TaskMemory) string {
	if len(entries) == 0 {
		return "No task memories found."
	}
	var b strings.Builder
	for i, m := range entries {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		fmt.Fprintf(&b, "[%s] %s\n", m.Timestamp.Format("2006-01-02 15:04"), m.Description)
		if m.Progress != "" {
			fmt.Fprintf(&b, "Progress: %s\n", m.Progress)
		}
		if m.Decisions != "" {
			fmt.Fprintf(&b, "Decisions: %s\n", m.Decisions)
		}
		if m.Context != "" {
			fmt.Fprintf(&b, "Context: %s\n", m.Context)
		}
		if len(m.FilesChanged) > 0 {
			fmt.Fprintf(&b, "Files: %s\n", strings.Join(m.FilesChanged, ", "))
		}
		if m.NextSteps != "" {
			fmt.Fprintf(&b, "Next: %s\n", m.NextSteps)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
