package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/symbiont-labs/cortex/internal/filesearch"
	"github.com/symbiont-labs/cortex/internal/mcp"
)

// GrepArgs represents arguments for the Grep tool.
type GrepArgs struct {
	Pattern       string `json:"pattern"`
	Path          string `json:"path,omitempty"`
	FilesOnly     bool   `json:"files_only,omitempty"`
	CaseSensitive bool   `json:"case_sensitive,omitempty"`
}

// NewGrepTool creates the Grep tool definition.
func NewGrepTool() mcp.Tool {
	return mcp.Tool{
		Name:        "Grep",
		Description: `Searches file contents for a regular expression pattern, gitignore-aware. Set files_only to search file names instead of contents.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern":        {"type": "string", "description": "Regular expression to search for"},
				"path":           {"type": "string", "description": "Directory to search from (defaults to the working directory)"},
				"files_only":     {"type": "boolean", "description": "Match file names instead of file contents"},
				"case_sensitive": {"type": "boolean", "description": "Case-sensitive matching (default false)"}
			},
			"required": ["pattern"]
		}`),
	}
}

const grepMaxResults = 200

// MakeGrepHandler returns a handler for the Grep tool backed by
// internal/filesearch, rooted at the process working directory.
func MakeGrepHandler() mcp.ToolHandler {
	return func(_ context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args GrepArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return toolError("Invalid arguments: %v", err), nil
		}
		if args.Pattern == "" {
			return toolError("pattern is required"), nil
		}

		root := args.Path
		if root == "" {
			wd, err := os.Getwd()
			if err != nil {
				return toolError("failed to get working directory: %v", err), nil
			}
			root = wd
		}

		searcher, err := filesearch.NewSearcher(root)
		if err != nil {
			return toolError("failed to build searcher: %v", err), nil
		}

		results, err := searcher.Search(context.Background(), filesearch.Options{
			Pattern:       args.Pattern,
			ContentSearch: !args.FilesOnly,
			CaseSensitive: args.CaseSensitive,
			MaxResults:    grepMaxResults,
			RootDir:       root,
		})
		if err != nil {
			return toolError("search failed: %v", err), nil
		}
		if len(results) == 0 {
			return toolText("No matches."), nil
		}

		var b strings.Builder
		for _, r := range results {
			if r.Line > 0 {
				fmt.Fprintf(&b, "%s:%d: %s\n", r.Path, r.Line, r.Content)
			} else {
				fmt.Fprintf(&b, "%s\n", r.Path)
			}
		}
		return toolText(b.String()), nil
	}
}
