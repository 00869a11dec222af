package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolEntry is the full contract a local tool satisfies to register with a
// Registry: a schema and handler (same as Proxy.RegisterTool took before),
// plus the capability flags the dispatcher needs to decide how to run it.
type ToolEntry struct {
	Tool    Tool
	Handler ToolHandler

	// Status renders a short present-tense description of a call for the UI
	// ("Reading main.go"). Optional; falls back to the tool name.
	Status func(arguments json.RawMessage) string

	// Parallel marks the tool as safe to run concurrently with other calls
	// in the same round. ParallelFor, when set, overrides Parallel on a
	// per-call basis (e.g. TaskMemory's recall/similar actions are safe,
	// save is not).
	Parallel    bool
	ParallelFor func(arguments json.RawMessage) bool
}

// Registry extends Proxy with a typed capability table and JSON Schema
// validation of both registered schemas and incoming arguments. It is the
// concrete implementation of the Registry+Tool contract.
type Registry struct {
	*Proxy

	mu      sync.RWMutex
	entries map[string]ToolEntry
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates a Registry backed by an (optional) upstream client.
func NewRegistry(upstream UpstreamClient) *Registry {
	return &Registry{
		Proxy:   NewProxy(upstream),
		entries: make(map[string]ToolEntry),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register compiles the tool's input schema and installs the entry. An
// invalid schema is rejected at registration time rather than surfacing as a
// confusing dispatch failure later.
func (r *Registry) Register(entry ToolEntry) error {
	compiled, err := compileSchema(entry.Tool.Name, entry.Tool.InputSchema)
	if err != nil {
		return fmt.Errorf("register tool %s: %w", entry.Tool.Name, err)
	}

	r.mu.Lock()
	r.entries[entry.Tool.Name] = entry
	r.schemas[entry.Tool.Name] = compiled
	r.mu.Unlock()

	r.Proxy.RegisterTool(entry.Tool, r.wrapHandler(entry.Tool.Name, entry.Handler))
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty input schema")
	}
	c := jsonschema.NewCompiler()
	url := "mem://" + name + ".json"
	if err := c.AddResource(url, bytesReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

func bytesReader(raw json.RawMessage) io.Reader {
	return bytes.NewReader(raw)
}

// wrapHandler validates arguments against the tool's schema before invoking
// the underlying handler. A validation failure is returned as a protocol
// error tool result (not a Go error), matching the "reject before Act runs"
// design.
func (r *Registry) wrapHandler(name string, handler ToolHandler) ToolHandler {
	return func(ctx context.Context, arguments json.RawMessage) (*ToolResult, error) {
		r.mu.RLock()
		schema := r.schemas[name]
		r.mu.RUnlock()

		if schema != nil {
			if err := validateArguments(schema, arguments); err != nil {
				log.Warn().Str("tool", name).Err(err).Msg("tool call failed schema validation")
				return &ToolResult{
					Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("Protocol error: arguments for %s failed validation: %v", name, err)}},
					IsError: true,
				}, nil
			}
		}

		return handler(ctx, arguments)
	}
}

func validateArguments(schema *jsonschema.Schema, arguments json.RawMessage) error {
	var v interface{}
	if len(arguments) == 0 {
		v = map[string]interface{}{}
	} else if err := json.Unmarshal(arguments, &v); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return schema.Validate(v)
}

// ParallelSafe reports whether a call to the named tool with the given
// arguments may run concurrently with other calls in the same round.
// Unknown tools (upstream-only) are treated as not parallel-safe.
func (r *Registry) ParallelSafe(name string, arguments json.RawMessage) bool {
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if entry.ParallelFor != nil {
		return entry.ParallelFor(arguments)
	}
	return entry.Parallel
}

// StatusText renders a short human-readable description of a pending call,
// falling back to the bare tool name when the entry has no Status func.
func (r *Registry) StatusText(name string, arguments json.RawMessage) string {
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok || entry.Status == nil {
		return name
	}
	return entry.Status(arguments)
}

// ToolCatalog returns every registered local tool, sorted by name with each
// schema's object keys canonicalized to a stable order. Providers cache
// prompt prefixes on the serialized tool catalog, so a stable byte-for-byte
// encoding across turns is what makes that caching effective — an
// unsorted map iteration would invalidate the cache on every call.
func (r *Registry) ToolCatalog() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	catalog := make([]Tool, 0, len(names))
	for _, name := range names {
		t := r.entries[name].Tool
		t.InputSchema = canonicalizeJSON(t.InputSchema)
		catalog = append(catalog, t)
	}
	return catalog
}

// canonicalizeJSON round-trips raw JSON through a generic value so that
// object keys serialize in Go's stable (sorted) map order, regardless of
// the order they appeared in the source literal.
func canonicalizeJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
