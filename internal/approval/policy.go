// Package approval implements the per-tool ApprovalPolicy table consulted
// by the dispatcher before a tool call runs: which tools need a user
// confirmation, and which confirmations the user has already blessed
// "always allow" for.
package approval

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
)

// Decision is the outcome of a ConfirmAction prompt.
type Decision int

const (
	// Denied means the user said no, or a timeout elapsed.
	Denied Decision = iota
	// Allowed means the user said yes for this one call.
	Allowed
	// AllowedAlways means the user said "always" — record it so future
	// identical calls skip the prompt.
	AllowedAlways
)

// Class buckets tools into the default approval table.
type Class int

const (
	// ClassReadOnly tools (read, list, grep, git-read, memory-recall) never
	// require approval.
	ClassReadOnly Class = iota
	// ClassShell always requires approval, unless the exact command string
	// was previously marked "always allow".
	ClassShell
	// ClassCompression (history compression) always requires approval.
	ClassCompression
	// ClassWebSearch always requires approval.
	ClassWebSearch
	// ClassWrite (file write/edit/delete) requires approval unless the tool
	// was marked "always allow"; no call argument opts a single call out.
	ClassWrite
)

// record holds the approval memory for a single tool.
type record struct {
	allowAlways bool
	// allowedCommands is only consulted for ClassShell tools: the set of
	// exact command strings the user has blessed "always allow".
	allowedCommands map[string]struct{}
}

// Policy is the table keyed by tool name, answering RequiresApproval and
// holding the "always allow" memory. The zero value is not usable;
// construct with New, then register each tool's class with Register before
// first use (unregistered tools default to ClassWrite, the conservative
// choice).
type Policy struct {
	mu      sync.Mutex
	classes map[string]Class
	records map[string]*record
}

// New creates an empty Policy.
func New() *Policy {
	return &Policy{
		classes: make(map[string]Class),
		records: make(map[string]*record),
	}
}

// Register assigns a tool name to an approval class. Call once per tool at
// startup, alongside Registry.Register (internal/mcp).
func (p *Policy) Register(toolName string, class Class) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.classes[toolName] = class
}

// classOf returns the registered class for a tool, defaulting to ClassWrite
// (require approval) for anything not explicitly registered — an unknown
// tool is treated as dangerous until proven otherwise.
func (p *Policy) classOf(toolName string) Class {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.classes[toolName]; ok {
		return c
	}
	return ClassWrite
}

// RequiresApproval reports whether a call to toolName with the given
// command string (only meaningful for ClassShell; ignored otherwise) and
// needUserApprove flag (the model's own "need_user_approve" schema field)
// must be confirmed by the user before it runs.
func (p *Policy) RequiresApproval(toolName, command string, needUserApprove bool) bool {
	if needUserApprove {
		return true
	}

	switch p.classOf(toolName) {
	case ClassReadOnly:
		return false
	case ClassCompression, ClassWebSearch:
		return true
	case ClassShell:
		return !p.shellAlwaysAllowed(toolName, command)
	case ClassWrite:
		return !p.alwaysAllowed(toolName)
	default:
		return true
	}
}

// alwaysAllowed reports whether the tool (non-shell) was marked "always
// allow" as a whole.
func (p *Policy) alwaysAllowed(toolName string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.records[toolName]
	return r != nil && r.allowAlways
}

// shellAlwaysAllowed reports whether this exact command string was
// previously blessed "always allow" for the shell tool.
func (p *Policy) shellAlwaysAllowed(toolName, command string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.records[toolName]
	if r == nil || r.allowedCommands == nil {
		return false
	}
	_, ok := r.allowedCommands[command]
	return ok
}

// Record applies a Decision returned from a ConfirmAction prompt. For
// AllowedAlways on a ClassShell tool, command scopes the memory to that
// exact string; for any other class, the memory is scoped to the tool as a
// whole.
func (p *Policy) Record(toolName, command string, d Decision) {
	if d != AllowedAlways {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.records[toolName]
	if r == nil {
		r = &record{}
		p.records[toolName] = r
	}
	if p.classes[toolName] == ClassShell {
		if r.allowedCommands == nil {
			r.allowedCommands = make(map[string]struct{})
		}
		r.allowedCommands[command] = struct{}{}
		return
	}
	r.allowAlways = true
}

// DefaultClasses is the default approval table for tools shipped by this
// repository, by name. Callers register additional or overriding entries
// with Register.
var DefaultClasses = map[string]Class{
	"Read":       ClassReadOnly,
	"Grep":       ClassReadOnly,
	"GitStatus":  ClassReadOnly,
	"GitDiff":    ClassReadOnly,
	"TaskMemory": ClassReadOnly, // recall/similar; save is gated separately by dispatcher parallel-safety, not approval
	"TodoWrite":  ClassReadOnly,
	"Shell":      ClassShell,
	"WebSearch":  ClassWebSearch,
	"WebFetch":   ClassWebSearch,
	"Edit":       ClassWrite,
	"SubAgent":   ClassWrite,
}

// RegisterDefaults registers every entry of DefaultClasses.
func (p *Policy) RegisterDefaults() {
	for name, class := range DefaultClasses {
		p.Register(name, class)
	}
}

// persistedRecord is the on-disk shape of one tool's approval memory.
type persistedRecord struct {
	AllowAlways     bool     `json:"allow_always,omitempty"`
	AllowedCommands []string `json:"allowed_commands,omitempty"`
}

// Save writes the "always allow" memory to path as JSON. Classes are not
// persisted; they are re-registered at startup.
func (p *Policy) Save(path string) error {
	p.mu.Lock()
	out := make(map[string]persistedRecord, len(p.records))
	for name, r := range p.records {
		pr := persistedRecord{AllowAlways: r.allowAlways}
		for cmd := range r.allowedCommands {
			pr.AllowedCommands = append(pr.AllowedCommands, cmd)
		}
		sort.Strings(pr.AllowedCommands)
		out[name] = pr
	}
	p.mu.Unlock()

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Load merges previously saved approval memory from path. A missing file is
// not an error.
func (p *Policy) Load(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var in map[string]persistedRecord
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for name, pr := range in {
		r := p.records[name]
		if r == nil {
			r = &record{}
			p.records[name] = r
		}
		r.allowAlways = r.allowAlways || pr.AllowAlways
		for _, cmd := range pr.AllowedCommands {
			if r.allowedCommands == nil {
				r.allowedCommands = make(map[string]struct{})
			}
			r.allowedCommands[cmd] = struct{}{}
		}
	}
	return nil
}
