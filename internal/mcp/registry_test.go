package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func testEntry(name string, schema string) ToolEntry {
	return ToolEntry{
		Tool: Tool{
			Name:        name,
			Description: "test tool " + name,
			InputSchema: json.RawMessage(schema),
		},
		Handler: func(ctx context.Context, arguments json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: []ContentBlock{{Type: "text", Text: "ok"}}}, nil
		},
	}
}

func TestToolCatalogDeterministic(t *testing.T) {
	r := NewRegistry(nil)
	// Registered out of order, with object keys in non-sorted source order.
	schemas := map[string]string{
		"Zeta":  `{"type":"object","properties":{"z":{"type":"string"},"a":{"type":"integer"}}}`,
		"Alpha": `{"type":"object","properties":{"beta":{"type":"boolean"},"alpha":{"type":"string"}}}`,
		"Mid":   `{"type":"object","properties":{}}`,
	}
	for name, schema := range schemas {
		if err := r.Register(testEntry(name, schema)); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	first, err := json.Marshal(r.ToolCatalog())
	if err != nil {
		t.Fatalf("marshal catalog: %v", err)
	}
	second, err := json.Marshal(r.ToolCatalog())
	if err != nil {
		t.Fatalf("marshal catalog: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("ToolCatalog must serialize byte-identically across calls")
	}

	// Sorted by name.
	catalog := r.ToolCatalog()
	if catalog[0].Name != "Alpha" || catalog[1].Name != "Mid" || catalog[2].Name != "Zeta" {
		t.Fatalf("catalog not sorted by name: %v", []string{catalog[0].Name, catalog[1].Name, catalog[2].Name})
	}

	// Object keys canonicalized.
	if z := string(catalog[2].InputSchema); strings.Index(z, `"a"`) > strings.Index(z, `"z"`) {
		t.Fatalf("schema keys not canonicalized: %s", z)
	}
}

func TestRegisterRejectsInvalidSchema(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(testEntry("Bad", `{"type": 12}`)); err == nil {
		t.Fatal("expected schema compilation error")
	}
}

func TestWrappedHandlerValidatesArguments(t *testing.T) {
	r := NewRegistry(nil)
	entry := testEntry("Strict", `{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"]}`)
	if err := r.Register(entry); err != nil {
		t.Fatalf("register: %v", err)
	}

	result, err := r.CallTool(context.Background(), "Strict", json.RawMessage(`{"n":"not a number"}`))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected validation failure to surface as an error tool result")
	}
	if !strings.Contains(result.Content[0].Text, "Protocol error") {
		t.Fatalf("unexpected error text: %s", result.Content[0].Text)
	}

	result, err = r.CallTool(context.Background(), "Strict", json.RawMessage(`{"n":3}`))
	if err != nil || result.IsError {
		t.Fatalf("valid arguments should pass: %v %+v", err, result)
	}
}
