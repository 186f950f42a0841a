package agent

import (
	"context"
	"strings"
	"testing"
)

func TestBuiltinToolsListsHTTPFetch(t *testing.T) {
	b := NewBuiltinTools()
	defs, err := b.Tools(context.Background())
	if err != nil {
		t.Fatalf("Tools: %v", err)
	}
	if len(defs) != 1 || defs[0].Name != "http_fetch" {
		t.Fatalf("expected a single http_fetch tool, got %#v", defs)
	}
}

func TestBuiltinToolsRejectsLoopbackFetch(t *testing.T) {
	b := NewBuiltinTools()
	_, err := b.Invoke(context.Background(), ToolCall{
		Name:      "http_fetch",
		Arguments: map[string]any{"url": "http://127.0.0.1:9999/"},
	})
	if err == nil {
		t.Fatalf("expected loopback fetch to be rejected")
	}
}

func TestBuiltinToolsInvokeUnknownTool(t *testing.T) {
	b := NewBuiltinTools()
	_, err := b.Invoke(context.Background(), ToolCall{Name: "does_not_exist"})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not-found error, got %v", err)
	}
}
