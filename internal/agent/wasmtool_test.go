package agent

import (
	"context"
	"testing"

	"github.com/nexusgate/nexusgate/internal/sandbox"
)

// emptyModule is the smallest valid WASM binary: just the magic number and
// version, no sections, so it exports no recognized entrypoint.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestWasmToolSourceRegisterRejectsModuleWithNoEntrypoint(t *testing.T) {
	ctx := context.Background()
	rt, err := sandbox.NewRuntime(ctx)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	defer rt.Close(ctx)

	w := NewWasmToolSource(rt, sandbox.DefaultQuotas(), sandbox.Dependencies{})
	err = w.Register(ctx, ToolDef{Name: "broken"}, emptyModule)
	if err == nil {
		t.Fatal("expected an error registering a module with no recognized entrypoint")
	}

	defs, err := w.Tools(ctx)
	if err != nil {
		t.Fatalf("Tools: %v", err)
	}
	if len(defs) != 0 {
		t.Fatalf("expected no tools registered after a failed Register, got %#v", defs)
	}
}

func TestWasmToolSourceInvokeUnknownTool(t *testing.T) {
	ctx := context.Background()
	rt, err := sandbox.NewRuntime(ctx)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	defer rt.Close(ctx)

	w := NewWasmToolSource(rt, sandbox.DefaultQuotas(), sandbox.Dependencies{})
	_, err = w.Invoke(ctx, ToolCall{Name: "does_not_exist"})
	if err == nil {
		t.Fatal("expected an error invoking an unregistered tool")
	}
}
