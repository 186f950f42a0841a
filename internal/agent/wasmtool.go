package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nexusgate/nexusgate/internal/sandbox"
	"github.com/tetratelabs/wazero"
)

// wasmTool is one registered tool-kind plugin: its advertised definition
// plus the compiled module backing it.
type wasmTool struct {
	def      ToolDef
	compiled wazero.CompiledModule
	manifest *sandbox.PluginManifest
	caps     *sandbox.CapabilitySet
}

// wasmToolRequest/wasmToolResponse are the JSON shape handle_request
// exchanges with the host, mirroring channel.Plugin's handle_message
// envelope for the tool-kind entrypoint.
type wasmToolRequest struct {
	Arguments map[string]any `json:"arguments"`
}

type wasmToolResponse struct {
	Result    json.RawMessage `json:"result"`
	Error     string          `json:"error"`
	Temporary bool            `json:"temporary"`
}

// WasmToolSource is the ToolSource for tool-kind WASM plugins (C7):
// sandbox-hosted modules exporting handle_request, registered at startup
// alongside a ToolDef the engine advertises to the model. A manifest
// alone can't carry a JSON schema, so each registration pairs the
// compiled module with an operator-supplied ToolDef.
type WasmToolSource struct {
	rt     *sandbox.Runtime
	quotas sandbox.Quotas
	deps   sandbox.Dependencies

	mu    sync.RWMutex
	tools map[string]*wasmTool
}

// NewWasmToolSource builds an empty registry backed by rt; call Register
// for each configured tool plugin.
func NewWasmToolSource(rt *sandbox.Runtime, quotas sandbox.Quotas, deps sandbox.Dependencies) *WasmToolSource {
	return &WasmToolSource{
		rt:     rt,
		quotas: quotas,
		deps:   deps,
		tools:  make(map[string]*wasmTool),
	}
}

// Register derives def.Name's manifest from wasmBytes, rejects anything
// not kind "tool", compiles it, and makes it invocable under def.Name.
func (w *WasmToolSource) Register(ctx context.Context, def ToolDef, wasmBytes []byte) error {
	manifest, err := sandbox.DeriveManifest(ctx, w.rt.Wazero(), wasmBytes)
	if err != nil {
		return fmt.Errorf("agent: derive manifest for %s: %w", def.Name, err)
	}
	if manifest.Kind != "tool" {
		return fmt.Errorf("agent: plugin for %s exports %s, not a tool entrypoint", def.Name, manifest.Entrypoint)
	}

	compiled, err := w.rt.Compile(ctx, "tool:"+def.Name, wasmBytes)
	if err != nil {
		return fmt.Errorf("agent: compile tool plugin %s: %w", def.Name, err)
	}

	def.Impl = ToolWasmPlugin

	w.mu.Lock()
	defer w.mu.Unlock()
	w.tools[def.Name] = &wasmTool{
		def:      def,
		compiled: compiled,
		manifest: manifest,
		caps:     sandbox.NewCapabilitySet(w.quotas, manifest.Capabilities...),
	}
	return nil
}

// Tools implements agent.ToolSource.
func (w *WasmToolSource) Tools(ctx context.Context) ([]ToolDef, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	defs := make([]ToolDef, 0, len(w.tools))
	for _, t := range w.tools {
		defs = append(defs, t.def)
	}
	return defs, nil
}

// Invoke implements agent.ToolInvoker.
func (w *WasmToolSource) Invoke(ctx context.Context, call ToolCall) (string, error) {
	w.mu.RLock()
	t, ok := w.tools[call.Name]
	w.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("agent: wasm tool %q not found", call.Name)
	}

	input, err := json.Marshal(wasmToolRequest{Arguments: call.Arguments})
	if err != nil {
		return "", fmt.Errorf("agent: encode wasm tool input: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, w.quotas.MaxWallClock)
	defer cancel()

	out, err := w.rt.Invoke(callCtx, t.compiled, t.manifest, t.caps, w.deps, input)
	if err != nil {
		return "", fmt.Errorf("agent: invoke wasm tool %s: %w", call.Name, err)
	}

	var resp wasmToolResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return "", fmt.Errorf("agent: decode wasm tool output: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("agent: wasm tool %s: %s", call.Name, resp.Error)
	}
	return string(resp.Result), nil
}
