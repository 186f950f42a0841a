package sandbox

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// hostModuleName is the import namespace every plugin's WASM imports must
// use to reach the sandbox's host functions, mirroring the single-namespace
// dispatch table style of the gateway's own MCP server.
const hostModuleName = "env"

// importCapability maps a host import name to the capability it requires.
// A manifest's capability list is derived from these imports, so loading
// does not reject a plugin for what it imports; each host function checks
// the caller's granted capabilities when it is called.
var importCapability = map[string]Capability{
	"credential_get": CapCredentialGet,
	"http_fetch":     CapHTTPFetch,
	"media_store":    CapMediaStore,
	"log_emit":       CapLogEmit,
	"kv_read":        CapKVRead,
	"kv_write":       CapKVWrite,
}

// PluginManifest is derived statically from a compiled module: what it
// imports (and therefore what it needs granted) and what entrypoint it
// exports, rather than trusted metadata shipped alongside the binary.
type PluginManifest struct {
	Kind         string
	Capabilities []Capability
	Entrypoint   string
}

// DeriveManifest compiles wasmBytes and inspects its import/export tables to
// build the manifest the runtime will enforce against. It does not
// instantiate the module, so deriving a manifest never runs plugin code.
func DeriveManifest(ctx context.Context, runtime wazero.Runtime, wasmBytes []byte) (*PluginManifest, error) {
	compiled, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compile module: %w", err)
	}
	defer compiled.Close(ctx)

	m := &PluginManifest{}

	seen := map[Capability]bool{}
	for _, fn := range compiled.ImportedFunctions() {
		modName, name, ok := fn.Import()
		if !ok || modName != hostModuleName {
			continue
		}
		if cap, ok := importCapability[name]; ok && !seen[cap] {
			seen[cap] = true
			m.Capabilities = append(m.Capabilities, cap)
		}
	}

	exports := compiled.ExportedFunctions()
	switch {
	case hasExport(exports, "handle_message"):
		m.Kind = "channel"
		m.Entrypoint = "handle_message"
	case hasExport(exports, "handle_request"):
		m.Kind = "tool"
		m.Entrypoint = "handle_request"
	case hasExport(exports, "run"):
		m.Kind = "task"
		m.Entrypoint = "run"
	default:
		return nil, fmt.Errorf("sandbox: module exports no recognized entrypoint")
	}

	return m, nil
}

func hasExport(exports map[string]api.FunctionDefinition, name string) bool {
	_, ok := exports[name]
	return ok
}
