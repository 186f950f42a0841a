// Package sandbox runs plugin code compiled to WASM under wazero, one fresh
// instance per invocation, with host functions gated by the capability set
// granted to that plugin. The shape — a fresh embedded-language instance per
// call exposing a closed, explicitly-named set of host functions — follows
// the gateway's own workflow scripting runtime; wazero replaces the embedded
// JS engine there with a WASM runtime so plugins can be written in any
// language that compiles to it.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Dependencies are the real backing services a plugin's host functions read
// from and write to. A Runtime is constructed once per gateway process;
// Dependencies are supplied per invocation so different plugins (or the same
// plugin invoked on behalf of different nodes) can be scoped to different
// credential/KV namespaces without re-registering host functions.
type Dependencies struct {
	CredentialGet func(ctx context.Context, name string) (string, error)
	HTTPFetch     func(ctx context.Context, method, url string, body []byte) (status int, respBody []byte, err error)
	MediaStore    func(ctx context.Context, data []byte) (ref string, err error)
	LogEmit       func(ctx context.Context, line string)
	KVRead        func(ctx context.Context, key string) ([]byte, bool, error)
	KVWrite       func(ctx context.Context, key string, value []byte) error
}

// Runtime owns the wazero runtime and the single host module instance that
// every plugin invocation's fresh guest instance is linked against.
type Runtime struct {
	rt   wazero.Runtime
	host api.Module

	mu    sync.Mutex
	cache map[string]wazero.CompiledModule
}

type ctxKey struct{}

// invocation is threaded through a call's context so the host functions
// (registered once, for the lifetime of the Runtime) can reach the
// capability grant and dependencies of whichever call is currently in
// flight on that goroutine.
type invocation struct {
	caps       *CapabilitySet
	deps       Dependencies
	mem        api.Memory
	last       []byte // last result buffer, drained by the guest's read_result call
	lastStatus int32  // status code of the last http_fetch call
}

// NewRuntime constructs a wazero runtime and registers the sandbox's host
// module. Call Close when the gateway shuts down.
func NewRuntime(ctx context.Context) (*Runtime, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	r := &Runtime{rt: rt, cache: map[string]wazero.CompiledModule{}}

	host, err := r.buildHostModule(ctx)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	r.host = host // kept so its lifetime is tied to the Runtime's; never called directly

	return r, nil
}

// Close releases the wazero runtime and every compiled module cached under it.
func (r *Runtime) Close(ctx context.Context) error {
	return r.rt.Close(ctx)
}

// Wazero exposes the underlying wazero.Runtime so callers can derive a
// manifest (DeriveManifest) against the same runtime a plugin will later be
// compiled and invoked under.
func (r *Runtime) Wazero() wazero.Runtime {
	return r.rt
}

// Compile parses and validates wasmBytes once; the result is cached by a
// caller-supplied key (typically the plugin's content digest) so repeated
// invocations of the same plugin skip re-validation.
func (r *Runtime) Compile(ctx context.Context, key string, wasmBytes []byte) (wazero.CompiledModule, error) {
	r.mu.Lock()
	if c, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	compiled, err := r.rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compile: %w", err)
	}

	r.mu.Lock()
	r.cache[key] = compiled
	r.mu.Unlock()

	return compiled, nil
}

// Invoke instantiates a fresh copy of compiled, calls the manifest's
// entrypoint with input, and tears the instance down before returning — no
// state survives from one call to the next, including for repeat calls by
// the same plugin. ctx's deadline (set by the caller to the quota's
// MaxWallClock) closes the instance out from under a runaway call.
func (r *Runtime) Invoke(ctx context.Context, compiled wazero.CompiledModule, manifest *PluginManifest, caps *CapabilitySet, deps Dependencies, input []byte) ([]byte, error) {
	inv := &invocation{caps: caps, deps: deps}
	ctx = context.WithValue(ctx, ctxKey{}, inv)

	modCfg := wazero.NewModuleConfig().
		WithStdout(io.Discard).
		WithStderr(io.Discard).
		WithName("")

	mod, err := r.rt.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return nil, fmt.Errorf("sandbox: instantiate: %w", err)
	}
	defer mod.Close(ctx)

	inv.mem = mod.Memory()
	if inv.mem == nil {
		return nil, errors.New("sandbox: module exports no memory")
	}

	alloc := mod.ExportedFunction("alloc")
	entry := mod.ExportedFunction(manifest.Entrypoint)
	if alloc == nil || entry == nil {
		return nil, fmt.Errorf("sandbox: module missing alloc or %s export", manifest.Entrypoint)
	}

	inPtr, err := writeBuffer(ctx, mod, alloc, input)
	if err != nil {
		return nil, err
	}

	results, err := entry.Call(ctx, inPtr, uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("sandbox: entrypoint call: %w", err)
	}
	if len(results) != 2 {
		return nil, fmt.Errorf("sandbox: entrypoint must return (ptr, len)")
	}

	outPtr, outLen := uint32(results[0]), uint32(results[1])
	out, ok := inv.mem.Read(outPtr, outLen)
	if !ok {
		return nil, errors.New("sandbox: entrypoint returned an out-of-bounds buffer")
	}

	// Copy out of guest memory before the instance is closed.
	buf := make([]byte, len(out))
	copy(buf, out)
	return buf, nil
}

// writeBuffer asks the guest to allocate space via its exported alloc
// function and copies data into it, returning the pointer the guest gave us.
func writeBuffer(ctx context.Context, mod api.Module, alloc api.Function, data []byte) (uint64, error) {
	res, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("sandbox: alloc: %w", err)
	}
	ptr := res[0]
	if len(data) == 0 {
		return ptr, nil
	}
	if !mod.Memory().Write(uint32(ptr), data) {
		return 0, errors.New("sandbox: alloc returned an out-of-bounds buffer")
	}
	return ptr, nil
}

func invocationFrom(ctx context.Context) *invocation {
	inv, _ := ctx.Value(ctxKey{}).(*invocation)
	return inv
}
