package sandbox

import (
	"context"
	"time"

	"github.com/tetratelabs/wazero/api"
)

// Host functions that return variable-length data don't write straight into
// guest memory (the guest hasn't allocated a destination yet): they stash
// the result on the invocation and return its length, so the guest can
// alloc that many bytes and call read_result to copy them in. Fixed-size
// results (status codes, booleans) return directly.

// buildHostModule registers and instantiates every host function the
// sandbox exposes, under the single "env" import namespace plugins must
// target, so guest modules can resolve "env.*" imports against it.
// Capability checks happen inside each function, not at link time, because
// link time has no access to the per-invocation grant.
func (r *Runtime) buildHostModule(ctx context.Context) (api.Module, error) {
	builder := r.rt.NewHostModuleBuilder(hostModuleName)

	builder.NewFunctionBuilder().WithFunc(hostCredentialGet).Export("credential_get")
	builder.NewFunctionBuilder().WithFunc(hostHTTPFetch).Export("http_fetch")
	builder.NewFunctionBuilder().WithFunc(hostMediaStore).Export("media_store")
	builder.NewFunctionBuilder().WithFunc(hostLogEmit).Export("log_emit")
	builder.NewFunctionBuilder().WithFunc(hostKVRead).Export("kv_read")
	builder.NewFunctionBuilder().WithFunc(hostKVWrite).Export("kv_write")
	builder.NewFunctionBuilder().WithFunc(hostReadResult).Export("read_result")
	builder.NewFunctionBuilder().WithFunc(hostLastStatus).Export("last_status")

	return builder.Instantiate(ctx)
}

func readString(mod api.Module, ptr, length uint32) string {
	b, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return ""
	}
	return string(b)
}

func readBytes(mod api.Module, ptr, length uint32) []byte {
	b, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

const (
	statusOK       int32 = 0
	statusDenied   int32 = -1
	statusNotFound int32 = -2
	statusError    int32 = -3
)

func hostCredentialGet(ctx context.Context, mod api.Module, namePtr, nameLen uint32) int64 {
	inv := invocationFrom(ctx)
	if inv == nil || !inv.caps.Has(CapCredentialGet) || inv.deps.CredentialGet == nil {
		return int64(statusDenied)
	}
	name := readString(mod, namePtr, nameLen)
	val, err := inv.deps.CredentialGet(ctx, name)
	if err != nil {
		return int64(statusNotFound)
	}
	inv.last = []byte(val)
	return int64(len(inv.last))
}

func hostHTTPFetch(ctx context.Context, mod api.Module, methodPtr, methodLen, urlPtr, urlLen, bodyPtr, bodyLen uint32) int64 {
	inv := invocationFrom(ctx)
	if inv == nil || !inv.caps.Has(CapHTTPFetch) || inv.deps.HTTPFetch == nil {
		return int64(statusDenied)
	}
	if !inv.caps.AllowHTTP(invocationNow()) {
		return int64(statusDenied)
	}

	method := readString(mod, methodPtr, methodLen)
	url := readString(mod, urlPtr, urlLen)
	body := readBytes(mod, bodyPtr, bodyLen)

	status, respBody, err := inv.deps.HTTPFetch(ctx, method, url, body)
	if err != nil {
		return int64(statusError)
	}
	inv.last = respBody
	inv.lastStatus = int32(status)
	return int64(len(inv.last))
}

func hostMediaStore(ctx context.Context, mod api.Module, ptr, length uint32) int64 {
	inv := invocationFrom(ctx)
	if inv == nil || !inv.caps.Has(CapMediaStore) || inv.deps.MediaStore == nil {
		return int64(statusDenied)
	}
	if int64(length) > inv.caps.MaxMediaFetchBytes() {
		return int64(statusDenied)
	}

	data := readBytes(mod, ptr, length)
	ref, err := inv.deps.MediaStore(ctx, data)
	if err != nil {
		return int64(statusError)
	}
	inv.last = []byte(ref)
	return int64(len(inv.last))
}

func hostLogEmit(ctx context.Context, mod api.Module, ptr, length uint32) int32 {
	inv := invocationFrom(ctx)
	if inv == nil || !inv.caps.Has(CapLogEmit) || inv.deps.LogEmit == nil {
		return statusDenied
	}
	if !inv.caps.AllowLog(invocationNow()) {
		return statusDenied
	}
	inv.deps.LogEmit(ctx, readString(mod, ptr, length))
	return statusOK
}

func hostKVRead(ctx context.Context, mod api.Module, keyPtr, keyLen uint32) int64 {
	inv := invocationFrom(ctx)
	if inv == nil || !inv.caps.Has(CapKVRead) || inv.deps.KVRead == nil {
		return int64(statusDenied)
	}
	key := readString(mod, keyPtr, keyLen)
	val, ok, err := inv.deps.KVRead(ctx, key)
	if err != nil {
		return int64(statusError)
	}
	if !ok {
		return int64(statusNotFound)
	}
	inv.last = val
	return int64(len(inv.last))
}

func hostKVWrite(ctx context.Context, mod api.Module, keyPtr, keyLen, valPtr, valLen uint32) int32 {
	inv := invocationFrom(ctx)
	if inv == nil || !inv.caps.Has(CapKVWrite) || inv.deps.KVWrite == nil {
		return statusDenied
	}
	key := readString(mod, keyPtr, keyLen)
	val := readBytes(mod, valPtr, valLen)
	if err := inv.deps.KVWrite(ctx, key, val); err != nil {
		return statusError
	}
	return statusOK
}

// hostReadResult copies the last stashed variable-length result into a
// buffer the guest has already allocated (its length must be >= the value
// the preceding call returned).
func hostReadResult(ctx context.Context, mod api.Module, dstPtr uint32) int32 {
	inv := invocationFrom(ctx)
	if inv == nil || inv.last == nil {
		return statusError
	}
	if !mod.Memory().Write(dstPtr, inv.last) {
		return statusError
	}
	return statusOK
}

func hostLastStatus(ctx context.Context, mod api.Module) int32 {
	inv := invocationFrom(ctx)
	if inv == nil {
		return statusError
	}
	return inv.lastStatus
}

// invocationNow exists only so quota checks have a time source that doesn't
// reach for time.Now() directly from inside a host function closure — kept
// as a thin wrapper in case invocation-scoped clocks are needed later for
// deterministic replay in tests.
func invocationNow() time.Time {
	return time.Now()
}
