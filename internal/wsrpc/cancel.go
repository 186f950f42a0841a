package wsrpc

import (
	"context"
	"sync"
)

// CancelKey identifies one cancellable operation: the connection that
// started it and the request id it was started under.
type CancelKey struct {
	ConnID    string
	RequestID string
}

// CancelRegistry tracks the cancellation-token tree for in-flight
// operations. Cancelling a key cancels its context and every descendant
// registered under it; descendants are tracked by parent key so a
// disconnect can cancel every operation a connection started in one call.
type CancelRegistry struct {
	mu       sync.Mutex
	cancels  map[CancelKey]context.CancelFunc
	children map[CancelKey][]CancelKey
}

// NewCancelRegistry builds an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{
		cancels:  make(map[CancelKey]context.CancelFunc),
		children: make(map[CancelKey][]CancelKey),
	}
}

// Register derives a cancellable context from parent for key, tracking it
// under parentKey (the zero CancelKey for a top-level operation). The
// returned cleanup func must be called once the operation completes,
// whether normally or via cancellation, to release the registry entry.
func (r *CancelRegistry) Register(parent context.Context, key CancelKey, parentKey CancelKey) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	r.mu.Lock()
	r.cancels[key] = cancel
	if parentKey != (CancelKey{}) {
		r.children[parentKey] = append(r.children[parentKey], key)
	}
	r.mu.Unlock()

	cleanup := func() {
		r.mu.Lock()
		delete(r.cancels, key)
		delete(r.children, key)
		r.mu.Unlock()
	}

	return ctx, cleanup
}

// Cancel cancels key and every descendant registered under it.
func (r *CancelRegistry) Cancel(key CancelKey) {
	r.mu.Lock()
	cancel, ok := r.cancels[key]
	children := append([]CancelKey(nil), r.children[key]...)
	r.mu.Unlock()

	if ok {
		cancel()
	}
	for _, child := range children {
		r.Cancel(child)
	}
}

// CancelConnection cancels every operation registered with connID as its
// ConnID — used when a connection disconnects (spec invariant P5).
func (r *CancelRegistry) CancelConnection(connID string) {
	r.mu.Lock()
	var keys []CancelKey
	for k := range r.cancels {
		if k.ConnID == connID {
			keys = append(keys, k)
		}
	}
	r.mu.Unlock()

	for _, k := range keys {
		r.Cancel(k)
	}
}
