package sandbox

import (
	"sync"
	"time"
)

// Capability names a host function a plugin may be granted access to. A
// plugin's manifest declares the subset it needs; the runtime only registers
// host module functions for capabilities actually granted.
type Capability string

const (
	CapCredentialGet Capability = "credential_get"
	CapHTTPFetch     Capability = "http_fetch"
	CapMediaStore    Capability = "media_store"
	CapLogEmit       Capability = "log_emit"
	CapKVRead        Capability = "kv_read"
	CapKVWrite       Capability = "kv_write"
)

// Quotas bounds how much of each capability a single plugin may consume per
// rolling minute, plus the hard per-call ceilings that never reset.
type Quotas struct {
	HTTPRequestsPerMinute int
	LogLinesPerMinute     int
	MaxMediaFetchBytes    int64
	MaxWallClock          time.Duration
}

// DefaultQuotas matches the limits every plugin call is held to; a
// manifest carries no quota fields, so these are not adjusted per plugin.
func DefaultQuotas() Quotas {
	return Quotas{
		HTTPRequestsPerMinute: 100,
		LogLinesPerMinute:     1000,
		MaxMediaFetchBytes:    50 * 1024 * 1024,
		MaxWallClock:          30 * time.Second,
	}
}

// CapabilitySet is the grant a single plugin invocation runs under: which
// host functions are reachable, and the meters gating how often they can be
// called. One CapabilitySet is built per plugin (not per call) so quotas
// accumulate across the plugin's calls within the rolling window.
type CapabilitySet struct {
	granted map[Capability]bool
	quotas  Quotas

	mu       sync.Mutex
	httpWin  rollingWindow
	logWin   rollingWindow
}

// NewCapabilitySet grants exactly the capabilities listed, metered by quotas.
func NewCapabilitySet(quotas Quotas, caps ...Capability) *CapabilitySet {
	granted := make(map[Capability]bool, len(caps))
	for _, c := range caps {
		granted[c] = true
	}
	return &CapabilitySet{granted: granted, quotas: quotas}
}

// Has reports whether a capability was granted.
func (c *CapabilitySet) Has(cap Capability) bool {
	return c.granted[cap]
}

// AllowHTTP consumes one slot of the per-minute HTTP quota, returning false
// if the plugin has exhausted its budget for this window.
func (c *CapabilitySet) AllowHTTP(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.httpWin.allow(now, c.quotas.HTTPRequestsPerMinute)
}

// AllowLog consumes one slot of the per-minute log-line quota.
func (c *CapabilitySet) AllowLog(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logWin.allow(now, c.quotas.LogLinesPerMinute)
}

// MaxMediaFetchBytes exposes the hard per-fetch byte ceiling.
func (c *CapabilitySet) MaxMediaFetchBytes() int64 {
	return c.quotas.MaxMediaFetchBytes
}

// rollingWindow is a minute-bucketed counter: each call that lands in a new
// 60s bucket resets the count, which is good enough for a quota that only
// needs to stop sustained abuse, not smooth exact rate limiting.
type rollingWindow struct {
	bucketStart time.Time
	count       int
}

func (w *rollingWindow) allow(now time.Time, limit int) bool {
	if limit <= 0 {
		return true
	}
	if w.bucketStart.IsZero() || now.Sub(w.bucketStart) >= time.Minute {
		w.bucketStart = now
		w.count = 0
	}
	if w.count >= limit {
		return false
	}
	w.count++
	return true
}
