package sandbox

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// blockedRanges are the address ranges a plugin's http_fetch capability must
// never reach: private/loopback/link-local space, the NAT64 well-known
// prefix, IPv6 unique-local space, and the cloud metadata address
// specifically (it falls inside link-local but is singled out in case that
// ever changes).
var blockedRanges = mustParseCIDRs(
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"64:ff9b::/96",
)

var metadataAddr = net.ParseIP("169.254.169.254")

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("sandbox: invalid CIDR %q: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// isBlockedIP reports whether ip falls in a range plugins are never allowed
// to reach, regardless of which capability asked.
func isBlockedIP(ip net.IP) bool {
	if ip.Equal(metadataAddr) {
		return true
	}
	for _, n := range blockedRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ssrfGuardedDialer resolves the target host once, rejects it if any
// resolved address is blocked, and pins the dial to that resolved IP so a
// DNS record can't be swapped between the check and the connection
// (resolve-once-and-pin).
func ssrfGuardedDialer(resolver *net.Resolver) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second}

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}

		ips, err := resolver.LookupIP(ctx, "ip", host)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("sandbox: no addresses for %s", host)
		}

		for _, ip := range ips {
			if isBlockedIP(ip) {
				return nil, fmt.Errorf("sandbox: host %s resolves to a blocked address %s", host, ip)
			}
		}
		pinned := ips[0]

		return dialer.DialContext(ctx, network, net.JoinHostPort(pinned.String(), port))
	}
}

// newFetchClient builds the http.Client an http_fetch call runs through:
// resolve-once-and-pin dialing, no redirect following (a redirect could
// repoint the request at a blocked address after the initial check passed),
// and a hard wall-clock timeout.
func newFetchClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		DialContext: ssrfGuardedDialer(nil),
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return fmt.Errorf("sandbox: redirects are not followed")
		},
	}
}

// NewGuardedHTTPClient exposes the same resolve-once-and-pin, no-redirect
// client a WASM plugin's http_fetch capability runs through, for callers
// outside the sandbox (the agent engine's own builtin http_fetch tool)
// that need the identical SSRF protections without embedding a WASM
// module to get them.
func NewGuardedHTTPClient(timeout time.Duration) *http.Client {
	return newFetchClient(timeout)
}
