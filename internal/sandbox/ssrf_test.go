package sandbox

import (
	"net"
	"testing"
)

func TestIsBlockedIPPrivateRanges(t *testing.T) {
	blocked := []string{
		"127.0.0.1",
		"10.1.2.3",
		"172.16.0.5",
		"192.168.1.1",
		"169.254.1.1",
		"169.254.169.254",
		"::1",
		"fc00::1",
		"fe80::1",
		"64:ff9b::1.2.3.4",
	}
	for _, addr := range blocked {
		ip := net.ParseIP(addr)
		if ip == nil {
			t.Fatalf("test bug: %q is not a valid IP", addr)
		}
		if !isBlockedIP(ip) {
			t.Errorf("isBlockedIP(%s) = false, want true", addr)
		}
	}
}

func TestIsBlockedIPPublicAddressesAllowed(t *testing.T) {
	allowed := []string{
		"8.8.8.8",
		"1.1.1.1",
		"93.184.216.34",
		"2606:4700:4700::1111",
	}
	for _, addr := range allowed {
		ip := net.ParseIP(addr)
		if ip == nil {
			t.Fatalf("test bug: %q is not a valid IP", addr)
		}
		if isBlockedIP(ip) {
			t.Errorf("isBlockedIP(%s) = true, want false", addr)
		}
	}
}

func TestNewFetchClientRejectsRedirects(t *testing.T) {
	client := newFetchClient(0)
	if client.CheckRedirect == nil {
		t.Fatal("expected a CheckRedirect hook to reject redirects")
	}
	if err := client.CheckRedirect(nil, nil); err == nil {
		t.Fatal("expected CheckRedirect to always return an error")
	}
}
