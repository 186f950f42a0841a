package gateway

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nexusgate/nexusgate/internal/config"
	"github.com/nexusgate/nexusgate/internal/crypto"
)

func TestAuthenticateLoopbackExempt(t *testing.T) {
	a := newAuthenticator(config.Auth{LoopbackExempt: true}, config.Server{})
	r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	r.RemoteAddr = "127.0.0.1:5555"

	result, errMsg := a.authenticate(r)
	if errMsg != "" {
		t.Fatalf("expected loopback exemption, got error %q", errMsg)
	}
	if result.token != nil {
		t.Fatalf("expected unrestricted result, got scoped token")
	}
}

func TestAuthenticateRejectsMissingToken(t *testing.T) {
	a := newAuthenticator(config.Auth{Tokens: []config.AuthTokenConfig{{Token: "secret"}}}, config.Server{})
	r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	r.RemoteAddr = "10.0.0.5:5555"

	_, errMsg := a.authenticate(r)
	if errMsg == "" {
		t.Fatalf("expected missing-token error")
	}
}

func TestAuthenticateAcceptsMatchingBearerToken(t *testing.T) {
	a := newAuthenticator(config.Auth{Tokens: []config.AuthTokenConfig{{Token: "secret", Name: "ci"}}}, config.Server{})
	r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	r.RemoteAddr = "10.0.0.5:5555"
	r.Header.Set("Authorization", "Bearer secret")

	result, errMsg := a.authenticate(r)
	if errMsg != "" {
		t.Fatalf("unexpected error: %s", errMsg)
	}
	if result.token != nil {
		t.Fatalf("expected unscoped token result")
	}
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	a := newAuthenticator(config.Auth{Tokens: []config.AuthTokenConfig{{
		Token:     "secret",
		ExpiresAt: time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
	}}}, config.Server{})
	r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	r.RemoteAddr = "10.0.0.5:5555"
	r.Header.Set("Authorization", "Bearer secret")

	_, errMsg := a.authenticate(r)
	if errMsg == "" {
		t.Fatalf("expected expired-token error")
	}
}

func TestAuthenticateForwardAuthHeaderTrusted(t *testing.T) {
	a := newAuthenticator(config.Auth{}, config.Server{UserHeader: "X-User"})
	r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	r.RemoteAddr = "10.0.0.5:5555"
	r.Header.Set("X-User", "alice")

	result, errMsg := a.authenticate(r)
	if errMsg != "" {
		t.Fatalf("unexpected error: %s", errMsg)
	}
	if result.token != nil {
		t.Fatalf("expected unrestricted forward-auth result")
	}
}

func TestIsModelAllowedScoping(t *testing.T) {
	unscoped := &authResult{}
	if !unscoped.isModelAllowed("anthropic", "anthropic/claude") {
		t.Fatalf("unrestricted token should allow any model")
	}

	scoped := &authResult{token: &config.AuthTokenConfig{AllowedProviders: []string{"openai"}}}
	if !scoped.isModelAllowed("openai", "openai/gpt-4o") {
		t.Fatalf("expected provider-scoped access to be allowed")
	}
	if scoped.isModelAllowed("anthropic", "anthropic/claude") {
		t.Fatalf("expected out-of-scope provider to be denied")
	}
}

func TestLimiterAllowsBurstThenBlocks(t *testing.T) {
	l := newLimiter(config.RateLimit{PerIPRate: 1, PerIPBurst: 2, GlobalRate: 100, GlobalBurst: 100})
	if !l.allow("1.2.3.4", "/v1/chat/completions") {
		t.Fatalf("first request should be allowed")
	}
	if !l.allow("1.2.3.4", "/v1/chat/completions") {
		t.Fatalf("second request (within burst) should be allowed")
	}
	if l.allow("1.2.3.4", "/v1/chat/completions") {
		t.Fatalf("third immediate request should exceed the per-IP burst")
	}
}

func TestLimiterTracksEndpointsIndependently(t *testing.T) {
	l := newLimiter(config.RateLimit{PerIPRate: 1, PerIPBurst: 1, GlobalRate: 100, GlobalBurst: 100})
	if !l.allow("1.2.3.4", "/v1/chat/completions") {
		t.Fatalf("first request to endpoint A should be allowed")
	}
	if !l.allow("1.2.3.4", "/v1/models") {
		t.Fatalf("first request to endpoint B should be allowed independently of endpoint A's bucket")
	}
}

func TestVerifyPasswordRoundTrip(t *testing.T) {
	salt := []byte("0123456789abcdef")
	key := crypto.DeriveKey("hunter2", salt)
	hash := base64.StdEncoding.EncodeToString(salt) + ":" + base64.StdEncoding.EncodeToString(key)
	a := &authenticator{passwordHash: hash}

	if !a.verifyPassword("hunter2") {
		t.Fatalf("expected matching password to verify")
	}
	if a.verifyPassword("wrong") {
		t.Fatalf("expected mismatched password to fail")
	}
}
