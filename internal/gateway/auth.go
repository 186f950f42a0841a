package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nexusgate/nexusgate/internal/config"
	"github.com/nexusgate/nexusgate/internal/crypto"
)

type ctxKey int

const authCtxKey ctxKey = iota

// authResult is the outcome of authenticating a request. A nil token means
// unrestricted access (loopback exemption, forward-auth passthrough, or an
// unscoped config token).
type authResult struct {
	token *config.AuthTokenConfig
}

// isModelAllowed applies OR-logic scoping across AllowedProviders and
// AllowedModels, mirroring the gateway's per-token model restriction rules.
func (a *authResult) isModelAllowed(providerKey, fullModelID string) bool {
	if a == nil || a.token == nil {
		return true
	}
	t := a.token
	if len(t.AllowedProviders) == 0 && len(t.AllowedModels) == 0 {
		return true
	}
	for _, p := range t.AllowedProviders {
		if p == providerKey {
			return true
		}
	}
	for _, m := range t.AllowedModels {
		if m == fullModelID {
			return true
		}
	}
	return false
}

// isWebhookAllowed applies the same OR-logic scoping to named webhook
// mappings, used by WebhookIngest.
func (a *authResult) isWebhookAllowed(mapping string) bool {
	if a == nil || a.token == nil {
		return true
	}
	if len(a.token.AllowedWebhooks) == 0 {
		return true
	}
	for _, m := range a.token.AllowedWebhooks {
		if m == mapping {
			return true
		}
	}
	return false
}

func authFrom(ctx context.Context) *authResult {
	a, _ := ctx.Value(authCtxKey).(*authResult)
	return a
}

// authenticator validates incoming requests against the config-level bearer
// token list, the loopback exemption, and the forward-auth user header. It
// deliberately has no DB-backed token store: the gateway's only persistent
// store is the file-backed layer in internal/store, and tokens live in
// config the way the teacher's own config-token path does.
type authenticator struct {
	tokens         []config.AuthTokenConfig
	loopbackExempt bool
	userHeader     string
	passwordHash   string
}

func newAuthenticator(a config.Auth, srv config.Server) *authenticator {
	return &authenticator{
		tokens:         a.Tokens,
		loopbackExempt: a.LoopbackExempt,
		userHeader:     srv.UserHeader,
		passwordHash:   a.PasswordHash,
	}
}

// authenticate validates r's Authorization header or trusted forward-auth
// identity. It returns an authResult on success, or an error message on
// failure (never both).
func (a *authenticator) authenticate(r *http.Request) (*authResult, string) {
	if a.userHeader != "" && r.Header.Get(a.userHeader) != "" {
		// An upstream forward-auth proxy already verified this caller and
		// stamped its identity; the gateway trusts it unconditionally —
		// the ada forwardauth middleware runs ahead of this check and
		// would have rejected the request already if verification failed.
		return &authResult{}, ""
	}

	if a.loopbackExempt && isLoopback(r) {
		return &authResult{}, ""
	}

	if len(a.tokens) == 0 {
		return nil, "no authentication configured; add a token via config"
	}

	auth := r.Header.Get("Authorization")
	bearer := strings.TrimPrefix(auth, "Bearer ")
	if auth == "" || bearer == auth {
		return nil, "missing bearer token"
	}

	for i := range a.tokens {
		cfgToken := &a.tokens[i]
		if cfgToken.Token == "" || bearer != cfgToken.Token {
			continue
		}
		if cfgToken.ExpiresAt != "" {
			expiresAt, err := time.Parse(time.RFC3339, cfgToken.ExpiresAt)
			if err != nil {
				return nil, "token has invalid expires_at"
			}
			if expiresAt.Before(time.Now().UTC()) {
				return nil, "token has expired"
			}
		}
		if len(cfgToken.AllowedProviders) == 0 && len(cfgToken.AllowedModels) == 0 && len(cfgToken.AllowedWebhooks) == 0 {
			return &authResult{}, ""
		}
		return &authResult{token: cfgToken}, ""
	}

	return nil, "invalid bearer token"
}

// verifyPassword checks password against config.Auth.PasswordHash, protecting
// operator-only actions such as approving a pairing request (spec C8). The
// hash is "<base64 salt>:<base64 derived key>", reusing internal/crypto's
// PBKDF2-HMAC-SHA256 DeriveKey so a provider-secret key and an operator
// password are derived identically — only the stored artifact differs.
func (a *authenticator) verifyPassword(password string) bool {
	if a.passwordHash == "" {
		return false
	}
	saltB64, keyB64, ok := strings.Cut(a.passwordHash, ":")
	if !ok {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return false
	}
	got := crypto.DeriveKey(password, salt)
	return subtle.ConstantTimeCompare(got, want) == 1
}

func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, errMsg := s.getAuth().authenticate(r)
		if errMsg != "" {
			writeOpenAIError(w, errMsg, "invalid_request_error", "invalid_api_key", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), authCtxKey, result)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// limiter enforces two token buckets per endpoint: one keyed by remote IP,
// bounding any single caller, and one global bucket shared by every caller
// of that endpoint. Both must admit a request for it to proceed.
type limiter struct {
	cfg config.RateLimit

	mu    sync.Mutex
	perIP map[string]*rate.Limiter
	perEP map[string]*rate.Limiter
}

func newLimiter(cfg config.RateLimit) *limiter {
	return &limiter{
		cfg:   cfg,
		perIP: map[string]*rate.Limiter{},
		perEP: map[string]*rate.Limiter{},
	}
}

func (l *limiter) allow(remoteIP, endpoint string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	ipKey := remoteIP + "|" + endpoint
	ipLim, ok := l.perIP[ipKey]
	if !ok {
		ipLim = rate.NewLimiter(rate.Limit(l.cfg.PerIPRate), l.cfg.PerIPBurst)
		l.perIP[ipKey] = ipLim
	}

	epLim, ok := l.perEP[endpoint]
	if !ok {
		epLim = rate.NewLimiter(rate.Limit(l.cfg.GlobalRate), l.cfg.GlobalBurst)
		l.perEP[endpoint] = epLim
	}

	// A request must pass both buckets. The shared per-endpoint bucket is
	// only drawn from once the per-IP bucket admits, so a caller already
	// over its own limit doesn't spend the budget every other caller of
	// the same endpoint shares.
	return ipLim.Allow() && epLim.Allow()
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.getLimiter().allow(host, r.URL.Path) {
			writeOpenAIError(w, "rate limit exceeded", "rate_limit_error", "rate_limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func httpResponseJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOpenAIError(w http.ResponseWriter, message, errType, code string, status int) {
	httpResponseJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	}, status)
}
