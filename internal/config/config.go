// Package config loads and hot-reloads the gateway's layered configuration:
// built-in defaults, a user-supplied JSON5/YAML file, environment overrides,
// and encrypted secret resolution, on top of github.com/rakunlabs/chu's
// generic layered loader.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

// Service is the build-time service name, set via -ldflags.
var Service = "nexusgate"

// Config is the gateway's full configuration tree. Each top-level field is
// an independently defaulted section (each field's `default:` struct tag)
// so a missing section never leaks zero values into a sibling one.
type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	Server    Server               `cfg:"server"`
	Auth      Auth                 `cfg:"auth"`
	Providers map[string]LLMConfig `cfg:"providers"`
	Agents    Agents               `cfg:"agents"`
	Store     Store                `cfg:"store"`
	Channels  Channels             `cfg:"channels"`
	Telemetry tell.Config          `cfg:"telemetry,noprefix"`
}

// Server configures the HTTP/WebSocket listener.
type Server struct {
	BasePath string `cfg:"base_path"`
	Port     string `cfg:"port" default:"8080"`
	Host     string `cfg:"host"`

	// ForwardAuth, if set, delegates authentication to an upstream proxy
	// and trusts the identity it stamps into UserHeader.
	ForwardAuth *mforwardauth.ForwardAuth `cfg:"forward_auth"`
	UserHeader  string                    `cfg:"user_header" default:"X-User"`

	// ShutdownGrace is loaded with the rest of the section; no shutdown
	// path reads it, so it does not bound or extend connection draining.
	ShutdownGrace time.Duration `cfg:"shutdown_grace" default:"20s"`
}

// Auth configures gateway authentication and rate limiting (spec C2).
type Auth struct {
	// Tokens is the static list of bearer tokens accepted by the gateway,
	// each optionally scoped to providers/models/webhooks and an expiry.
	Tokens []AuthTokenConfig `cfg:"tokens"`

	// LoopbackExempt allows unauthenticated requests from 127.0.0.1/::1,
	// useful for local development and health probes.
	LoopbackExempt bool `cfg:"loopback_exempt" default:"true"`

	// PasswordHash is a PBKDF2 hash of an operator password, used by the
	// pairing flow (C8) to authorize new node/device registrations.
	PasswordHash string `cfg:"password_hash" log:"-"`

	RateLimit RateLimit `cfg:"rate_limit"`
}

// RateLimit configures the token-bucket limiters guarding the gateway.
type RateLimit struct {
	// PerIPRate/PerIPBurst bound requests from a single remote IP per endpoint.
	PerIPRate  float64 `cfg:"per_ip_rate" default:"5"`
	PerIPBurst int     `cfg:"per_ip_burst" default:"20"`

	// GlobalRate/GlobalBurst bound total requests per endpoint across all callers.
	GlobalRate  float64 `cfg:"global_rate" default:"200"`
	GlobalBurst int     `cfg:"global_burst" default:"400"`
}

// AuthTokenConfig describes a single bearer token for gateway authentication,
// with optional scoping and expiration.
type AuthTokenConfig struct {
	Token string `cfg:"token" json:"token" log:"-"`
	Name  string `cfg:"name" json:"name"`

	AllowedProviders []string `cfg:"allowed_providers" json:"allowed_providers"`
	AllowedModels    []string `cfg:"allowed_models" json:"allowed_models"`
	AllowedWebhooks  []string `cfg:"allowed_webhooks" json:"allowed_webhooks"`

	ExpiresAt string `cfg:"expires_at" json:"expires_at"`
}

// Agents configures the tool-calling agent engine shared by every session.
type Agents struct {
	// DefaultProvider is the "provider/model" used when a session doesn't
	// pin one explicitly.
	DefaultProvider string `cfg:"default_provider"`

	// MaxTurns bounds how many tool-call round-trips a single agent.run
	// can take before it is forced to stop and return partial output.
	MaxTurns int `cfg:"max_turns" default:"25"`

	// TokenBudget is the approximate context window, in tokens, the
	// engine trims conversation history down to before each provider call.
	TokenBudget int `cfg:"token_budget" default:"100000"`

	// ApprovalTimeout bounds how long a suspended tool call waits for an
	// approval ticket to resolve before it is treated as denied.
	ApprovalTimeout time.Duration `cfg:"approval_timeout" default:"5m"`

	// DefaultToolPolicy is "allow_all", "allow_list", or "deny_list".
	DefaultToolPolicy string   `cfg:"default_tool_policy" default:"allow_all"`
	ToolPolicyList    []string `cfg:"tool_policy_list"`

	// Webhooks maps a mapping name (the path after /v1/hooks/ in
	// POST /v1/hooks/<mapping>, outer slashes trimmed) to the agent and session scope an inbound
	// delivery on that mapping should be turned into a fresh turn for.
	Webhooks map[string]WebhookBinding `cfg:"webhooks"`

	// PluginSource, if set, points at a git repository the gateway clones
	// at startup to provision tool-kind WASM plugins (C7) instead of
	// requiring operators to stage .wasm files on the host themselves.
	PluginSource *PluginSource `cfg:"plugin_source"`
}

// PluginSource locates a bundle of tool-kind WASM plugins in a git
// repository: each file under Dir named <name>.wasm, paired with a sibling
// <name>.json holding its ToolDef, is registered as a callable tool.
type PluginSource struct {
	URL string `cfg:"url"`
	Ref string `cfg:"ref" default:"HEAD"`
	Dir string `cfg:"dir"`
}

// WebhookBinding names the agent and session scope a webhook mapping feeds.
type WebhookBinding struct {
	AgentID string `cfg:"agent_id" json:"agent_id"`

	// ScopeKey groups every delivery on this mapping into the same
	// session; unset falls back to the mapping name itself, so two
	// mappings never accidentally share history.
	ScopeKey string `cfg:"scope_key" json:"scope_key"`
}

// Store configures the file-backed persistence layer (spec §6.3). There is
// deliberately no SQL/transactional backend here — see DESIGN.md.
type Store struct {
	// DataDir is the root directory under which sessions/, cron/,
	// outbox/, nodes.json, approvals.json, and audit.jsonl live.
	DataDir string `cfg:"data_dir" default:"./data"`

	// SessionIdleReset/SessionDailyReset configure the two automatic
	// scope-reset policies; zero disables that policy.
	SessionIdleReset  time.Duration `cfg:"session_idle_reset" default:"4h"`
	SessionDailyReset bool          `cfg:"session_daily_reset" default:"true"`

	// RetentionDays purges sessions whose last activity is older than this
	// many days; zero disables the retention sweep.
	RetentionDays int `cfg:"retention_days" default:"90"`
}

// Channels configures the outbound delivery plugins (spec C6).
type Channels struct {
	Telegram *TelegramChannel `cfg:"telegram"`
	Discord  *DiscordChannel  `cfg:"discord"`
	Slack    *SlackChannel    `cfg:"slack"`
	Email    *EmailChannel    `cfg:"email"`

	// QueueSize bounds the in-memory FIFO per channel before messages
	// spill to the disk-backed overflow.
	QueueSize int `cfg:"queue_size" default:"256"`
}

type TelegramChannel struct {
	BotToken string `cfg:"bot_token" json:"bot_token" log:"-"`
}

type DiscordChannel struct {
	BotToken string `cfg:"bot_token" json:"bot_token" log:"-"`
}

type SlackChannel struct {
	BotToken string `cfg:"bot_token" json:"bot_token" log:"-"`
	BaseURL  string `cfg:"base_url" default:"https://slack.com/api"`
}

type EmailChannel struct {
	SMTPHost string `cfg:"smtp_host"`
	SMTPPort int    `cfg:"smtp_port" default:"587"`
	Username string `cfg:"username"`
	Password string `cfg:"password" json:"password" log:"-"`
	From     string `cfg:"from"`
}

// LLMConfig describes a single LLM provider configuration.
type LLMConfig struct {
	// Type selects the provider implementation: "anthropic", "openai",
	// "vertex", "gemini", "ollama", or "bedrock". "openai" also covers
	// every OpenAI-compatible API (Groq, DeepSeek, Together, OpenRouter...).
	Type string `cfg:"type" json:"type"`

	APIKey  string `cfg:"api_key" json:"api_key" log:"-"`
	BaseURL string `cfg:"base_url" json:"base_url"`
	Model   string `cfg:"model" json:"model"`

	// Models lists every model this provider advertises via models.list
	// and GET /v1/models; requests for models outside this list are not
	// rejected on that account.
	Models []string `cfg:"models" json:"models"`

	ExtraHeaders map[string]string `cfg:"extra_headers" json:"extra_headers"`

	Proxy              string `cfg:"proxy" json:"proxy"`
	InsecureSkipVerify bool   `cfg:"insecure_skip_verify" json:"insecure_skip_verify"`

	// Region is required by the "bedrock" type (AWS region of the runtime endpoint).
	Region string `cfg:"region" json:"region"`
}

// Load reads configuration from path (layered over built-in defaults and
// NEXUSGATE_-prefixed environment overrides), resolves enc:v1: secrets, and
// sets the process log level.
func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("NEXUSGATE_")))); err != nil {
		return nil, err
	}

	if err := ResolveSecrets(&cfg); err != nil {
		return nil, fmt.Errorf("resolve secrets: %w", err)
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
