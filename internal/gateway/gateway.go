// Package gateway wires the HTTP/WebSocket listener: ada middleware chain,
// authentication and rate limiting (spec C2), the OpenAI-compatible chat
// surface, and the wsrpc dispatcher's method table (spec C4) backed by every
// other subsystem (sessions, cron, approvals, pairing, channels).
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rakunlabs/ada"
	mcors "github.com/rakunlabs/ada/middleware/cors"
	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/nexusgate/nexusgate/internal/agent"
	"github.com/nexusgate/nexusgate/internal/approval"
	"github.com/nexusgate/nexusgate/internal/config"
	"github.com/nexusgate/nexusgate/internal/configstore"
	"github.com/nexusgate/nexusgate/internal/cron"
	"github.com/nexusgate/nexusgate/internal/delivery"
	"github.com/nexusgate/nexusgate/internal/pairing"
	"github.com/nexusgate/nexusgate/internal/session"
	"github.com/nexusgate/nexusgate/internal/wsrpc"
)

// AgentFactory builds the agent.Engine backing one agent identifier. Engines
// are cheap to construct (no state beyond its config and tool sources), so
// the gateway builds one per request/connection rather than caching a pool.
type AgentFactory func(agentID string) (*agent.Engine, error)

// Server owns the ada mux, the wsrpc plane, and every subsystem a request
// handler or WS method needs to reach.
type Server struct {
	cfg        config.Server
	configPath string
	mux        *ada.Server

	// liveMu guards every field ApplyConfig can hot-swap while requests
	// are in flight: auth, limit, Providers, modelsByProvider, agentsCfg,
	// and the full snapshot ApplyConfig diffs the next reload against.
	liveMu           sync.RWMutex
	auth             *authenticator
	limit            *limiter
	Providers        *agent.MultiProvider
	modelsByProvider map[string][]string
	agentsCfg        config.Agents
	fullCfg          config.Config

	Sessions    *session.Store
	Approvals   *approval.Store
	Pairing     *pairing.Store
	Cron        *cron.Store
	Scheduler   *cron.Scheduler
	Channels    map[string]*delivery.Loop
	ConfigStore *configstore.Store

	NewEngine AgentFactory

	// RebuildProviders re-derives a *agent.MultiProvider from an updated
	// provider config set; ApplyConfig calls it only when the Providers
	// section actually changed, since constructing provider clients may
	// do network setup (e.g. bedrock's AWS SDK config load).
	RebuildProviders func(ctx context.Context, providers map[string]config.LLMConfig) (*agent.MultiProvider, error)

	ws         *wsrpc.Server
	dispatcher *wsrpc.Dispatcher
	bus        *wsrpc.Bus

	audit func(event string, fields map[string]any)
}

// Deps bundles every subsystem the gateway consumes. All fields are
// optional except Providers and Sessions — a gateway with nothing else
// wired can still serve chat completions and session CRUD.
type Deps struct {
	Providers        *agent.MultiProvider
	Sessions         *session.Store
	Approvals        *approval.Store
	Pairing          *pairing.Store
	Cron             *cron.Store
	Scheduler        *cron.Scheduler
	Channels         map[string]*delivery.Loop
	ConfigStore      *configstore.Store
	NewEngine        AgentFactory
	RebuildProviders func(ctx context.Context, providers map[string]config.LLMConfig) (*agent.MultiProvider, error)
	Audit            func(event string, fields map[string]any)

	// ConfigPath is the name/path config.Load was called with; the
	// config.reload WS method and the SIGHUP/fs-watch reload triggers
	// reuse it to reload from the same source.
	ConfigPath string

	// MCPServer, if set, is mounted at /mcp so external MCP clients can
	// list and call the same builtin tools the agent engine itself uses.
	MCPServer http.HandlerFunc
}

// New builds the ada mux, installs middleware and auth/rate-limit layers,
// registers the HTTP routes and the WS dispatcher's method table, and
// returns a Server ready for Start.
func New(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Providers == nil || deps.Sessions == nil {
		return nil, fmt.Errorf("gateway: Providers and Sessions are required")
	}

	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		cfg:              cfg.Server,
		configPath:       deps.ConfigPath,
		mux:              mux,
		Providers:        deps.Providers,
		Sessions:         deps.Sessions,
		Approvals:        deps.Approvals,
		Pairing:          deps.Pairing,
		Cron:             deps.Cron,
		Scheduler:        deps.Scheduler,
		Channels:         deps.Channels,
		ConfigStore:      deps.ConfigStore,
		NewEngine:        deps.NewEngine,
		RebuildProviders: deps.RebuildProviders,
		modelsByProvider: map[string][]string{},
		agentsCfg:        cfg.Agents,
		fullCfg:          cfg,
		audit:            deps.Audit,
	}
	if s.audit == nil {
		s.audit = func(string, map[string]any) {}
	}
	for key, pc := range cfg.Providers {
		if len(pc.Models) > 0 {
			s.modelsByProvider[key] = pc.Models
		} else if pc.Model != "" {
			s.modelsByProvider[key] = []string{pc.Model}
		}
	}

	s.auth = newAuthenticator(cfg.Auth, cfg.Server)
	s.limit = newLimiter(cfg.Auth.RateLimit)

	s.dispatcher = wsrpc.NewDispatcher(10 * time.Second)
	s.bus = wsrpc.NewBus()
	s.ws = wsrpc.NewServer(s.dispatcher, s.bus, "auth.handshake")
	s.registerWS()

	base := mux.Group(cfg.Server.BasePath)
	if cfg.Server.ForwardAuth != nil {
		slog.Info("gateway: forward auth enabled", "url", cfg.Server.ForwardAuth.Address)
		base.Use(mforwardauth.Middleware(mforwardauth.WithConfig(*cfg.Server.ForwardAuth)))
	}

	v1 := base.Group("/v1")
	v1.Use(s.authMiddleware, s.rateLimitMiddleware)
	v1.POST("/chat/completions", s.ChatCompletions)
	v1.POST("/responses", s.Responses)
	v1.GET("/models", s.ListModels)
	v1.PATCH("/config", s.PatchConfig)
	v1.POST("/hooks/*", s.WebhookIngest)

	base.GET("/healthz", s.Healthz)
	base.GET("/ws", s.ws.ServeHTTP)
	if deps.MCPServer != nil {
		base.POST("/mcp", deps.MCPServer)
	}

	return s, nil
}

// Start serves until ctx is canceled. It does not read cfg.ShutdownGrace;
// shutdown timing is whatever the mux's StartWithContext does.
func (s *Server) Start(ctx context.Context) error {
	return s.mux.StartWithContext(ctx, net.JoinHostPort(s.cfg.Host, s.cfg.Port))
}

// Healthz reports process liveness; it is exempt from auth so orchestrators
// and the loopback forward-auth probe can reach it unconditionally.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	httpResponseJSON(w, map[string]any{"status": "ok"}, http.StatusOK)
}

func (s *Server) getAuth() *authenticator {
	s.liveMu.RLock()
	defer s.liveMu.RUnlock()
	return s.auth
}

func (s *Server) getLimiter() *limiter {
	s.liveMu.RLock()
	defer s.liveMu.RUnlock()
	return s.limit
}

func (s *Server) getProviders() *agent.MultiProvider {
	s.liveMu.RLock()
	defer s.liveMu.RUnlock()
	return s.Providers
}

func (s *Server) getModelsByProvider() map[string][]string {
	s.liveMu.RLock()
	defer s.liveMu.RUnlock()
	return s.modelsByProvider
}

func (s *Server) getAgentsCfg() config.Agents {
	s.liveMu.RLock()
	defer s.liveMu.RUnlock()
	return s.agentsCfg
}

// ApplyConfig diffs next against the config snapshot taken at the last
// Load/ApplyConfig, swaps in the new auth settings (authenticator and rate
// limiter), agents settings, per-provider model lists, and (when Providers
// changed) a rebuilt provider router, and reports which sections changed
// and how disruptive the change was. Other changed sections, including
// the hybrid ones such as Channels and Telemetry, are recorded in the
// snapshot but not applied to running subsystems; no delivery loop or
// scheduler is restarted. Restart-class sections (listen address, data dir) are left
// untouched here — the caller is expected to log that a full process
// restart is needed to pick them up. Publishes config.changed on the bus
// for any WS connection that subscribed to the "config" topic.
func (s *Server) ApplyConfig(ctx context.Context, next config.Config) ([]string, config.ReloadClass, error) {
	s.liveMu.Lock()
	prev := s.fullCfg
	s.liveMu.Unlock()

	changed, class := config.Diff(&prev, &next)
	if len(changed) == 0 {
		return changed, class, nil
	}

	var providers *agent.MultiProvider
	for _, name := range changed {
		if name == "Providers" && s.RebuildProviders != nil {
			p, err := s.RebuildProviders(ctx, next.Providers)
			if err != nil {
				return changed, class, fmt.Errorf("gateway: rebuild providers: %w", err)
			}
			providers = p
		}
	}

	modelsByProvider := make(map[string][]string, len(next.Providers))
	for key, pc := range next.Providers {
		if len(pc.Models) > 0 {
			modelsByProvider[key] = pc.Models
		} else if pc.Model != "" {
			modelsByProvider[key] = []string{pc.Model}
		}
	}

	s.liveMu.Lock()
	s.auth = newAuthenticator(next.Auth, next.Server)
	s.limit = newLimiter(next.Auth.RateLimit)
	s.agentsCfg = next.Agents
	s.modelsByProvider = modelsByProvider
	if providers != nil {
		s.Providers = providers
	}
	s.fullCfg = next
	s.liveMu.Unlock()

	s.bus.Publish("config", "config.changed", map[string]any{"changed": changed, "class": class.String()})
	s.audit("config.reloaded", map[string]any{"changed": changed, "class": class.String()})

	return changed, class, nil
}
