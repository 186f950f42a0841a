package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/nexusgate/nexusgate/internal/agent"
	"github.com/nexusgate/nexusgate/internal/agent/llm/antropic"
	"github.com/nexusgate/nexusgate/internal/agent/llm/bedrock"
	"github.com/nexusgate/nexusgate/internal/agent/llm/gemini"
	"github.com/nexusgate/nexusgate/internal/agent/llm/ollama"
	"github.com/nexusgate/nexusgate/internal/agent/llm/openai"
	"github.com/nexusgate/nexusgate/internal/agent/llm/vertex"
	"github.com/nexusgate/nexusgate/internal/approval"
	"github.com/nexusgate/nexusgate/internal/audit"
	"github.com/nexusgate/nexusgate/internal/channel"
	"github.com/nexusgate/nexusgate/internal/config"
	"github.com/nexusgate/nexusgate/internal/configstore"
	"github.com/nexusgate/nexusgate/internal/cron"
	"github.com/nexusgate/nexusgate/internal/delivery"
	"github.com/nexusgate/nexusgate/internal/gateway"
	"github.com/nexusgate/nexusgate/internal/pairing"
	"github.com/nexusgate/nexusgate/internal/plugins"
	"github.com/nexusgate/nexusgate/internal/redact"
	"github.com/nexusgate/nexusgate/internal/sandbox"
	"github.com/nexusgate/nexusgate/internal/session"
)

var (
	name    = "nexusgate"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	logger := logi.InitializeLog(logi.WithCaller(false))
	redacted := slog.New(redact.Wrap(logger.Handler()))

	into.Init(run,
		into.WithLogger(redacted),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// ///////////////////////////////////////////////////////////////////

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	auditLog, err := audit.Open(cfg.Store.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	sessions, err := session.NewStore(cfg.Store.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	approvals, err := approval.NewStore(cfg.Store.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open approval store: %w", err)
	}
	pairs, err := pairing.NewStore(cfg.Store.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open pairing store: %w", err)
	}
	cronStore, err := cron.NewStore(cfg.Store.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open cron store: %w", err)
	}
	configStore, err := configstore.Open(filepath.Join(cfg.Store.DataDir, "config.json"))
	if err != nil {
		return fmt.Errorf("failed to open config store: %w", err)
	}

	providers, err := buildProviders(ctx, cfg.Providers)
	if err != nil {
		return fmt.Errorf("failed to build LLM providers: %w", err)
	}

	builtinTools := agent.NewBuiltinTools()

	sandboxRuntime, err := sandbox.NewRuntime(ctx)
	if err != nil {
		return fmt.Errorf("failed to start plugin sandbox: %w", err)
	}
	defer sandboxRuntime.Close(ctx)
	wasmTools := agent.NewWasmToolSource(sandboxRuntime, sandbox.DefaultQuotas(), sandbox.Dependencies{})
	if cfg.Agents.PluginSource != nil {
		loadPluginBundle(ctx, wasmTools, cfg.Store.DataDir, *cfg.Agents.PluginSource)
	}

	newEngine := func(agentID string) (*agent.Engine, error) {
		if cfg.Agents.DefaultProvider == "" {
			return nil, fmt.Errorf("agents.default_provider is not configured")
		}
		policy := toolPolicyFromConfig(cfg.Agents)
		return &agent.Engine{
			AgentID:         agentID,
			ModelRef:        cfg.Agents.DefaultProvider,
			Policy:          policy,
			Provider:        providers.Bind(cfg.Agents.DefaultProvider),
			Sources:         []agent.ToolSource{builtinTools, wasmTools},
			Approver:        approvals,
			MaxTurns:        cfg.Agents.MaxTurns,
			TokenBudget:     cfg.Agents.TokenBudget,
			ApprovalTimeout: cfg.Agents.ApprovalTimeout,
		}, nil
	}

	scheduler := cron.NewScheduler(cronStore, 4, 1)
	scheduler.Register("agent_turn", cronAgentTurnHandler(sessions, newEngine, auditLog.Func()))
	scheduler.Register("system_event", cronSystemEventHandler(auditLog.Func()))
	go scheduler.Run(ctx)

	go sweepLoop(ctx, approvals, pairs)

	retention := time.Duration(cfg.Store.RetentionDays) * 24 * time.Hour
	go session.NewRetentionSweeper(sessions, retention, time.Hour, auditLog.Func()).Run(ctx)

	channels, err := buildChannels(ctx, cfg.Channels, cfg.Store.DataDir, auditLog.Func())
	if err != nil {
		return fmt.Errorf("failed to wire channels: %w", err)
	}

	gw, err := gateway.New(*cfg, gateway.Deps{
		Providers:   providers,
		Sessions:    sessions,
		Approvals:   approvals,
		Pairing:     pairs,
		Cron:        cronStore,
		Scheduler:   scheduler,
		Channels:    channels,
		ConfigStore: configStore,
		NewEngine:   newEngine,
		RebuildProviders: func(ctx context.Context, providers map[string]config.LLMConfig) (*agent.MultiProvider, error) {
			return buildProviders(ctx, providers)
		},
		ConfigPath: name,
		Audit:      auditLog.Func(),
		MCPServer:  builtinTools.MCPServer(),
	})
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}

	reload := func(ctx context.Context, trigger string) {
		next, err := config.Load(ctx, name)
		if err != nil {
			slog.Error("config reload: load failed", "trigger", trigger, "error", err)
			return
		}
		changed, class, err := gw.ApplyConfig(ctx, *next)
		if err != nil {
			slog.Error("config reload: apply failed", "trigger", trigger, "error", err)
			return
		}
		if len(changed) == 0 {
			return
		}
		slog.Info("config reload: applied", "trigger", trigger, "changed", changed, "class", class.String())
		if class == config.ReloadRestart {
			slog.Warn("config reload: restart-class sections changed, process restart required to take effect", "changed", changed)
		}
	}
	go reloadOnSignal(ctx, reload)
	if configFile := os.Getenv("NEXUSGATE_CONFIG_FILE"); configFile != "" {
		go reloadOnFileChange(ctx, configFile, reload)
	}

	slog.Info("starting gateway", "host", cfg.Server.Host, "port", cfg.Server.Port)
	return gw.Start(ctx)
}

// loadPluginBundle clones cfg.Agents.PluginSource and registers every tool
// plugin pair it finds; a failure here is logged, not fatal, since the
// built-in tool set still works without it.
func loadPluginBundle(ctx context.Context, wasmTools *agent.WasmToolSource, dataDir string, source config.PluginSource) {
	bundles, err := plugins.FetchGitBundles(dataDir, plugins.GitSource{URL: source.URL, Ref: source.Ref, Dir: source.Dir})
	if err != nil {
		slog.Error("failed to fetch plugin bundle", "url", source.URL, "error", err)
		return
	}
	for _, b := range bundles {
		if err := wasmTools.Register(ctx, b.Def, b.Wasm); err != nil {
			slog.Error("failed to register plugin", "name", b.Def.Name, "error", err)
			continue
		}
		slog.Info("registered plugin from git bundle", "name", b.Def.Name, "url", source.URL)
	}
}

// reloadOnSignal triggers a config reload on every SIGHUP, the operator's
// explicit "re-read config now" signal.
func reloadOnSignal(ctx context.Context, reload func(context.Context, string)) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			reload(ctx, "signal")
		}
	}
}

// reloadOnFileChange watches configFile's directory and debounces bursts of
// fs events (editors commonly emit several writes/renames per save) into a
// single reload fired 500ms after the last event settles.
func reloadOnFileChange(ctx context.Context, configFile string, reload func(context.Context, string)) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("config reload: fs watcher unavailable", "error", err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(configFile)); err != nil {
		slog.Error("config reload: watch config dir", "path", configFile, "error", err)
		return
	}

	const debounceWindow = 500 * time.Millisecond
	debounced := make(chan struct{}, 1)
	var timer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(configFile) {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(debounceWindow, func() { debounced <- struct{}{} })
			} else {
				timer.Reset(debounceWindow)
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config reload: fs watcher error", "error", werr)
		case <-debounced:
			reload(ctx, "fs-watch")
		}
	}
}

// buildProviders registers every configured LLM provider into a single
// router keyed by its config name, so sessions and cron jobs can target
// any of them through "provider/model" without the engine itself needing
// to know which wire protocol backs a given request.
func buildProviders(ctx context.Context, configs map[string]config.LLMConfig) (*agent.MultiProvider, error) {
	mp := agent.NewMultiProvider()
	for key, pc := range configs {
		provider, err := buildProvider(ctx, pc)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", key, err)
		}
		slog.Info("registered LLM provider", "key", key, "type", pc.Type, "model", pc.Model)
		mp.Register(key, provider)
	}
	return mp, nil
}

func buildProvider(ctx context.Context, pc config.LLMConfig) (agent.LLMProvider, error) {
	switch pc.Type {
	case "anthropic":
		return antropic.New(pc.APIKey, pc.Model, pc.BaseURL, pc.Proxy, pc.InsecureSkipVerify)
	case "openai":
		return openai.New(pc.APIKey, pc.Model, pc.BaseURL, pc.Proxy, pc.InsecureSkipVerify, pc.ExtraHeaders)
	case "gemini":
		return gemini.New(pc.APIKey, pc.Model, pc.BaseURL, pc.Proxy, pc.InsecureSkipVerify)
	case "vertex":
		return vertex.New(pc.Model, pc.BaseURL, pc.Proxy, pc.InsecureSkipVerify)
	case "ollama":
		return ollama.New(pc.Model, pc.BaseURL), nil
	case "bedrock":
		return bedrock.New(ctx, pc.Model, pc.Region)
	default:
		return nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
}

func toolPolicyFromConfig(a config.Agents) agent.ToolPolicy {
	set := make(map[string]bool, len(a.ToolPolicyList))
	for _, name := range a.ToolPolicyList {
		set[name] = true
	}
	return agent.ToolPolicy{Mode: agent.PolicyMode(a.DefaultToolPolicy), Set: set}
}

// sweepLoop expires stale approval tickets and pairing requests past their
// TTL; neither store runs its own ticker internally.
func sweepLoop(ctx context.Context, approvals *approval.Store, pairs *pairing.Store) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			approvals.Sweep(now)
			pairs.Sweep(now)
		}
	}
}

// cronAgentTurnHandler drives a scheduled agent.run the same way an
// interactive WS chat.send does, just without a live caller waiting on
// the stream: events are drained and only the final outcome is audited.
func cronAgentTurnHandler(sessions *session.Store, newEngine gateway.AgentFactory, emit func(string, map[string]any)) cron.Handler {
	return func(ctx context.Context, j *cron.Job) error {
		agentID, _ := j.Payload["agent_id"].(string)
		sessionID, _ := j.Payload["session_id"].(string)
		message, _ := j.Payload["message"].(string)
		if agentID == "" || sessionID == "" {
			return fmt.Errorf("cron: agent_turn job %s missing agent_id/session_id", j.ID)
		}

		eng, err := newEngine(agentID)
		if err != nil {
			return fmt.Errorf("cron: build engine for %s: %w", agentID, err)
		}

		if _, ok := sessions.Get(sessionID); !ok {
			return fmt.Errorf("cron: session %s not found", sessionID)
		}

		history, _, err := sessions.History(sessionID, 0, 0)
		if err != nil {
			return fmt.Errorf("cron: load history for %s: %w", sessionID, err)
		}
		msgs := make([]agent.Message, 0, len(history))
		for _, t := range history {
			msgs = append(msgs, agent.Message{Role: string(t.Role), Content: t.Content})
		}

		events := eng.Run(ctx, agent.RunRequest{
			SessionID:   sessionID,
			AgentID:     agentID,
			UserMessage: message,
			History:     msgs,
		})
		for range events {
			// Drained; cron jobs don't stream to a caller. The turn's
			// message and reply are not appended to the session.
		}

		emit("cron.agent_turn.completed", map[string]any{"job_id": j.ID, "session_id": sessionID})
		return nil
	}
}

// cronSystemEventHandler runs housekeeping jobs (retention sweeps, and the
// like) that don't involve the agent engine at all.
func cronSystemEventHandler(emit func(string, map[string]any)) cron.Handler {
	return func(ctx context.Context, j *cron.Job) error {
		emit("cron.system_event", map[string]any{"job_id": j.ID, "name": j.Name})
		return nil
	}
}

// buildChannels wires one delivery.Loop per configured outbound channel,
// each backed by its own disk-spillable queue, and starts its drain loop.
func buildChannels(ctx context.Context, cfg config.Channels, dataDir string, emit func(string, map[string]any)) (map[string]*delivery.Loop, error) {
	loops := make(map[string]*delivery.Loop)

	add := func(id string, ch channel.Channel) error {
		q, err := delivery.NewQueue(dataDir, id, cfg.QueueSize)
		if err != nil {
			return fmt.Errorf("channel %s: queue: %w", id, err)
		}
		loop := delivery.NewLoop(id, q, ch, func(o delivery.Outcome) {
			emit("channel.delivery", map[string]any{
				"channel": id,
				"status":  o.Status,
			})
		}, slog.Default())
		go loop.Run(ctx)
		loops[id] = loop
		return nil
	}

	if cfg.Telegram != nil {
		ch, err := channel.NewTelegram(cfg.Telegram.BotToken)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		if err := add("telegram", ch); err != nil {
			return nil, err
		}
	}
	if cfg.Discord != nil {
		ch, err := channel.NewDiscord(cfg.Discord.BotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
		if err := add("discord", ch); err != nil {
			return nil, err
		}
	}
	if cfg.Slack != nil {
		ch, err := channel.NewSlack(cfg.Slack.BotToken)
		if err != nil {
			return nil, fmt.Errorf("slack: %w", err)
		}
		if err := add("slack", ch); err != nil {
			return nil, err
		}
	}
	if cfg.Email != nil {
		ch, err := channel.NewEmail(cfg.Email.SMTPHost, cfg.Email.SMTPPort, cfg.Email.Username, cfg.Email.Password, cfg.Email.From, "nexusgate notification")
		if err != nil {
			return nil, fmt.Errorf("email: %w", err)
		}
		if err := add("email", ch); err != nil {
			return nil, err
		}
	}

	return loops, nil
}
