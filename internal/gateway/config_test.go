package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nexusgate/nexusgate/internal/agent"
	"github.com/nexusgate/nexusgate/internal/config"
)

func TestApplyConfigHotSwapsAuthAndPublishesChange(t *testing.T) {
	s := newTestServer(t)
	s.fullCfg = config.Config{Auth: config.Auth{LoopbackExempt: true}}

	ch := s.bus.Subscribe("watcher", []string{"config"}, func(string) {})["config"]

	next := config.Config{Auth: config.Auth{
		Tokens: []config.AuthTokenConfig{{Token: "new-secret", Name: "rotated"}},
	}}

	changed, class, err := s.ApplyConfig(context.Background(), next)
	if err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if len(changed) != 1 || changed[0] != "Auth" {
		t.Fatalf("expected only Auth to have changed, got %v", changed)
	}
	if class != config.ReloadHot {
		t.Fatalf("expected hot reload class, got %v", class)
	}

	got := s.getAuth()
	if got == nil {
		t.Fatalf("expected auth to be replaced")
	}

	f := <-ch
	if f.Method != "config.changed" {
		t.Fatalf("method = %q, want config.changed", f.Method)
	}
	var received map[string]any
	if err := json.Unmarshal(f.Params, &received); err != nil {
		t.Fatalf("decode published frame: %v", err)
	}
	if received["changed"] == nil {
		t.Fatalf("expected config.changed notification, got %#v", received)
	}
}

func TestApplyConfigNoopWhenNothingChanged(t *testing.T) {
	s := newTestServer(t)
	cfg := config.Config{Auth: config.Auth{LoopbackExempt: true}}
	s.fullCfg = cfg

	changed, _, err := s.ApplyConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if len(changed) != 0 {
		t.Fatalf("expected no changed sections, got %v", changed)
	}
}

func TestApplyConfigRebuildsProvidersOnlyWhenProvidersChanged(t *testing.T) {
	s := newTestServer(t)
	s.fullCfg = config.Config{}
	original := s.Providers

	var rebuilt bool
	s.RebuildProviders = func(ctx context.Context, providers map[string]config.LLMConfig) (*agent.MultiProvider, error) {
		rebuilt = true
		return &agent.MultiProvider{}, nil
	}

	// Auth-only change must not touch Providers.
	if _, _, err := s.ApplyConfig(context.Background(), config.Config{Auth: config.Auth{LoopbackExempt: true}}); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if rebuilt {
		t.Fatalf("RebuildProviders should not run when Providers section is unchanged")
	}
	if s.getProviders() != original {
		t.Fatalf("Providers should be untouched by an Auth-only reload")
	}

	if _, _, err := s.ApplyConfig(context.Background(), config.Config{
		Auth:      config.Auth{LoopbackExempt: true},
		Providers: map[string]config.LLMConfig{"openai": {Type: "openai"}},
	}); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if !rebuilt {
		t.Fatalf("expected RebuildProviders to run once Providers changed")
	}
	if s.getProviders() == original {
		t.Fatalf("expected Providers to be swapped in")
	}
}
