package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexusgate/nexusgate/internal/sandbox"
	"github.com/tetratelabs/wazero"
)

// Plugin adapts a sandbox-hosted WASM channel (a module exporting
// handle_message) to the Channel interface, so the delivery loop dispatches
// to it exactly as it would a native Telegram or Slack implementation.
type Plugin struct {
	rt       *sandbox.Runtime
	compiled wazero.CompiledModule
	manifest *sandbox.PluginManifest
	caps     *sandbox.CapabilitySet
	quotas   sandbox.Quotas
	deps     sandbox.Dependencies
}

// pluginSendResult is the JSON shape a handle_message export returns.
type pluginSendResult struct {
	ProviderMsgID string   `json:"provider_msg_id"`
	Warnings      []string `json:"warnings"`
	Error         string   `json:"error"`
	Temporary     bool     `json:"temporary"`
}

// NewPlugin derives the manifest from wasmBytes, rejects anything not kind
// "channel", and compiles it for repeated invocation under rt.
func NewPlugin(ctx context.Context, rt *sandbox.Runtime, key string, wasmBytes []byte, quotas sandbox.Quotas, deps sandbox.Dependencies) (*Plugin, error) {
	manifest, err := sandbox.DeriveManifest(ctx, rt.Wazero(), wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("channel: derive manifest: %w", err)
	}
	if manifest.Kind != "channel" {
		return nil, fmt.Errorf("channel: plugin exports %s, not a channel entrypoint", manifest.Entrypoint)
	}

	compiled, err := rt.Compile(ctx, key, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("channel: compile plugin: %w", err)
	}

	return &Plugin{
		rt:       rt,
		compiled: compiled,
		manifest: manifest,
		caps:     sandbox.NewCapabilitySet(quotas, manifest.Capabilities...),
		quotas:   quotas,
		deps:     deps,
	}, nil
}

func (p *Plugin) Send(ctx context.Context, msg Message) (DeliveryResult, error) {
	input, err := json.Marshal(msg)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("channel: encode plugin input: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.quotas.MaxWallClock)
	defer cancel()

	out, err := p.rt.Invoke(callCtx, p.compiled, p.manifest, p.caps, p.deps, input)
	if err != nil {
		return DeliveryResult{}, Temporary(fmt.Errorf("channel: plugin invoke: %w", err))
	}

	var res pluginSendResult
	if err := json.Unmarshal(out, &res); err != nil {
		return DeliveryResult{}, fmt.Errorf("channel: decode plugin output: %w", err)
	}
	if res.Error != "" {
		err := fmt.Errorf("channel: plugin: %s", res.Error)
		if res.Temporary {
			return DeliveryResult{}, Temporary(err)
		}
		return DeliveryResult{}, err
	}

	return DeliveryResult{
		ProviderMsgID: res.ProviderMsgID,
		DeliveredAt:   time.Now().UTC(),
		Warnings:      res.Warnings,
	}, nil
}

// Logout is a no-op: plugin instances are ephemeral, torn down after every
// call, so there is no persistent session to close.
func (p *Plugin) Logout(ctx context.Context) error {
	return nil
}
