package agent

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// MultiProvider routes a chat call to the LLMProvider registered for the
// prefix of the requested model identifier, e.g. "anthropic/claude-..."
// dispatches to the provider registered under "anthropic". Providers are
// registered once at startup from config.Providers.
type MultiProvider struct {
	byPrefix map[string]LLMProvider
}

// NewMultiProvider builds an empty router; call Register for each
// configured provider.
func NewMultiProvider() *MultiProvider {
	return &MultiProvider{byPrefix: make(map[string]LLMProvider)}
}

// Register binds prefix (the provider key, e.g. "anthropic", "openai",
// "ollama", "gemini", "vertex", "bedrock") to an LLMProvider implementation.
func (m *MultiProvider) Register(prefix string, provider LLMProvider) {
	m.byPrefix[prefix] = provider
}

// splitModel divides "provider/model" into its two parts. A bare model
// with no "/" is rejected — the gateway always needs to know which
// provider to route to.
func splitModel(model string) (prefix, rest string, err error) {
	i := strings.IndexByte(model, '/')
	if i < 0 {
		return "", "", fmt.Errorf("agent: model %q missing provider/ prefix", model)
	}
	return model[:i], model[i+1:], nil
}

// resolve looks up the provider for model and returns it along with the
// model name to actually send upstream (the part after the prefix).
func (m *MultiProvider) resolve(model string) (LLMProvider, string, error) {
	prefix, rest, err := splitModel(model)
	if err != nil {
		return nil, "", err
	}
	p, ok := m.byPrefix[prefix]
	if !ok {
		return nil, "", fmt.Errorf("agent: no provider registered for %q", prefix)
	}
	return p, rest, nil
}

// Chat implements LLMProvider by routing to the resolved provider.
func (m *MultiProvider) Chat(ctx context.Context, model string, messages []Message, tools []ToolDef) (*LLMResponse, error) {
	p, rest, err := m.resolve(model)
	if err != nil {
		return nil, err
	}
	return p.Chat(ctx, rest, messages, tools)
}

// ChatStream routes to the resolved provider's ChatStream if it implements
// LLMStreamProvider; otherwise it fakes a single-chunk stream from Chat so
// callers always get a stream to consume.
func (m *MultiProvider) ChatStream(ctx context.Context, model string, messages []Message, tools []ToolDef) (<-chan StreamChunk, http.Header, error) {
	p, rest, err := m.resolve(model)
	if err != nil {
		return nil, nil, err
	}

	if sp, ok := p.(LLMStreamProvider); ok {
		return sp.ChatStream(ctx, rest, messages, tools)
	}

	resp, err := p.Chat(ctx, rest, messages, tools)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan StreamChunk, 1)
	finish := "stop"
	if len(resp.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	ch <- StreamChunk{
		Content:      resp.Content,
		InlineImages: resp.InlineImages,
		ToolCalls:    resp.ToolCalls,
		FinishReason: finish,
		Usage:        &resp.Usage,
	}
	close(ch)
	return ch, resp.Header, nil
}

// boundProvider fixes a MultiProvider to one "provider/model" target,
// presenting the plain LLMProvider shape Engine.Provider expects — the
// engine calls Chat/ChatStream with an empty model string, relying on the
// provider it holds to already know which model to use.
type boundProvider struct {
	mp    *MultiProvider
	model string
}

// Bind adapts m into an LLMProvider fixed to model, for constructing the
// Engine backing one agent/session without the engine needing to carry
// provider-routing logic itself.
func (m *MultiProvider) Bind(model string) LLMProvider {
	return &boundProvider{mp: m, model: model}
}

// Chat implements LLMProvider. The engine's per-turn streaming check
// (Provider.(LLMStreamProvider)) always misses here since boundProvider
// doesn't implement ChatStream — real SSE streaming happens one layer up, in
// the gateway's own /v1/chat/completions handler, which calls
// MultiProvider.ChatStream directly rather than through an Engine.
func (b *boundProvider) Chat(ctx context.Context, _ string, messages []Message, tools []ToolDef) (*LLMResponse, error) {
	return b.mp.Chat(ctx, b.model, messages, tools)
}

// Models lists every "provider/model" this router can serve, used by the
// models.list WS method.
func (m *MultiProvider) Models(byProvider map[string][]string) []string {
	var out []string
	for prefix := range m.byPrefix {
		for _, model := range byProvider[prefix] {
			out = append(out, prefix+"/"+model)
		}
	}
	return out
}
