// Package agent implements the gateway's tool-calling agent engine (spec
// component C5): provider-multiplexed streaming LLM calls, the tool-call
// loop with policy gating and approval suspension, and the token-budget
// context trimmer.
package agent

import (
	"context"
	"net/http"
)

// LLMProvider is the minimum a provider implementation must satisfy: a
// single non-streaming chat call. Every provider in internal/agent/llm
// implements this.
type LLMProvider interface {
	// Chat sends messages to the LLM and returns a response. model allows
	// a per-request override; if empty, the provider's configured
	// default model is used.
	Chat(ctx context.Context, model string, messages []Message, tools []ToolDef) (*LLMResponse, error)
}

// LLMStreamProvider is optionally implemented by providers that support
// true SSE streaming. The engine checks for this interface via type
// assertion; providers without it are driven through Chat and the engine
// fakes a single-chunk stream from the full response.
type LLMStreamProvider interface {
	ChatStream(ctx context.Context, model string, messages []Message, tools []ToolDef) (<-chan StreamChunk, http.Header, error)

	// Proxy forwards a raw HTTP request to the provider's native API,
	// backing the /v1/chat/completions and /v1/responses passthrough
	// paths for clients that want the provider's own wire format.
	Proxy(w http.ResponseWriter, r *http.Request, path string) error
}

// InlineImage represents a base64-encoded image returned by a provider
// (e.g. Gemini image generation).
type InlineImage struct {
	MimeType string
	Data     string
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	Content      string
	InlineImages []InlineImage
	ToolCalls    []ToolCall

	// FinishReason is set on the final chunk: "stop" or "tool_calls".
	FinishReason string

	// Usage is non-nil only on the final chunk.
	Usage *Usage

	Error error
}

// Message is one entry in the conversation sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []ContentBlock
}

// ContentBlock is one piece of a Message's content when it carries
// structured parts (text, tool_use, tool_result, media).
type ContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	Source    *MediaSource   `json:"source,omitempty"`

	// ThoughtSignature is an opaque token from Gemini thinking models
	// that must be echoed back on the corresponding tool_use block.
	ThoughtSignature string `json:"thought_signature,omitempty"`
}

// MediaSource is an inline or URL-referenced media attachment.
type MediaSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Usage carries token usage statistics from the upstream provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// LLMResponse is a complete (non-streamed) provider response.
type LLMResponse struct {
	Content      string
	InlineImages []InlineImage
	ToolCalls    []ToolCall
	Finished     bool
	Usage        Usage
	Header       http.Header
}

// ToolCall is one model-requested tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any

	// ThoughtSignature must be echoed back in the subsequent request for
	// Gemini thinking models to maintain reasoning continuity.
	ThoughtSignature string

	// ParallelSafe is set by tool resolution (not the model) based on
	// the resolved ToolDef; it controls whether this call may run
	// concurrently with sibling calls from the same chunk.
	ParallelSafe bool
}
