package gateway

import (
	"encoding/json"

	"github.com/nexusgate/nexusgate/internal/agent"
)

// OpenAI-compatible wire types for the /v1/chat/completions and /v1/responses
// surfaces. Only the fields the gateway actually round-trips are modeled —
// clients that send extra fields get them silently ignored rather than
// rejected, matching how permissive OpenAI-compatible gateways behave.

type chatCompletionRequest struct {
	Model         string          `json:"model"`
	Messages      []openAIMessage `json:"messages"`
	Tools         []openAITool    `json:"tools,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *streamOptions  `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Model   string                 `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
	Usage   chatCompletionUsage    `json:"usage"`
}

type chatCompletionChoice struct {
	Index        int                   `json:"index"`
	Message      chatCompletionMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

type chatCompletionMessage struct {
	Role      string           `json:"role"`
	Content   *string          `json:"content"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

type chatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type modelsResponse struct {
	Object string      `json:"object"`
	Data   []modelData `json:"data"`
}

type modelData struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type chatCompletionChunk struct {
	ID      string               `json:"id"`
	Object  string               `json:"object"`
	Model   string               `json:"model"`
	Choices []chunkChoice        `json:"choices"`
	Usage   *chatCompletionUsage `json:"usage,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role      string           `json:"role,omitempty"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

// translateMessages converts the OpenAI wire format to the engine's internal
// Message shape. A plain string content is passed through unchanged; tool
// calls on an assistant message and tool results keyed by tool_call_id
// become structured content blocks so multi-turn tool loops round-trip.
func translateMessages(in []openAIMessage) []agent.Message {
	out := make([]agent.Message, 0, len(in))
	for _, m := range in {
		if m.Role == "tool" {
			var text string
			_ = json.Unmarshal(m.Content, &text)
			out = append(out, agent.Message{
				Role: "user",
				Content: []agent.ContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   text,
				}},
			})
			continue
		}

		if len(m.ToolCalls) > 0 {
			blocks := make([]agent.ContentBlock, 0, len(m.ToolCalls)+1)
			var text string
			if json.Unmarshal(m.Content, &text) == nil && text != "" {
				blocks = append(blocks, agent.ContentBlock{Type: "text", Text: text})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
				blocks = append(blocks, agent.ContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: args,
				})
			}
			out = append(out, agent.Message{Role: m.Role, Content: blocks})
			continue
		}

		var text string
		if err := json.Unmarshal(m.Content, &text); err != nil {
			// Non-string content (array of parts): pass the raw JSON through
			// as a map so providers that preserve structured content can use it.
			var raw any
			_ = json.Unmarshal(m.Content, &raw)
			out = append(out, agent.Message{Role: m.Role, Content: raw})
			continue
		}
		out = append(out, agent.Message{Role: m.Role, Content: text})
	}
	return out
}

func translateTools(in []openAITool) []agent.ToolDef {
	out := make([]agent.ToolDef, 0, len(in))
	for _, t := range in {
		out = append(out, agent.ToolDef{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Schema:      t.Function.Parameters,
		})
	}
	return out
}

func buildResponse(id, model string, resp *agent.LLMResponse) *chatCompletionResponse {
	finish := "stop"
	var toolCalls []openAIToolCall
	if len(resp.ToolCalls) > 0 {
		finish = "tool_calls"
		for _, tc := range resp.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			toolCalls = append(toolCalls, openAIToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openAIFunctionCall{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
	}

	content := resp.Content
	return &chatCompletionResponse{
		ID:     id,
		Object: "chat.completion",
		Model:  model,
		Choices: []chatCompletionChoice{{
			Index: 0,
			Message: chatCompletionMessage{
				Role:      "assistant",
				Content:   &content,
				ToolCalls: toolCalls,
			},
			FinishReason: finish,
		}},
		Usage: chatCompletionUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}
