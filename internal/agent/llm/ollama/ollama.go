package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nexusgate/nexusgate/internal/agent"
)

type Provider struct {
	Model   string
	BaseURL string
}

func New(model, baseURL string) *Provider {
	if baseURL == "" {
		baseURL = "http://localhost:11434/api/chat"
	}
	return &Provider{
		Model:   model,
		BaseURL: baseURL,
	}
}

func (p *Provider) Chat(ctx context.Context, model string, messages []agent.Message, tools []agent.ToolDef) (*agent.LLMResponse, error) {
	if model == "" {
		model = p.Model
	}

	openaiTools := make([]map[string]any, len(tools))
	for i, tool := range tools {
		openaiTools[i] = map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  tool.Schema,
			},
		}
	}

	reqBody := map[string]any{
		"model":    model,
		"messages": messages,
		"stream":   false,
	}
	if len(tools) > 0 {
		reqBody["tools"] = openaiTools
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	llmResp := &agent.LLMResponse{
		Content:  result.Message.Content,
		Finished: len(result.Message.ToolCalls) == 0,
		Header:   resp.Header,
	}

	for i, tc := range result.Message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			json.Unmarshal([]byte(tc.Function.Arguments), &args)
		}
		llmResp.ToolCalls = append(llmResp.ToolCalls, agent.ToolCall{
			ID:        fmt.Sprintf("call_%d", i),
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	return llmResp, nil
}
