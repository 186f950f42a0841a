package gateway

import (
	"encoding/json"
	"testing"

	"github.com/nexusgate/nexusgate/internal/agent"
)

func TestTranslateMessagesPlainText(t *testing.T) {
	in := []openAIMessage{
		{Role: "system", Content: json.RawMessage(`"be helpful"`)},
		{Role: "user", Content: json.RawMessage(`"hello"`)},
	}
	out := translateMessages(in)
	if len(out) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(out))
	}
	if out[1].Content != "hello" {
		t.Fatalf("expected plain string content, got %#v", out[1].Content)
	}
}

func TestTranslateMessagesToolCallAndResult(t *testing.T) {
	in := []openAIMessage{
		{
			Role:    "assistant",
			Content: json.RawMessage(`""`),
			ToolCalls: []openAIToolCall{{
				ID:   "call_1",
				Type: "function",
				Function: openAIFunctionCall{
					Name:      "get_weather",
					Arguments: `{"city":"nyc"}`,
				},
			}},
		},
		{
			Role:       "tool",
			ToolCallID: "call_1",
			Content:    json.RawMessage(`"72F and sunny"`),
		},
	}
	out := translateMessages(in)
	if len(out) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(out))
	}

	blocks, ok := out[0].Content.([]agent.ContentBlock)
	if !ok || len(blocks) != 1 || blocks[0].Type != "tool_use" {
		t.Fatalf("expected a single tool_use block, got %#v", out[0].Content)
	}
	if blocks[0].Input["city"] != "nyc" {
		t.Fatalf("expected tool arguments decoded, got %#v", blocks[0].Input)
	}

	resultBlocks, ok := out[1].Content.([]agent.ContentBlock)
	if !ok || len(resultBlocks) != 1 || resultBlocks[0].Type != "tool_result" {
		t.Fatalf("expected a single tool_result block, got %#v", out[1].Content)
	}
	if resultBlocks[0].ToolUseID != "call_1" {
		t.Fatalf("expected tool_use_id to carry through, got %q", resultBlocks[0].ToolUseID)
	}
}

func TestBuildResponseMapsToolCalls(t *testing.T) {
	resp := &agent.LLMResponse{
		ToolCalls: []agent.ToolCall{{ID: "call_1", Name: "get_weather", Arguments: map[string]any{"city": "nyc"}}},
	}
	out := buildResponse("chatcmpl_1", "openai/gpt-4o", resp)
	if out.Choices[0].FinishReason != "tool_calls" {
		t.Fatalf("expected finish_reason tool_calls, got %q", out.Choices[0].FinishReason)
	}
	if len(out.Choices[0].Message.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call in response, got %d", len(out.Choices[0].Message.ToolCalls))
	}
}

func TestBuildResponsePlainTextFinishesStop(t *testing.T) {
	resp := &agent.LLMResponse{Content: "hi there"}
	out := buildResponse("chatcmpl_2", "anthropic/claude", resp)
	if out.Choices[0].FinishReason != "stop" {
		t.Fatalf("expected finish_reason stop, got %q", out.Choices[0].FinishReason)
	}
	if *out.Choices[0].Message.Content != "hi there" {
		t.Fatalf("expected content round-tripped, got %v", out.Choices[0].Message.Content)
	}
}
