// Package bedrock implements an LLMProvider backed by AWS Bedrock's
// model-agnostic Converse API, following the same Provider-struct-plus-
// New-constructor shape as the sibling packages in internal/agent/llm.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go/document"

	"github.com/nexusgate/nexusgate/internal/agent"
)

type Provider struct {
	Model  string
	Region string

	client *bedrockruntime.Client
}

// New creates a Bedrock provider using the AWS credential chain (env vars,
// shared config, or the instance/task role) resolved for region.
func New(ctx context.Context, model, region string) (*Provider, error) {
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}

	return &Provider{
		Model:  model,
		Region: region,
		client: bedrockruntime.NewFromConfig(cfg),
	}, nil
}

// Chat implements agent.LLMProvider via bedrockruntime's Converse API, which
// normalizes the wire format across every model family Bedrock hosts.
func (p *Provider) Chat(ctx context.Context, model string, messages []agent.Message, tools []agent.ToolDef) (*agent.LLMResponse, error) {
	if model == "" {
		model = p.Model
	}

	system, msgs := buildConverseInput(messages)
	toolConfig := buildToolConfig(tools)

	out, err := p.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:    aws.String(model),
		System:     system,
		Messages:   msgs,
		ToolConfig: toolConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock: converse: %w", err)
	}

	resp := &agent.LLMResponse{Finished: true}

	if out.Usage != nil {
		resp.Usage = agent.Usage{
			PromptTokens:     int(aws.ToInt32(out.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}

	msgOut, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return resp, nil
	}

	for _, block := range msgOut.Value.Content {
		switch v := block.(type) {
		case *types.ContentBlockMemberText:
			resp.Content += v.Value
		case *types.ContentBlockMemberToolUse:
			args, _ := toolUseInputToMap(v.Value.Input)
			resp.ToolCalls = append(resp.ToolCalls, agent.ToolCall{
				ID:        aws.ToString(v.Value.ToolUseId),
				Name:      aws.ToString(v.Value.Name),
				Arguments: args,
			})
		}
	}

	if len(resp.ToolCalls) > 0 {
		resp.Finished = false
	}

	return resp, nil
}

// buildConverseInput splits the gateway's Message slice into Bedrock's
// separate system-prompt and turn-message lists.
func buildConverseInput(messages []agent.Message) ([]types.SystemContentBlock, []types.Message) {
	var system []types.SystemContentBlock
	var out []types.Message

	for _, m := range messages {
		text := messageText(m)
		if text == "" {
			continue
		}
		if m.Role == "system" {
			system = append(system, &types.SystemContentBlockMemberText{Value: text})
			continue
		}

		role := types.ConversationRoleUser
		if m.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		out = append(out, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: text}},
		})
	}

	return system, out
}

func messageText(m agent.Message) string {
	switch c := m.Content.(type) {
	case string:
		return c
	case []agent.ContentBlock:
		var out string
		for _, b := range c {
			out += b.Text
		}
		return out
	default:
		return ""
	}
}

func buildToolConfig(tools []agent.ToolDef) *types.ToolConfiguration {
	if len(tools) == 0 {
		return nil
	}

	var specs []types.Tool
	for _, t := range tools {
		schemaDoc, err := mapToDocument(agent.SanitizeSchema(t.Schema))
		if err != nil {
			continue
		}
		specs = append(specs, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: schemaDoc},
			},
		})
	}

	return &types.ToolConfiguration{Tools: specs}
}

// mapToDocument and toolUseInputToMap round-trip between plain
// map[string]any and the smithy document.Interface Bedrock's SDK uses for
// schema-less JSON payloads.
func mapToDocument(m map[string]any) (document.Interface, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return document.NewLazyDocument(json.RawMessage(raw)), nil
}

func toolUseInputToMap(doc document.Interface) (map[string]any, error) {
	if doc == nil {
		return nil, nil
	}
	var out map[string]any
	if err := doc.UnmarshalSmithyDocument(&out); err != nil {
		return nil, err
	}
	return out, nil
}
