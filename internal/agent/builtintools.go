package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nexusgate/nexusgate/internal/sandbox"
	gomcp "github.com/nexusgate/nexusgate/pkg/mcp"
)

// BuiltinTools is the ToolSource for tools implemented natively in this
// process, as opposed to a WASM plugin (C7) or an external MCP server
// (MCPToolSource). It wraps a pkg/mcp registry so the same definitions and
// handlers are reachable both from the engine's own tool-call loop and
// from any external MCP client that talks to its HTTP endpoint.
type BuiltinTools struct {
	registry *gomcp.MCP
}

// NewBuiltinTools builds the registry with the fixed set of natively
// implemented tools.
func NewBuiltinTools() *BuiltinTools {
	b := &BuiltinTools{registry: gomcp.New()}
	b.registerHTTPFetch()
	return b
}

// MCPServer exposes the same tool registry over HTTP for external MCP
// clients (an IDE, another agent runtime), mountable directly as a route
// handler.
func (b *BuiltinTools) MCPServer() http.HandlerFunc {
	return b.registry.ServeHTTP
}

// Tools implements agent.ToolSource.
func (b *BuiltinTools) Tools(ctx context.Context) ([]ToolDef, error) {
	tools := b.registry.Tools.List()
	defs := make([]ToolDef, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, ToolDef{
			Name:         t.Name,
			Description:  t.Description,
			Schema:       t.InputSchema,
			Impl:         ToolBuiltin,
			ParallelSafe: true,
		})
	}
	return defs, nil
}

// Invoke implements agent.ToolInvoker.
func (b *BuiltinTools) Invoke(ctx context.Context, call ToolCall) (string, error) {
	handler := b.registry.Tools.GetHandler(call.Name)
	if handler == nil {
		return "", fmt.Errorf("agent: builtin tool %q not found", call.Name)
	}
	result, err := handler(call.Arguments)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("agent: encode builtin tool result: %w", err)
	}
	return string(raw), nil
}

// registerHTTPFetch adds the one tool every other builtin tool would need
// anyway: an SSRF-guarded HTTP client, reusing the exact dial/redirect
// restrictions a WASM plugin's http_fetch capability runs through.
func (b *BuiltinTools) registerHTTPFetch() {
	client := sandbox.NewGuardedHTTPClient(10 * time.Second)

	b.registry.AddTool(gomcp.Tool{
		Name: "http_fetch",
		Description: "Fetch a URL over HTTP(S). Private, loopback, link-local, " +
			"and cloud metadata addresses are rejected.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url":    map[string]any{"type": "string"},
				"method": map[string]any{"type": "string"},
			},
			"required": []string{"url"},
		},
	}, func(args map[string]any) (any, error) {
		url, _ := args["url"].(string)
		if url == "" {
			return nil, fmt.Errorf("missing required 'url' argument")
		}
		method, _ := args["method"].(string)
		if method == "" {
			method = http.MethodGet
		}

		req, err := http.NewRequest(strings.ToUpper(method), url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
		if err != nil {
			return nil, err
		}

		return map[string]any{
			"status": resp.StatusCode,
			"body":   string(body),
		}, nil
	})
}
