package agent

import "context"

// ToolImplKind classifies how a tool is actually executed.
type ToolImplKind string

const (
	ToolBuiltin      ToolImplKind = "builtin"
	ToolWasmPlugin   ToolImplKind = "wasm_plugin"
	ToolChannelGated ToolImplKind = "channel_gated"
)

// ToolDef describes one tool available to an agent: its name, JSON schema,
// and how it's actually implemented. channel_gated tools additionally
// require the active session's channel to match RequiredChannel.
type ToolDef struct {
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	Schema          map[string]any `json:"schema"`
	Impl            ToolImplKind   `json:"implementation_ref"`
	RequiredChannel string         `json:"required_channel,omitempty"`

	// ParallelSafe permits this tool to run concurrently with sibling
	// tool calls from the same model chunk instead of sequentially.
	ParallelSafe bool `json:"parallel_safe,omitempty"`

	// RequiresApproval routes invocations through an ApprovalTicket
	// before the tool actually runs.
	RequiresApproval bool `json:"requires_approval,omitempty"`
}

// PolicyMode selects how a ToolPolicy filters the tools exposed to a model.
type PolicyMode string

const (
	PolicyAllowAll  PolicyMode = "allow_all"
	PolicyAllowList PolicyMode = "allow_list"
	PolicyDenyList  PolicyMode = "deny_list"
)

// ToolPolicy gates which tools an agent may see and invoke.
type ToolPolicy struct {
	Mode PolicyMode
	Set  map[string]bool
}

// Allows reports whether name passes policy, applied at both
// tool-definition filtering (what the model sees) and dispatch time
// (what's actually allowed to run).
func (p ToolPolicy) Allows(name string) bool {
	switch p.Mode {
	case PolicyAllowList:
		return p.Set[name]
	case PolicyDenyList:
		return !p.Set[name]
	default: // PolicyAllowAll and zero value
		return true
	}
}

// Filter returns the subset of defs this policy allows.
func (p ToolPolicy) Filter(defs []ToolDef) []ToolDef {
	out := make([]ToolDef, 0, len(defs))
	for _, d := range defs {
		if p.Allows(d.Name) {
			out = append(out, d)
		}
	}
	return out
}

// ToolResult is what a tool invocation (successful or not) contributes
// back into the conversation as a tool-role turn.
type ToolResult struct {
	ToolCallID string
	Name       string
	Content    string
	IsError    bool
}

// ToolInvoker executes a single resolved tool call. Implementations: the
// builtin registry, the wasm sandbox (C7), the MCP client adapter, and
// channel-gated dispatch all satisfy this.
type ToolInvoker interface {
	Invoke(ctx context.Context, call ToolCall) (string, error)
}

// ToolSource both advertises tool definitions and can invoke them; it's
// the union the engine pulls its working tool set from.
type ToolSource interface {
	ToolInvoker
	Tools(ctx context.Context) ([]ToolDef, error)
}

// Approver opens an ApprovalTicket for a tool call requiring approval and
// blocks until it's resolved, denied, or ctx is cancelled. internal/approval
// implements this; the engine only depends on the interface to avoid a
// package cycle.
type Approver interface {
	RequestApproval(ctx context.Context, sessionID string, call ToolCall) (approved bool, err error)
}
