package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// EventKind identifies what an Event carries.
type EventKind string

const (
	EventToken           EventKind = "token"
	EventToolCallRequest  EventKind = "tool_call_request"
	EventToolCallResult   EventKind = "tool_call_result"
	EventStop             EventKind = "stop"
	EventError            EventKind = "error"
)

// Event is one item in the stream an agent turn produces.
type Event struct {
	Kind EventKind

	Token string

	ToolCall   *ToolCall
	ToolResult *ToolResult

	StopReason string

	ErrorCode    string
	ErrorMessage string
}

// RunRequest is the input to one agent turn.
type RunRequest struct {
	SessionID     string
	AgentID       string
	UserMessage   string
	Attachments   []string
	History       []Message // resolved post-compaction session history
	HistoryPinned []bool    // parallel to History; true entries are never trimmed
}

// Engine runs agent turns: streaming provider dispatch plus the tool-call
// loop (policy gating, approval suspension, cancellation at every
// suspension point).
type Engine struct {
	AgentID      string
	ModelRef     string // "provider/model"
	SystemPrompt string
	AgentPrompt  string
	Policy       ToolPolicy
	ChannelBind  string // empty = not bound to a specific channel

	Provider interface {
		LLMProvider
	}

	Sources  []ToolSource
	Approver Approver

	MaxTurns        int
	TokenBudget     int
	PerChunkTimeout time.Duration
	ApprovalTimeout time.Duration
}

// sourceFor resolves which ToolSource implements name, consulting each
// registered source's advertised tools.
func (e *Engine) sourceFor(ctx context.Context, name string) (ToolSource, *ToolDef, error) {
	for _, src := range e.Sources {
		defs, err := src.Tools(ctx)
		if err != nil {
			continue
		}
		for _, d := range defs {
			if d.Name == name {
				d := d
				return src, &d, nil
			}
		}
	}
	return nil, nil, nil
}

// allTools aggregates every source's advertised definitions, filtered by policy.
func (e *Engine) allTools(ctx context.Context) []ToolDef {
	var out []ToolDef
	for _, src := range e.Sources {
		defs, err := src.Tools(ctx)
		if err != nil {
			continue
		}
		out = append(out, defs...)
	}
	return e.Policy.Filter(out)
}

// Run executes one agent turn, emitting events to the returned channel
// until a stop or error event, at which point the channel is closed. ctx
// cancellation is observed at every suspension point (provider stream
// read, tool invocation, approval wait); on cancellation the final event
// is {kind: error, code: Cancelled}.
func (e *Engine) Run(ctx context.Context, req RunRequest) <-chan Event {
	out := make(chan Event, 32)

	go func() {
		defer close(out)
		e.run(ctx, req, out)
	}()

	return out
}

func (e *Engine) run(ctx context.Context, req RunRequest, out chan<- Event) {
	maxTurns := e.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 25
	}

	pinned := append([]bool(nil), req.HistoryPinned...)
	history := append([]Message(nil), req.History...)

	tools := e.allTools(ctx)

	for turn := 0; turn < maxTurns; turn++ {
		if ctx.Err() != nil {
			emitCancelled(out)
			return
		}

		trimmed := TrimToBudget(e.SystemPrompt, e.AgentPrompt, history, pinned, req.UserMessage, e.TokenBudget)

		messages := make([]Message, 0, len(trimmed)+1)
		messages = append(messages, trimmed...)
		messages = append(messages, Message{Role: "user", Content: req.UserMessage})

		resp, err := e.streamTurn(ctx, messages, tools, out)
		if err != nil {
			if ctx.Err() != nil {
				emitCancelled(out)
				return
			}
			out <- Event{Kind: EventError, ErrorCode: "Internal", ErrorMessage: err.Error()}
			return
		}
		if resp == nil {
			// streamTurn already emitted a terminal event (stall/cancel).
			return
		}

		var assistantBlocks []ContentBlock
		if resp.Content != "" {
			assistantBlocks = append(assistantBlocks, ContentBlock{Type: "text", Text: resp.Content})
		}
		for _, tc := range resp.ToolCalls {
			assistantBlocks = append(assistantBlocks, ContentBlock{
				Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Arguments, ThoughtSignature: tc.ThoughtSignature,
			})
		}
		history = append(history, Message{Role: "assistant", Content: assistantBlocks})
		pinned = append(pinned, false)

		if resp.Finished && len(resp.ToolCalls) == 0 {
			out <- Event{Kind: EventStop, StopReason: "stop"}
			return
		}

		resolveParallelSafe(tools, resp.ToolCalls)
		results := e.executeToolCalls(ctx, req.SessionID, resp.ToolCalls, out)
		if ctx.Err() != nil {
			emitCancelled(out)
			return
		}

		var resultBlocks []ContentBlock
		for _, r := range results {
			resultBlocks = append(resultBlocks, ContentBlock{
				Type: "tool_result", ToolUseID: r.ToolCallID, Name: r.Name, Content: r.Content,
			})
		}
		history = append(history, Message{Role: "tool", Content: resultBlocks})
		pinned = append(pinned, false)
	}

	out <- Event{Kind: EventStop, StopReason: "max_turns"}
}

// resolveParallelSafe stamps each call's ParallelSafe flag from the
// matching ToolDef — the model has no say in this, only the tool
// registry does.
func resolveParallelSafe(tools []ToolDef, calls []ToolCall) {
	safe := make(map[string]bool, len(tools))
	for _, t := range tools {
		safe[t.Name] = t.ParallelSafe
	}
	for i := range calls {
		calls[i].ParallelSafe = safe[calls[i].Name]
	}
}

func emitCancelled(out chan<- Event) {
	out <- Event{Kind: EventError, ErrorCode: "Cancelled", ErrorMessage: "operation cancelled"}
}

// streamTurn drives one provider call, forwarding token chunks and
// enforcing the per-chunk stall watchdog. It returns the assembled
// LLMResponse, or nil if it already emitted a terminal event itself.
func (e *Engine) streamTurn(ctx context.Context, messages []Message, tools []ToolDef, out chan<- Event) (*LLMResponse, error) {
	streamer, ok := e.Provider.(LLMStreamProvider)
	if !ok {
		resp, err := e.Provider.Chat(ctx, "", messages, tools)
		if err != nil {
			return nil, err
		}
		if resp.Content != "" {
			out <- Event{Kind: EventToken, Token: resp.Content}
		}
		for _, tc := range resp.ToolCalls {
			tc := tc
			out <- Event{Kind: EventToolCallRequest, ToolCall: &tc}
		}
		return resp, nil
	}

	chunks, _, err := streamer.ChatStream(ctx, "", messages, tools)
	if err != nil {
		return nil, err
	}

	timeout := e.PerChunkTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	resp := &LLMResponse{}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			out <- Event{Kind: EventError, ErrorCode: "StreamStalled", ErrorMessage: "no chunk received within timeout"}
			return nil, nil
		case chunk, okCh := <-chunks:
			if !okCh {
				resp.Finished = true
				return resp, nil
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)

			if chunk.Error != nil {
				return nil, chunk.Error
			}
			if chunk.Content != "" {
				resp.Content += chunk.Content
				out <- Event{Kind: EventToken, Token: chunk.Content}
			}
			resp.InlineImages = append(resp.InlineImages, chunk.InlineImages...)
			for _, tc := range chunk.ToolCalls {
				resp.ToolCalls = append(resp.ToolCalls, tc)
				tc := tc
				out <- Event{Kind: EventToolCallRequest, ToolCall: &tc}
			}
			if chunk.FinishReason != "" {
				resp.Finished = chunk.FinishReason == "stop"
				if chunk.Usage != nil {
					resp.Usage = *chunk.Usage
				}
				return resp, nil
			}
		}
	}
}

// executeToolCalls resolves and invokes each requested tool call, honoring
// policy gating, channel binding, approval suspension, and the
// parallel-safe tie-break: contiguous parallel-safe calls run concurrently,
// everything else runs one at a time in arrival order.
func (e *Engine) executeToolCalls(ctx context.Context, sessionID string, calls []ToolCall, out chan<- Event) []ToolResult {
	results := make([]ToolResult, len(calls))

	i := 0
	for i < len(calls) {
		if ctx.Err() != nil {
			return results[:i]
		}
		if calls[i].ParallelSafe {
			j := i
			for j < len(calls) && calls[j].ParallelSafe {
				j++
			}
			var wg sync.WaitGroup
			for k := i; k < j; k++ {
				wg.Add(1)
				go func(k int) {
					defer wg.Done()
					results[k] = e.executeOne(ctx, sessionID, calls[k], out)
				}(k)
			}
			wg.Wait()
			i = j
			continue
		}

		results[i] = e.executeOne(ctx, sessionID, calls[i], out)
		i++
	}

	return results
}

func (e *Engine) executeOne(ctx context.Context, sessionID string, call ToolCall, out chan<- Event) ToolResult {
	if ctx.Err() != nil {
		return ToolResult{ToolCallID: call.ID, Name: call.Name, Content: `{"error":"cancelled"}`, IsError: true}
	}

	if !e.Policy.Allows(call.Name) {
		res := ToolResult{ToolCallID: call.ID, Name: call.Name, Content: `{"error":"policy"}`, IsError: true}
		out <- Event{Kind: EventToolCallResult, ToolResult: &res}
		return res
	}

	src, def, err := e.sourceFor(ctx, call.Name)
	if err != nil || src == nil || def == nil {
		res := ToolResult{ToolCallID: call.ID, Name: call.Name, Content: `{"error":"unknown_tool"}`, IsError: true}
		out <- Event{Kind: EventToolCallResult, ToolResult: &res}
		return res
	}

	if def.Impl == ToolChannelGated && def.RequiredChannel != "" && def.RequiredChannel != e.ChannelBind {
		res := ToolResult{ToolCallID: call.ID, Name: call.Name, Content: `{"error":"channel_mismatch"}`, IsError: true}
		out <- Event{Kind: EventToolCallResult, ToolResult: &res}
		return res
	}

	if def.RequiresApproval && e.Approver != nil {
		approvalCtx := ctx
		var cancel context.CancelFunc
		if e.ApprovalTimeout > 0 {
			approvalCtx, cancel = context.WithTimeout(ctx, e.ApprovalTimeout)
			defer cancel()
		}
		approved, err := e.Approver.RequestApproval(approvalCtx, sessionID, call)
		if err != nil || !approved {
			res := ToolResult{ToolCallID: call.ID, Name: call.Name, Content: `{"error":"denied"}`, IsError: true}
			out <- Event{Kind: EventToolCallResult, ToolResult: &res}
			return res
		}
	}

	content, err := src.Invoke(ctx, call)
	if err != nil {
		// Tool failures are reported as tool results, not turn failures,
		// so the model can recover from them.
		errJSON, _ := json.Marshal(map[string]string{"error": err.Error()})
		res := ToolResult{ToolCallID: call.ID, Name: call.Name, Content: string(errJSON), IsError: true}
		out <- Event{Kind: EventToolCallResult, ToolResult: &res}
		return res
	}

	res := ToolResult{ToolCallID: call.ID, Name: call.Name, Content: content}
	out <- Event{Kind: EventToolCallResult, ToolResult: &res}
	return res
}
