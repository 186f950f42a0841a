package agent

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

type fakeProvider struct {
	responses []*LLMResponse
	calls     int
}

func (f *fakeProvider) Chat(ctx context.Context, model string, messages []Message, tools []ToolDef) (*LLMResponse, error) {
	if f.calls >= len(f.responses) {
		return &LLMResponse{Finished: true}, nil
	}
	r := f.responses[f.calls]
	f.calls++
	return r, nil
}

type fakeToolSource struct {
	defs []ToolDef
	fn   func(call ToolCall) (string, error)
}

func (s *fakeToolSource) Tools(ctx context.Context) ([]ToolDef, error) { return s.defs, nil }
func (s *fakeToolSource) Invoke(ctx context.Context, call ToolCall) (string, error) {
	return s.fn(call)
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for e := range ch {
		out = append(out, e)
	}
	return out
}

func TestEngineSimpleStopNoTools(t *testing.T) {
	e := &Engine{
		Provider: &fakeProvider{responses: []*LLMResponse{
			{Content: "hello", Finished: true},
		}},
		Policy: ToolPolicy{Mode: PolicyAllowAll},
	}

	events := drain(e.Run(context.Background(), RunRequest{SessionID: "s1", UserMessage: "hi"}))

	var sawToken, sawStop bool
	for _, ev := range events {
		switch ev.Kind {
		case EventToken:
			sawToken = true
		case EventStop:
			sawStop = true
			if ev.StopReason != "stop" {
				t.Fatalf("expected stop reason 'stop', got %q", ev.StopReason)
			}
		}
	}
	if !sawToken || !sawStop {
		t.Fatalf("expected token and stop events, got %+v", events)
	}
}

func TestEngineToolCallLoopInvokesAndResumes(t *testing.T) {
	src := &fakeToolSource{
		defs: []ToolDef{{Name: "lookup", Impl: ToolBuiltin}},
		fn: func(call ToolCall) (string, error) {
			return `{"result":"42"}`, nil
		},
	}

	e := &Engine{
		Provider: &fakeProvider{responses: []*LLMResponse{
			{ToolCalls: []ToolCall{{ID: "t1", Name: "lookup", Arguments: map[string]any{"q": "x"}}}},
			{Content: "the answer is 42", Finished: true},
		}},
		Policy:  ToolPolicy{Mode: PolicyAllowAll},
		Sources: []ToolSource{src},
	}

	events := drain(e.Run(context.Background(), RunRequest{SessionID: "s1", UserMessage: "what is it"}))

	var sawRequest, sawResult bool
	for _, ev := range events {
		if ev.Kind == EventToolCallRequest {
			sawRequest = true
		}
		if ev.Kind == EventToolCallResult {
			sawResult = true
			if ev.ToolResult.IsError {
				t.Fatalf("expected successful tool result, got error: %s", ev.ToolResult.Content)
			}
		}
	}
	if !sawRequest || !sawResult {
		t.Fatalf("expected tool_call_request and tool_call_result events, got %+v", events)
	}
}

func TestEngineDeniedToolPolicyYieldsSyntheticError(t *testing.T) {
	src := &fakeToolSource{
		defs: []ToolDef{{Name: "dangerous", Impl: ToolBuiltin}},
		fn:   func(call ToolCall) (string, error) { return "should not run", nil },
	}

	e := &Engine{
		Provider: &fakeProvider{responses: []*LLMResponse{
			{ToolCalls: []ToolCall{{ID: "t1", Name: "dangerous"}}},
			{Content: "done", Finished: true},
		}},
		Policy:  ToolPolicy{Mode: PolicyDenyList, Set: map[string]bool{"dangerous": true}},
		Sources: []ToolSource{src},
	}

	events := drain(e.Run(context.Background(), RunRequest{SessionID: "s1", UserMessage: "go"}))

	found := false
	for _, ev := range events {
		if ev.Kind == EventToolCallResult {
			found = true
			if !ev.ToolResult.IsError || ev.ToolResult.Content != `{"error":"policy"}` {
				t.Fatalf("expected policy denial result, got %+v", ev.ToolResult)
			}
		}
	}
	if !found {
		t.Fatal("expected a tool_call_result event for the denied call")
	}
}

type approveNone struct{}

func (approveNone) RequestApproval(ctx context.Context, sessionID string, call ToolCall) (bool, error) {
	return false, nil
}

func TestEngineApprovalDeniedYieldsSyntheticError(t *testing.T) {
	src := &fakeToolSource{
		defs: []ToolDef{{Name: "delete_everything", Impl: ToolBuiltin, RequiresApproval: true}},
		fn:   func(call ToolCall) (string, error) { return "should not run", nil },
	}

	e := &Engine{
		Provider: &fakeProvider{responses: []*LLMResponse{
			{ToolCalls: []ToolCall{{ID: "t1", Name: "delete_everything"}}},
			{Content: "done", Finished: true},
		}},
		Policy:   ToolPolicy{Mode: PolicyAllowAll},
		Sources:  []ToolSource{src},
		Approver: approveNone{},
	}

	events := drain(e.Run(context.Background(), RunRequest{SessionID: "s1", UserMessage: "go"}))

	for _, ev := range events {
		if ev.Kind == EventToolCallResult && ev.ToolResult.Content != `{"error":"denied"}` {
			t.Fatalf("expected denial result, got %+v", ev.ToolResult)
		}
	}
}

func TestEngineMaxTurnsStopsLoop(t *testing.T) {
	responses := make([]*LLMResponse, 0, 10)
	for i := 0; i < 10; i++ {
		responses = append(responses, &LLMResponse{ToolCalls: []ToolCall{{ID: "t", Name: "noop"}}})
	}
	src := &fakeToolSource{
		defs: []ToolDef{{Name: "noop", Impl: ToolBuiltin}},
		fn:   func(call ToolCall) (string, error) { return "{}", nil },
	}

	e := &Engine{
		Provider: &fakeProvider{responses: responses},
		Policy:   ToolPolicy{Mode: PolicyAllowAll},
		Sources:  []ToolSource{src},
		MaxTurns: 3,
	}

	events := drain(e.Run(context.Background(), RunRequest{SessionID: "s1", UserMessage: "loop"}))

	last := events[len(events)-1]
	if last.Kind != EventStop || last.StopReason != "max_turns" {
		t.Fatalf("expected max_turns stop, got %+v", last)
	}
}

func TestEngineToolFailureSurfacesAsResultNotTurnFailure(t *testing.T) {
	src := &fakeToolSource{
		defs: []ToolDef{{Name: "flaky", Impl: ToolBuiltin}},
		fn:   func(call ToolCall) (string, error) { return "", errors.New("boom") },
	}

	e := &Engine{
		Provider: &fakeProvider{responses: []*LLMResponse{
			{ToolCalls: []ToolCall{{ID: "t1", Name: "flaky"}}},
			{Content: "recovered", Finished: true},
		}},
		Policy:  ToolPolicy{Mode: PolicyAllowAll},
		Sources: []ToolSource{src},
	}

	events := drain(e.Run(context.Background(), RunRequest{SessionID: "s1", UserMessage: "go"}))

	var sawStop bool
	for _, ev := range events {
		if ev.Kind == EventError {
			t.Fatalf("tool failure should not surface as a turn error event, got %+v", ev)
		}
		if ev.Kind == EventStop {
			sawStop = true
		}
	}
	if !sawStop {
		t.Fatal("expected the turn to recover and stop normally")
	}
}

func TestEngineCancellationSurfacesCancelledEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := &Engine{
		Provider: &fakeProvider{responses: []*LLMResponse{{Content: "hi", Finished: true}}},
		Policy:   ToolPolicy{Mode: PolicyAllowAll},
	}

	events := drain(e.Run(ctx, RunRequest{SessionID: "s1", UserMessage: "go"}))
	if len(events) == 0 || events[len(events)-1].ErrorCode != "Cancelled" {
		t.Fatalf("expected a Cancelled error event, got %+v", events)
	}
}

func TestEngineStreamStallWatchdog(t *testing.T) {
	chunks := make(chan StreamChunk) // never written to
	sp := &streamOnlyProvider{chunks: chunks}

	e := &Engine{
		Provider:        sp,
		Policy:          ToolPolicy{Mode: PolicyAllowAll},
		PerChunkTimeout: 10 * time.Millisecond,
	}

	events := drain(e.Run(context.Background(), RunRequest{SessionID: "s1", UserMessage: "go"}))
	found := false
	for _, ev := range events {
		if ev.Kind == EventError && ev.ErrorCode == "StreamStalled" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected StreamStalled event, got %+v", events)
	}
}

type streamOnlyProvider struct {
	chunks chan StreamChunk
}

func (s *streamOnlyProvider) Chat(ctx context.Context, model string, messages []Message, tools []ToolDef) (*LLMResponse, error) {
	return &LLMResponse{Finished: true}, nil
}

func (s *streamOnlyProvider) ChatStream(ctx context.Context, model string, messages []Message, tools []ToolDef) (<-chan StreamChunk, http.Header, error) {
	return s.chunks, nil, nil
}

func (s *streamOnlyProvider) Proxy(w http.ResponseWriter, r *http.Request, path string) error {
	return nil
}
