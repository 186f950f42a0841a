package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nexusgate/nexusgate/internal/agent"
	"github.com/nexusgate/nexusgate/internal/config"
)

type fakeWebhookProvider struct{ reply string }

func (f *fakeWebhookProvider) Chat(ctx context.Context, model string, messages []agent.Message, tools []agent.ToolDef) (*agent.LLMResponse, error) {
	return &agent.LLMResponse{Content: f.reply, Finished: true}, nil
}

func TestWebhookIngestWithoutBindingOnlyAccepts(t *testing.T) {
	s := newTestServer(t)

	var auditedEvent string
	s.audit = func(event string, fields map[string]any) { auditedEvent = event }

	r := httptest.NewRequest(http.MethodPost, "/v1/hooks/unmapped", strings.NewReader("hello"))
	w := httptest.NewRecorder()
	s.WebhookIngest(w, r)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if auditedEvent != "webhook.received" {
		t.Fatalf("expected webhook.received to be audited, got %q", auditedEvent)
	}
	if strings.Contains(w.Body.String(), "agent_id") {
		t.Fatalf("unmapped delivery should not report an agent_id, got %s", w.Body.String())
	}
}

func TestRunWebhookTurnAppendsReplyAndAudits(t *testing.T) {
	s := newTestServer(t)

	var audited map[string]any
	var auditedEvent string
	s.audit = func(event string, fields map[string]any) {
		auditedEvent = event
		audited = fields
	}

	s.NewEngine = func(agentID string) (*agent.Engine, error) {
		return &agent.Engine{
			AgentID:  agentID,
			ModelRef: "test/model",
			Provider: &fakeWebhookProvider{reply: "pong"},
			MaxTurns: 1,
		}, nil
	}

	binding := config.WebhookBinding{AgentID: "support-bot", ScopeKey: "ticket-42"}
	s.runWebhookTurn("delivery-1", "tickets", binding, "ping")

	if auditedEvent != "webhook.turn_completed" {
		t.Fatalf("expected webhook.turn_completed to be audited, got %q", auditedEvent)
	}

	sessionID, _ := audited["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("expected session_id in audit fields, got %#v", audited)
	}

	turns, _, err := s.Sessions.History(sessionID, 0, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected user+assistant turns, got %d", len(turns))
	}
	if turns[0].Content != "ping" {
		t.Fatalf("expected first turn to be the webhook body, got %q", turns[0].Content)
	}
	if turns[1].Content != "pong" {
		t.Fatalf("expected assistant reply to be appended, got %q", turns[1].Content)
	}

	again, err := s.Sessions.GetOrCreateByScope("webhook:tickets", "ticket-42")
	if err != nil {
		t.Fatalf("GetOrCreateByScope: %v", err)
	}
	if again.ID != sessionID {
		t.Fatalf("expected repeat deliveries on the same mapping/scope to reuse the session")
	}
}
