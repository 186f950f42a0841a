package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nexusgate/nexusgate/internal/agent"
	"github.com/nexusgate/nexusgate/internal/config"
	"github.com/nexusgate/nexusgate/internal/idgen"
	"github.com/nexusgate/nexusgate/internal/session"
)

// WebhookIngest handles POST /v1/hooks/<mapping>: an inbound webhook from a
// channel provider (Telegram/Discord/Slack callbacks, inbound email relays)
// or a third-party integration. The mapping name is the path after
// /v1/hooks/, with outer slashes trimmed;
// tokens scoped with allowed_webhooks restrict which mappings they can post
// to. The body is logged to the audit trail and, when the mapping has a
// configured agents.webhooks binding, handed to the agent engine as a fresh
// turn on that binding's session scope; an unbound mapping is still
// accepted and audited, just without triggering a turn.
func (s *Server) WebhookIngest(w http.ResponseWriter, r *http.Request) {
	auth := authFrom(r.Context())

	mapping := strings.TrimPrefix(r.URL.Path, "/v1/hooks/")
	mapping = strings.Trim(mapping, "/")
	if mapping == "" {
		writeOpenAIError(w, "missing webhook mapping", "invalid_request_error", "", http.StatusBadRequest)
		return
	}
	if !auth.isWebhookAllowed(mapping) {
		writeOpenAIError(w, "token does not have access to this webhook", "invalid_request_error", "", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeOpenAIError(w, "failed to read webhook body", "invalid_request_error", "", http.StatusBadRequest)
		return
	}

	id := idgen.New("hook")
	s.audit("webhook.received", map[string]any{"id": id, "mapping": mapping, "bytes": len(body)})

	s.bus.Publish("webhooks", "webhook.received", map[string]any{
		"id":      id,
		"mapping": mapping,
	})

	binding, bound := s.getAgentsCfg().Webhooks[mapping]
	if !bound || s.NewEngine == nil {
		httpResponseJSON(w, map[string]any{"id": id, "status": "accepted"}, http.StatusAccepted)
		return
	}

	go s.runWebhookTurn(id, mapping, binding, string(body))

	httpResponseJSON(w, map[string]any{"id": id, "status": "accepted", "agent_id": binding.AgentID}, http.StatusAccepted)
}

// runWebhookTurn resolves (or creates) the session this mapping's deliveries
// share, appends the body as a user turn, and drives one agent.run to
// completion, publishing its events on the session's bus topic and
// appending the reply. It runs off the request goroutine
// so the webhook response isn't held open for the turn's duration.
func (s *Server) runWebhookTurn(deliveryID, mapping string, binding config.WebhookBinding, body string) {
	ctx := context.Background()

	scopeKey := binding.ScopeKey
	if scopeKey == "" {
		scopeKey = "webhook:" + mapping
	}
	sess, err := s.Sessions.GetOrCreateByScope("webhook:"+mapping, scopeKey)
	if err != nil {
		slog.Error("webhook: resolve session", "delivery_id", deliveryID, "mapping", mapping, "error", err)
		return
	}

	if _, err := s.Sessions.Append(sess.ID, session.RoleUser, body, session.TokenCounts{}); err != nil {
		slog.Error("webhook: append turn", "delivery_id", deliveryID, "session_id", sess.ID, "error", err)
		return
	}

	turns, _, err := s.Sessions.History(sess.ID, 0, 0)
	if err != nil {
		slog.Error("webhook: load history", "delivery_id", deliveryID, "session_id", sess.ID, "error", err)
		return
	}
	history := make([]agent.Message, 0, len(turns))
	pinned := make([]bool, 0, len(turns))
	for _, t := range turns {
		history = append(history, agent.Message{Role: string(t.Role), Content: t.Content})
		pinned = append(pinned, t.Pinned)
	}

	eng, err := s.NewEngine(binding.AgentID)
	if err != nil {
		slog.Error("webhook: build engine", "delivery_id", deliveryID, "agent_id", binding.AgentID, "error", err)
		return
	}

	events := eng.Run(ctx, agent.RunRequest{
		SessionID:     sess.ID,
		AgentID:       binding.AgentID,
		UserMessage:   body,
		History:       history,
		HistoryPinned: pinned,
	})

	var final string
	for ev := range events {
		s.bus.Publish("session:"+sess.ID, "chat.event", ev)
		if ev.Kind == agent.EventToken {
			final += ev.Token
		}
	}

	if final != "" {
		if _, err := s.Sessions.Append(sess.ID, session.RoleAssistant, final, session.TokenCounts{}); err != nil {
			slog.Error("webhook: append reply", "delivery_id", deliveryID, "session_id", sess.ID, "error", err)
		}
	}

	s.audit("webhook.turn_completed", map[string]any{"delivery_id": deliveryID, "mapping": mapping, "session_id": sess.ID})
}
