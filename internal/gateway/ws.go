package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nexusgate/nexusgate/internal/agent"
	"github.com/nexusgate/nexusgate/internal/approval"
	"github.com/nexusgate/nexusgate/internal/config"
	"github.com/nexusgate/nexusgate/internal/configstore"
	"github.com/nexusgate/nexusgate/internal/cron"
	"github.com/nexusgate/nexusgate/internal/session"
	"github.com/nexusgate/nexusgate/internal/wsrpc"
)

// registerWS builds the wsrpc method table: the handshake plus the core
// method families backed by subsystems the gateway already owns
// (sessions, cron, approvals, pairing, config). Niche surfaces named in
// the WS namespace but with no backing subsystem (voicewake, talk.mode,
// wizard, tts, update.*) are intentionally not registered here — see
// DESIGN.md.
func (s *Server) registerWS() {
	d := s.dispatcher

	d.Register("auth.handshake", s.handleHandshake)

	d.Register("sessions.create", s.handleSessionsCreate)
	d.Register("sessions.get", s.handleSessionsGet)
	d.Register("sessions.append", s.handleSessionsAppend)
	d.Register("sessions.history", s.handleSessionsHistory)
	d.Register("sessions.list", s.handleSessionsList)

	d.Register("cron.list", s.handleCronList)
	d.Register("cron.get", s.handleCronGet)
	d.Register("cron.upsert", s.handleCronUpsert)
	d.Register("cron.delete", s.handleCronDelete)
	d.Register("cron.runs", s.handleCronRuns)

	d.Register("exec.approvals.get", s.handleApprovalsGet)
	d.Register("exec.approvals.set", s.handleApprovalsSet)

	d.Register("node.pair_request", s.handlePairRequest)
	d.Register("node.pair_list", s.handlePairList)
	d.Register("node.pair_approve", s.handlePairApprove)
	d.Register("node.pair_reject", s.handlePairReject)
	d.Register("node.revoke", s.handlePairRevoke)

	d.Register("config.get", s.handleConfigGet)
	d.Register("config.set", s.handleConfigSet)
	d.Register("config.apply", s.handleConfigApply)
	d.Register("config.patch", s.handleConfigPatch)
	d.Register("config.reload", s.handleConfigReload)

	d.Register("models.list", s.handleModelsList)
	d.Register("agents.list", s.handleAgentsList)

	d.Register("chat.send", s.handleChatSend)
	d.Register("chat.abort", s.handleChatAbort)
}

func decodeParams[T any](params json.RawMessage) (T, *wsrpc.Error) {
	var v T
	if len(params) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, wsrpc.NewError(wsrpc.CodeSchemaInvalid, "invalid params: "+err.Error())
	}
	return v, nil
}

// ─── Handshake ───

type handshakeParams struct {
	Token    string `json:"token"`
	Password string `json:"password"`
	UserID   string `json:"user_id"`

	// Topics declares the bus topics this connection wants streamed to it
	// as notifications once authenticated (e.g. "session:<id>" to observe
	// another caller's turn, or "webhooks" to watch inbound deliveries).
	Topics []string `json:"topics"`
}

func (s *Server) handleHandshake(ctx context.Context, conn *wsrpc.Conn, params json.RawMessage) (any, *wsrpc.Error) {
	p, perr := decodeParams[handshakeParams](params)
	if perr != nil {
		return nil, perr
	}

	userID := p.UserID
	auth := s.getAuth()
	switch {
	case p.Token != "":
		authed := false
		for _, t := range auth.tokens {
			if t.Token != "" && t.Token == p.Token {
				authed = true
				if userID == "" {
					userID = t.Name
				}
				break
			}
		}
		if !authed {
			return nil, wsrpc.NewError(wsrpc.CodeUnauthenticated, "invalid token")
		}
	case p.Password != "":
		if !auth.verifyPassword(p.Password) {
			return nil, wsrpc.NewError(wsrpc.CodeUnauthenticated, "invalid password")
		}
		if userID == "" {
			userID = "operator"
		}
	default:
		return nil, wsrpc.NewError(wsrpc.CodeUnauthenticated, "token or password required")
	}

	conn.Authenticate(userID)
	conn.Subscribe(s.bus, p.Topics)
	return map[string]any{"user_id": userID}, nil
}

// ─── Sessions ───

func (s *Server) handleSessionsCreate(ctx context.Context, conn *wsrpc.Conn, params json.RawMessage) (any, *wsrpc.Error) {
	p, perr := decodeParams[struct {
		ScopeKey string `json:"scope_key"`
	}](params)
	if perr != nil {
		return nil, perr
	}
	sess, err := s.Sessions.Create(conn.UserID, p.ScopeKey)
	if err != nil {
		return nil, wsrpc.NewError(wsrpc.CodeInternal, err.Error())
	}
	return sess, nil
}

func (s *Server) handleSessionsGet(ctx context.Context, conn *wsrpc.Conn, params json.RawMessage) (any, *wsrpc.Error) {
	p, perr := decodeParams[struct {
		SessionID string `json:"session_id"`
	}](params)
	if perr != nil {
		return nil, perr
	}
	sess, ok := s.Sessions.Get(p.SessionID)
	if !ok {
		return nil, wsrpc.NewError(wsrpc.CodeNotFound, "session not found")
	}
	return sess, nil
}

func (s *Server) handleSessionsAppend(ctx context.Context, conn *wsrpc.Conn, params json.RawMessage) (any, *wsrpc.Error) {
	p, perr := decodeParams[struct {
		SessionID string `json:"session_id"`
		Role      string `json:"role"`
		Content   string `json:"content"`
	}](params)
	if perr != nil {
		return nil, perr
	}
	turn, err := s.Sessions.Append(p.SessionID, session.Role(p.Role), p.Content, session.TokenCounts{})
	if errors.Is(err, session.ErrArchived) {
		return nil, wsrpc.NewError(wsrpc.CodeArchived, err.Error())
	}
	if err != nil {
		return nil, wsrpc.NewError(wsrpc.CodeInternal, err.Error())
	}
	return turn, nil
}

func (s *Server) handleSessionsHistory(ctx context.Context, conn *wsrpc.Conn, params json.RawMessage) (any, *wsrpc.Error) {
	p, perr := decodeParams[struct {
		SessionID string `json:"session_id"`
		Offset    int    `json:"offset"`
		Limit     int    `json:"limit"`
	}](params)
	if perr != nil {
		return nil, perr
	}
	turns, total, err := s.Sessions.History(p.SessionID, p.Offset, p.Limit)
	if err != nil {
		return nil, wsrpc.NewError(wsrpc.CodeNotFound, err.Error())
	}
	return map[string]any{"turns": turns, "total": total}, nil
}

func (s *Server) handleSessionsList(ctx context.Context, conn *wsrpc.Conn, params json.RawMessage) (any, *wsrpc.Error) {
	return s.Sessions.List(), nil
}

// ─── Cron ───

func (s *Server) handleCronList(ctx context.Context, conn *wsrpc.Conn, params json.RawMessage) (any, *wsrpc.Error) {
	if s.Cron == nil {
		return nil, wsrpc.NewError(wsrpc.CodeDependencyUnavailable, "cron not configured")
	}
	return s.Cron.List(), nil
}

func (s *Server) handleCronGet(ctx context.Context, conn *wsrpc.Conn, params json.RawMessage) (any, *wsrpc.Error) {
	if s.Cron == nil {
		return nil, wsrpc.NewError(wsrpc.CodeDependencyUnavailable, "cron not configured")
	}
	p, perr := decodeParams[struct {
		ID string `json:"id"`
	}](params)
	if perr != nil {
		return nil, perr
	}
	j, ok := s.Cron.Get(p.ID)
	if !ok {
		return nil, wsrpc.NewError(wsrpc.CodeNotFound, "job not found")
	}
	return j, nil
}

func (s *Server) handleCronUpsert(ctx context.Context, conn *wsrpc.Conn, params json.RawMessage) (any, *wsrpc.Error) {
	if s.Cron == nil {
		return nil, wsrpc.NewError(wsrpc.CodeDependencyUnavailable, "cron not configured")
	}
	j, perr := decodeParams[cron.Job](params)
	if perr != nil {
		return nil, perr
	}
	out, err := s.Cron.Upsert(j)
	if err != nil {
		return nil, wsrpc.NewError(wsrpc.CodeInternal, err.Error())
	}
	return out, nil
}

func (s *Server) handleCronDelete(ctx context.Context, conn *wsrpc.Conn, params json.RawMessage) (any, *wsrpc.Error) {
	if s.Cron == nil {
		return nil, wsrpc.NewError(wsrpc.CodeDependencyUnavailable, "cron not configured")
	}
	p, perr := decodeParams[struct {
		ID string `json:"id"`
	}](params)
	if perr != nil {
		return nil, perr
	}
	if err := s.Cron.Delete(p.ID); err != nil {
		return nil, wsrpc.NewError(wsrpc.CodeNotFound, err.Error())
	}
	return map[string]any{"deleted": true}, nil
}

func (s *Server) handleCronRuns(ctx context.Context, conn *wsrpc.Conn, params json.RawMessage) (any, *wsrpc.Error) {
	if s.Cron == nil {
		return nil, wsrpc.NewError(wsrpc.CodeDependencyUnavailable, "cron not configured")
	}
	p, perr := decodeParams[struct {
		JobID string `json:"job_id"`
	}](params)
	if perr != nil {
		return nil, perr
	}
	runs, err := s.Cron.Runs(p.JobID)
	if err != nil {
		return nil, wsrpc.NewError(wsrpc.CodeInternal, err.Error())
	}
	return runs, nil
}

// ─── Approvals ───

func (s *Server) handleApprovalsGet(ctx context.Context, conn *wsrpc.Conn, params json.RawMessage) (any, *wsrpc.Error) {
	if s.Approvals == nil {
		return nil, wsrpc.NewError(wsrpc.CodeDependencyUnavailable, "approvals not configured")
	}
	p, perr := decodeParams[struct {
		ID string `json:"id"`
	}](params)
	if perr != nil {
		return nil, perr
	}
	if p.ID == "" {
		return s.Approvals.List(), nil
	}
	t, ok := s.Approvals.Get(p.ID)
	if !ok {
		return nil, wsrpc.NewError(wsrpc.CodeNotFound, "ticket not found")
	}
	return t, nil
}

func (s *Server) handleApprovalsSet(ctx context.Context, conn *wsrpc.Conn, params json.RawMessage) (any, *wsrpc.Error) {
	if s.Approvals == nil {
		return nil, wsrpc.NewError(wsrpc.CodeDependencyUnavailable, "approvals not configured")
	}
	p, perr := decodeParams[struct {
		ID      string `json:"id"`
		Approve bool   `json:"approve"`
		Digest  string `json:"digest"`
	}](params)
	if perr != nil {
		return nil, perr
	}
	t, err := s.Approvals.Resolve(p.ID, p.Approve, p.Digest, conn.UserID)
	if errors.Is(err, approval.ErrStaleDigest) {
		return nil, wsrpc.NewError(wsrpc.CodeConflict, err.Error())
	}
	if err != nil {
		return nil, wsrpc.NewError(wsrpc.CodeInternal, err.Error())
	}
	s.audit("approval.resolved", map[string]any{"ticket_id": t.ID, "approved": p.Approve})
	return t, nil
}

// ─── Pairing ───

func (s *Server) handlePairRequest(ctx context.Context, conn *wsrpc.Conn, params json.RawMessage) (any, *wsrpc.Error) {
	if s.Pairing == nil {
		return nil, wsrpc.NewError(wsrpc.CodeDependencyUnavailable, "pairing not configured")
	}
	p, perr := decodeParams[struct {
		Identity string   `json:"identity"`
		Nonce    string   `json:"nonce"`
		Caps     []string `json:"caps"`
		IsRepair bool     `json:"is_repair"`
	}](params)
	if perr != nil {
		return nil, perr
	}
	req, err := s.Pairing.Request(p.Identity, p.Nonce, p.Caps, p.IsRepair)
	if err != nil {
		return nil, wsrpc.NewError(wsrpc.CodeConflict, err.Error())
	}
	return req, nil
}

func (s *Server) handlePairList(ctx context.Context, conn *wsrpc.Conn, params json.RawMessage) (any, *wsrpc.Error) {
	if s.Pairing == nil {
		return nil, wsrpc.NewError(wsrpc.CodeDependencyUnavailable, "pairing not configured")
	}
	return s.Pairing.List(), nil
}

func (s *Server) requirePassword(params json.RawMessage) *wsrpc.Error {
	p, perr := decodeParams[struct {
		Password string `json:"password"`
	}](params)
	if perr != nil {
		return perr
	}
	if !s.getAuth().verifyPassword(p.Password) {
		return wsrpc.NewError(wsrpc.CodeForbidden, "operator password required")
	}
	return nil
}

func (s *Server) handlePairApprove(ctx context.Context, conn *wsrpc.Conn, params json.RawMessage) (any, *wsrpc.Error) {
	if s.Pairing == nil {
		return nil, wsrpc.NewError(wsrpc.CodeDependencyUnavailable, "pairing not configured")
	}
	if perr := s.requirePassword(params); perr != nil {
		return nil, perr
	}
	p, perr := decodeParams[struct {
		ID string `json:"id"`
	}](params)
	if perr != nil {
		return nil, perr
	}
	req, token, err := s.Pairing.Approve(p.ID, conn.UserID)
	if err != nil {
		return nil, wsrpc.NewError(wsrpc.CodeConflict, err.Error())
	}
	s.audit("pairing.approved", map[string]any{"identity": req.Identity, "request_id": req.ID})
	return map[string]any{"request": req, "token": token}, nil
}

func (s *Server) handlePairReject(ctx context.Context, conn *wsrpc.Conn, params json.RawMessage) (any, *wsrpc.Error) {
	if s.Pairing == nil {
		return nil, wsrpc.NewError(wsrpc.CodeDependencyUnavailable, "pairing not configured")
	}
	if perr := s.requirePassword(params); perr != nil {
		return nil, perr
	}
	p, perr := decodeParams[struct {
		ID string `json:"id"`
	}](params)
	if perr != nil {
		return nil, perr
	}
	req, err := s.Pairing.Reject(p.ID, conn.UserID)
	if err != nil {
		return nil, wsrpc.NewError(wsrpc.CodeConflict, err.Error())
	}
	return req, nil
}

func (s *Server) handlePairRevoke(ctx context.Context, conn *wsrpc.Conn, params json.RawMessage) (any, *wsrpc.Error) {
	if s.Pairing == nil {
		return nil, wsrpc.NewError(wsrpc.CodeDependencyUnavailable, "pairing not configured")
	}
	if perr := s.requirePassword(params); perr != nil {
		return nil, perr
	}
	p, perr := decodeParams[struct {
		Identity string `json:"identity"`
	}](params)
	if perr != nil {
		return nil, perr
	}
	if err := s.Pairing.Revoke(p.Identity); err != nil {
		return nil, wsrpc.NewError(wsrpc.CodeNotFound, err.Error())
	}
	s.audit("pairing.revoked", map[string]any{"identity": p.Identity})
	return map[string]any{"revoked": true}, nil
}

// ─── Config ───

func (s *Server) handleConfigGet(ctx context.Context, conn *wsrpc.Conn, params json.RawMessage) (any, *wsrpc.Error) {
	if s.ConfigStore == nil {
		return nil, wsrpc.NewError(wsrpc.CodeDependencyUnavailable, "config store not configured")
	}
	doc, digest := s.ConfigStore.Get()
	return map[string]any{"config": doc, "digest": digest}, nil
}

func (s *Server) handleConfigSet(ctx context.Context, conn *wsrpc.Conn, params json.RawMessage) (any, *wsrpc.Error) {
	if s.ConfigStore == nil {
		return nil, wsrpc.NewError(wsrpc.CodeDependencyUnavailable, "config store not configured")
	}
	p, perr := decodeParams[struct {
		Config json.RawMessage `json:"config"`
	}](params)
	if perr != nil {
		return nil, perr
	}
	digest, err := s.ConfigStore.Set(p.Config)
	if err != nil {
		return nil, wsrpc.NewError(wsrpc.CodeSchemaInvalid, err.Error())
	}
	s.audit("config.set", map[string]any{"digest": digest})
	return map[string]any{"digest": digest}, nil
}

func (s *Server) handleConfigApply(ctx context.Context, conn *wsrpc.Conn, params json.RawMessage) (any, *wsrpc.Error) {
	return s.applyOrPatch(params, s.ConfigStore.Apply, "config.apply")
}

func (s *Server) handleConfigPatch(ctx context.Context, conn *wsrpc.Conn, params json.RawMessage) (any, *wsrpc.Error) {
	return s.applyOrPatch(params, s.ConfigStore.Patch, "config.patch")
}

func (s *Server) applyOrPatch(
	params json.RawMessage,
	op func(baseDigest string, fragment json.RawMessage) (json.RawMessage, string, error),
	event string,
) (any, *wsrpc.Error) {
	if s.ConfigStore == nil {
		return nil, wsrpc.NewError(wsrpc.CodeDependencyUnavailable, "config store not configured")
	}
	p, perr := decodeParams[struct {
		BaseDigest string          `json:"base_digest"`
		Fragment   json.RawMessage `json:"fragment"`
	}](params)
	if perr != nil {
		return nil, perr
	}
	doc, digest, err := op(p.BaseDigest, p.Fragment)
	if errors.Is(err, configstore.ErrConflict) {
		return nil, wsrpc.NewError(wsrpc.CodeConflict, fmt.Sprintf("base_digest mismatch, current digest is %s", digest))
	}
	if err != nil {
		return nil, wsrpc.NewError(wsrpc.CodeSchemaInvalid, err.Error())
	}
	s.audit(event, map[string]any{"digest": digest})
	return map[string]any{"config": doc, "digest": digest}, nil
}

// handleConfigReload re-reads config from the same source config.Load was
// originally pointed at, diffs it against the running config, and hot-swaps
// every changed hot/hybrid section — the explicit-RPC leg of the three
// reload triggers (signal, debounced fs-watch, this method).
func (s *Server) handleConfigReload(ctx context.Context, conn *wsrpc.Conn, params json.RawMessage) (any, *wsrpc.Error) {
	next, err := config.Load(ctx, s.configPath)
	if err != nil {
		return nil, wsrpc.NewError(wsrpc.CodeInternal, "reload: "+err.Error())
	}
	changed, class, err := s.ApplyConfig(ctx, *next)
	if err != nil {
		return nil, wsrpc.NewError(wsrpc.CodeInternal, "reload: "+err.Error())
	}
	return map[string]any{"changed": changed, "class": class.String()}, nil
}

// ─── Models / agents ───

func (s *Server) handleModelsList(ctx context.Context, conn *wsrpc.Conn, params json.RawMessage) (any, *wsrpc.Error) {
	return s.getProviders().Models(s.getModelsByProvider()), nil
}

func (s *Server) handleAgentsList(ctx context.Context, conn *wsrpc.Conn, params json.RawMessage) (any, *wsrpc.Error) {
	byProvider := s.getModelsByProvider()
	providers := make([]string, 0, len(byProvider))
	for p := range byProvider {
		providers = append(providers, p)
	}
	return map[string]any{"providers": providers}, nil
}

// ─── Chat ───

func (s *Server) handleChatSend(ctx context.Context, conn *wsrpc.Conn, params json.RawMessage) (any, *wsrpc.Error) {
	if s.NewEngine == nil {
		return nil, wsrpc.NewError(wsrpc.CodeDependencyUnavailable, "no agent engine configured")
	}
	p, perr := decodeParams[struct {
		AgentID   string `json:"agent_id"`
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}](params)
	if perr != nil {
		return nil, perr
	}

	turns, _, err := s.Sessions.History(p.SessionID, 0, 0)
	if err != nil {
		return nil, wsrpc.NewError(wsrpc.CodeNotFound, err.Error())
	}
	history := make([]agent.Message, 0, len(turns))
	pinned := make([]bool, 0, len(turns))
	for _, t := range turns {
		history = append(history, agent.Message{Role: string(t.Role), Content: t.Content})
		pinned = append(pinned, t.Pinned)
	}

	eng, err := s.NewEngine(p.AgentID)
	if err != nil {
		return nil, wsrpc.NewError(wsrpc.CodeNotFound, err.Error())
	}

	if _, err := s.Sessions.Append(p.SessionID, session.RoleUser, p.Message, session.TokenCounts{}); err != nil {
		return nil, wsrpc.NewError(wsrpc.CodeInternal, err.Error())
	}

	events := eng.Run(ctx, agent.RunRequest{
		SessionID:     p.SessionID,
		AgentID:       p.AgentID,
		UserMessage:   p.Message,
		History:       history,
		HistoryPinned: pinned,
	})

	var final string
	for ev := range events {
		// The caller that issued chat.send gets every event pushed to its
		// own socket as a notification, independent of whether it declared
		// any bus subscription; Publish additionally fans the same event
		// out to any other connection that subscribed to this session.
		conn.Notify("chat.event", ev)
		s.bus.Publish("session:"+p.SessionID, "chat.event", ev)
		if ev.Kind == agent.EventToken {
			final += ev.Token
		}
	}

	if final != "" {
		s.Sessions.Append(p.SessionID, session.RoleAssistant, final, session.TokenCounts{})
	}

	return map[string]any{"status": "complete", "message": final}, nil
}

func (s *Server) handleChatAbort(ctx context.Context, conn *wsrpc.Conn, params json.RawMessage) (any, *wsrpc.Error) {
	p, perr := decodeParams[struct {
		RequestID string `json:"request_id"`
	}](params)
	if perr != nil {
		return nil, perr
	}
	s.dispatcher.Abort(conn.ID, p.RequestID)
	return map[string]any{"aborted": true}, nil
}
