package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nexusgate/nexusgate/internal/approval"
	"github.com/nexusgate/nexusgate/internal/config"
	"github.com/nexusgate/nexusgate/internal/session"
	"github.com/nexusgate/nexusgate/internal/wsrpc"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	sessions, err := session.NewStore(dir)
	if err != nil {
		t.Fatalf("session.NewStore: %v", err)
	}
	approvals, err := approval.NewStore(dir)
	if err != nil {
		t.Fatalf("approval.NewStore: %v", err)
	}

	s := &Server{
		Sessions:  sessions,
		Approvals: approvals,
		auth:      newAuthenticator(config.Auth{Tokens: []config.AuthTokenConfig{{Token: "secret", Name: "ci"}}}, config.Server{}),
		audit:     func(string, map[string]any) {},
	}
	s.dispatcher = wsrpc.NewDispatcher(0)
	s.bus = wsrpc.NewBus()
	s.registerWS()
	return s
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestHandleHandshakeWithToken(t *testing.T) {
	s := newTestServer(t)
	conn := &wsrpc.Conn{}

	out, rpcErr := s.handleHandshake(context.Background(), conn, mustMarshal(t, map[string]any{"token": "secret"}))
	if rpcErr != nil {
		t.Fatalf("unexpected error: %v", rpcErr)
	}
	if !conn.Authenticated() {
		t.Fatalf("expected connection to be authenticated")
	}
	m, ok := out.(map[string]any)
	if !ok || m["user_id"] != "ci" {
		t.Fatalf("expected user_id ci, got %#v", out)
	}
}

func TestHandleHandshakeRejectsBadToken(t *testing.T) {
	s := newTestServer(t)
	conn := &wsrpc.Conn{}

	_, rpcErr := s.handleHandshake(context.Background(), conn, mustMarshal(t, map[string]any{"token": "wrong"}))
	if rpcErr == nil {
		t.Fatalf("expected error for invalid token")
	}
	if rpcErr.Code != wsrpc.CodeUnauthenticated {
		t.Fatalf("expected CodeUnauthenticated, got %v", rpcErr.Code)
	}
}

func TestHandleSessionsCreateAppendHistory(t *testing.T) {
	s := newTestServer(t)
	conn := &wsrpc.Conn{UserID: "ci"}
	ctx := context.Background()

	createOut, rpcErr := s.handleSessionsCreate(ctx, conn, mustMarshal(t, map[string]any{"scope_key": "default"}))
	if rpcErr != nil {
		t.Fatalf("create: %v", rpcErr)
	}
	sess, ok := createOut.(*session.Session)
	if !ok {
		t.Fatalf("expected *session.Session, got %#v", createOut)
	}

	_, rpcErr = s.handleSessionsAppend(ctx, conn, mustMarshal(t, map[string]any{
		"session_id": sess.ID,
		"role":       "user",
		"content":    "hello",
	}))
	if rpcErr != nil {
		t.Fatalf("append: %v", rpcErr)
	}

	histOut, rpcErr := s.handleSessionsHistory(ctx, conn, mustMarshal(t, map[string]any{"session_id": sess.ID}))
	if rpcErr != nil {
		t.Fatalf("history: %v", rpcErr)
	}
	m, ok := histOut.(map[string]any)
	if !ok {
		t.Fatalf("expected map result, got %#v", histOut)
	}
	if m["total"] != 1 {
		t.Fatalf("expected 1 turn, got %#v", m["total"])
	}
}

func TestHandleApprovalsSetStaleDigestConflict(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	conn := &wsrpc.Conn{UserID: "ci"}

	ticket := s.Approvals.Open("sess-1", "shell.exec", `{"cmd":"ls"}`)

	_, rpcErr := s.handleApprovalsSet(ctx, conn, mustMarshal(t, map[string]any{
		"id":      ticket.ID,
		"approve": true,
		"digest":  "not-the-real-digest",
	}))
	if rpcErr == nil {
		t.Fatalf("expected conflict error for stale digest")
	}
	if rpcErr.Code != wsrpc.CodeConflict {
		t.Fatalf("expected CodeConflict, got %v", rpcErr.Code)
	}
}
