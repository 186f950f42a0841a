// Package session implements the gateway's append-only conversation
// history: sessions, turns, scope-key resolution, compaction, archival,
// retention, and GDPR export/purge (spec component C3).
package session

import "time"

// Role identifies who produced a Turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Session is the top-level conversation record. Its History is append-only
// and lives in a separate JSONL file; Session itself only carries metadata.
type Session struct {
	ID             string    `json:"session_id"`
	OwnerUser      string    `json:"owner_user"`
	ScopeKey       string    `json:"scope_key"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Archived       bool      `json:"archived"`
}

// Turn is one record in a session's history.
type Turn struct {
	TurnID      string         `json:"turn_id"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	TokenCounts TokenCounts    `json:"token_counts"`
	CreatedAt   time.Time      `json:"created_at"`
	ToolCallRef string         `json:"tool_call_ref,omitempty"`
	Pinned      bool           `json:"pinned,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// TokenCounts records how many tokens a turn consumed, used by the agent
// engine's context trimmer to decide what to drop first.
type TokenCounts struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
}

// ErrArchived is returned by any mutation attempted against an archived
// session; archived sessions are immutable per spec.
var ErrArchived = sessionError("session is archived")

type sessionError string

func (e sessionError) Error() string { return string(e) }
