// Package approval implements the one-shot approval-ticket gate that parks
// an agent turn's tool call until an operator resolves it via
// exec.approvals.set, matching the engine's agent.Approver interface.
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nexusgate/nexusgate/internal/agent"
	"github.com/nexusgate/nexusgate/internal/idgen"
	"github.com/nexusgate/nexusgate/internal/store"
)

// Status is a ticket's current state in its one-way state machine:
// pending -> approved | rejected | expired.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// DefaultTTL is how long a ticket waits for resolution before Store.Sweep
// expires it.
const DefaultTTL = 15 * time.Minute

// Ticket is a single pending-or-resolved approval request. Digest is a
// content hash of the fields a writer must have last read, used for
// optimistic concurrency on Resolve.
type Ticket struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	ToolName  string `json:"tool_name"`
	Args      string `json:"args"` // JSON-encoded tool call arguments, for display
	Status    Status `json:"status"`
	Digest    string `json:"digest"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	ResolvedAt time.Time `json:"resolved_at,omitzero"`
	ResolvedBy string   `json:"resolved_by,omitempty"`
}

// Store is the file-backed approval ticket registry, plus the in-memory
// one-shot channels waiting agent turns block on.
type Store struct {
	path string

	mu      sync.Mutex
	tickets map[string]*Ticket
	waiters map[string]chan bool // ticket ID -> channel closed/sent-to on resolution
}

// NewStore opens (or initializes) the approval store rooted at
// dataDir/approvals.json.
func NewStore(dataDir string) (*Store, error) {
	s := &Store{
		path:    filepath.Join(dataDir, "approvals.json"),
		tickets: make(map[string]*Ticket),
		waiters: make(map[string]chan bool),
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("approval: mkdir: %w", err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("approval: read: %w", err)
	}
	var tickets []*Ticket
	if err := json.Unmarshal(raw, &tickets); err != nil {
		return fmt.Errorf("approval: decode: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tickets {
		s.tickets[t.ID] = t
	}
	return nil
}

// saveLocked must be called with mu held.
func (s *Store) saveLocked() error {
	tickets := make([]*Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		tickets = append(tickets, t)
	}
	raw, err := json.Marshal(tickets)
	if err != nil {
		return fmt.Errorf("approval: encode: %w", err)
	}
	return store.WriteFileAtomic(s.path, raw, 0o644)
}

func digest(sessionID, toolName, args string) string {
	sum := sha256.Sum256([]byte(sessionID + "\x00" + toolName + "\x00" + args))
	return hex.EncodeToString(sum[:])
}

// Open creates a pending ticket for a tool call and returns it; the caller
// (the engine, via Wait) then blocks on its resolution.
func (s *Store) Open(sessionID, toolName, args string) *Ticket {
	now := time.Now().UTC()
	t := &Ticket{
		ID:        idgen.Approval(),
		SessionID: sessionID,
		ToolName:  toolName,
		Args:      args,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(DefaultTTL),
	}
	t.Digest = digest(sessionID, toolName, args)

	s.mu.Lock()
	s.tickets[t.ID] = t
	s.waiters[t.ID] = make(chan bool, 1)
	s.saveLocked()
	s.mu.Unlock()

	return t
}

// Wait blocks until the ticket is resolved, expires, or ctx is cancelled. A
// disconnect (ctx cancellation) returns an error but leaves the ticket
// itself untouched — it remains pending until resolved or swept expired, so
// a reconnecting caller (or another waiter) can still observe its outcome.
func (s *Store) Wait(ctx context.Context, ticketID string) (bool, error) {
	s.mu.Lock()
	ch, ok := s.waiters[ticketID]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("approval: ticket %q not found", ticketID)
	}

	select {
	case approved := <-ch:
		return approved, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// RequestApproval implements agent.Approver: open a ticket for the call and
// wait on it, so the engine never has to know about tickets directly.
func (s *Store) RequestApproval(ctx context.Context, sessionID string, call agent.ToolCall) (bool, error) {
	argsJSON, err := json.Marshal(call.Arguments)
	if err != nil {
		return false, fmt.Errorf("approval: encode call arguments: %w", err)
	}
	t := s.Open(sessionID, call.Name, string(argsJSON))
	return s.Wait(ctx, t.ID)
}

// Get returns a single ticket by id.
func (s *Store) Get(id string) (*Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	return t, ok
}

// List returns every known ticket.
func (s *Store) List() []*Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		out = append(out, t)
	}
	return out
}

// ErrStaleDigest is returned by Resolve when the caller's digest no longer
// matches the ticket's current state — someone else resolved or mutated it
// first.
var ErrStaleDigest = fmt.Errorf("approval: digest mismatch, ticket changed since last read")

// Resolve transitions a pending ticket to approved or rejected, verifying
// digest against the ticket's current content-hash for optimistic
// concurrency, and wakes exactly one waiter blocked in Wait.
func (s *Store) Resolve(id string, approve bool, digestCheck string, resolvedBy string) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return nil, fmt.Errorf("approval: ticket %q not found", id)
	}
	if t.Status != StatusPending {
		return nil, fmt.Errorf("approval: ticket %q is already %s", id, t.Status)
	}
	if digestCheck != "" && digestCheck != t.Digest {
		return nil, ErrStaleDigest
	}

	t.Status = StatusRejected
	if approve {
		t.Status = StatusApproved
	}
	t.ResolvedAt = time.Now().UTC()
	t.ResolvedBy = resolvedBy

	if err := s.saveLocked(); err != nil {
		return nil, err
	}

	if ch, ok := s.waiters[id]; ok {
		select {
		case ch <- approve:
		default:
		}
		delete(s.waiters, id)
	}

	return t, nil
}

// Sweep transitions every pending ticket past its TTL to expired, waking
// their waiters with a denial. The gateway binary's sweepLoop calls it once
// a minute.
func (s *Store) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for id, t := range s.tickets {
		if t.Status != StatusPending || now.Before(t.ExpiresAt) {
			continue
		}
		t.Status = StatusExpired
		t.ResolvedAt = now
		changed = true

		if ch, ok := s.waiters[id]; ok {
			select {
			case ch <- false:
			default:
			}
			delete(s.waiters, id)
		}
	}
	if changed {
		s.saveLocked()
	}
}
