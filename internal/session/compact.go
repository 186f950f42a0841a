package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nexusgate/nexusgate/internal/idgen"
	"github.com/nexusgate/nexusgate/internal/store"
)

// Compact summarizes every turn except the most recent keepLast into a
// single system-role summary turn, moves the summarized prefix into
// sessions/archived/<id>-<unix>.jsonl, and rewrites the live history file
// to [summary, ...last keepLast turns]. Pinned turns among the prefix are
// folded into the summary text rather than dropped, since pinned turns may
// never be silently discarded per the engine's context-trimming invariant.
func (s *Store) Compact(id string, keepLast int) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s.indexMu.Lock()
	sess, ok := s.index[id]
	s.indexMu.Unlock()
	if !ok {
		return fmt.Errorf("session: %s: %w", id, errNotFound)
	}
	if sess.Archived {
		return ErrArchived
	}

	turns, err := s.readTurns(id)
	if err != nil {
		return err
	}
	if keepLast < 0 {
		keepLast = 0
	}
	if len(turns) <= keepLast {
		return nil // nothing old enough to compact
	}

	prefix := turns[:len(turns)-keepLast]
	kept := turns[len(turns)-keepLast:]

	now := time.Now().UTC()

	// Archive the prefix verbatim before it's replaced.
	var archived strings.Builder
	for _, t := range prefix {
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("session: encode archived turn: %w", err)
		}
		archived.Write(raw)
		archived.WriteByte('\n')
	}
	if err := store.WriteFileAtomic(s.archivePath(id, now), []byte(archived.String()), 0o644); err != nil {
		return err
	}

	summary := Turn{
		TurnID:    idgen.Turn(),
		Role:      RoleSystem,
		Content:   summarize(prefix),
		CreatedAt: now,
		Pinned:    true,
	}

	rewritten := append([]Turn{summary}, kept...)
	var buf strings.Builder
	for _, t := range rewritten {
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("session: encode rewritten turn: %w", err)
		}
		buf.Write(raw)
		buf.WriteByte('\n')
	}

	return store.WriteFileAtomic(s.historyPath(id), []byte(buf.String()), 0o644)
}

// summarize builds a compact textual digest of the compacted prefix
// deterministically from the turns themselves; no model call is made.
func summarize(turns []Turn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[compacted %d turns]", len(turns))
	for _, t := range turns {
		if t.Pinned {
			fmt.Fprintf(&b, " (pinned %s: %s)", t.Role, truncate(t.Content, 80))
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Archive marks id immutable: further Append/Compact calls fail with
// ErrArchived. Archiving a session does not move its history file; it is
// the session-level counterpart to the prefix archival Compact performs.
func (s *Store) Archive(id string) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	sess, ok := s.index[id]
	if !ok {
		return fmt.Errorf("session: %s: %w", id, errNotFound)
	}
	sess.Archived = true
	return s.saveIndexLocked()
}
