package session

import (
	"fmt"
	"os"
	"path/filepath"
)

// ExportRecord pairs a session's metadata with its full turn history, the
// unit GDPR export hands back per session.
type ExportRecord struct {
	Session *Session `json:"session"`
	History []Turn   `json:"history"`
}

// ExportUser collects every session owned by userID along with its full
// history. A per-session read failure is recorded as a warning and that
// session is skipped rather than failing the whole export, per spec.
func (s *Store) ExportUser(userID string) (records []ExportRecord, warnings []string) {
	for _, sess := range s.List() {
		if sess.OwnerUser != userID {
			continue
		}
		turns, err := s.readTurns(sess.ID)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("session %s: %v", sess.ID, err))
			continue
		}
		records = append(records, ExportRecord{Session: sess, History: turns})
	}
	return records, warnings
}

// PurgeUser deletes every session owned by userID, best-effort, and
// reports how many of the total were actually deleted.
func (s *Store) PurgeUser(userID string) (deleted, total int) {
	for _, sess := range s.List() {
		if sess.OwnerUser != userID {
			continue
		}
		total++
		if err := s.Purge(sess.ID); err == nil {
			deleted++
		}
	}
	return deleted, total
}

// Purge permanently removes a session's metadata and history file (and any
// archived prefixes). Unlike Archive, this is irreversible and is only
// invoked by retention sweeps and GDPR purges.
func (s *Store) Purge(id string) error {
	s.indexMu.Lock()
	delete(s.index, id)
	err := s.saveIndexLocked()
	s.indexMu.Unlock()
	if err != nil {
		return err
	}

	if err := os.Remove(s.historyPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("session: remove history: %w", err)
	}
	archived, _ := filepath.Glob(filepath.Join(s.dataDir, "archived", id+"-*.jsonl"))
	for _, p := range archived {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("session: remove archive: %w", err)
		}
	}

	s.locksMu.Lock()
	delete(s.locks, id)
	s.locksMu.Unlock()

	return nil
}
