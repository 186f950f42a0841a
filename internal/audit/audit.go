// Package audit is the gateway's append-only audit trail: every
// security-relevant action (auth, approvals, pairing, config changes,
// retention sweeps) is appended as one JSON line to audit.jsonl, rotated
// once the active file passes MaxFileSize.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nexusgate/nexusgate/internal/store"
)

// MaxFileSize is the rotation threshold for the active audit log file.
const MaxFileSize = 50 * 1024 * 1024

// Entry is one audit record.
type Entry struct {
	Time   time.Time      `json:"time"`
	Event  string         `json:"event"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Log appends audit entries to dataDir/audit.jsonl, rotating the file to a
// timestamped sibling once it exceeds MaxFileSize.
type Log struct {
	path string

	mu   sync.Mutex
	size int64
}

// Open prepares the audit log rooted at dataDir. It does not fail if the
// file doesn't exist yet — the first Emit creates it.
func Open(dataDir string) (*Log, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create data dir: %w", err)
	}
	l := &Log{path: filepath.Join(dataDir, "audit.jsonl")}
	if info, err := os.Stat(l.path); err == nil {
		l.size = info.Size()
	}
	return l, nil
}

// Emit appends one audit entry, rotating first if the active file is over
// MaxFileSize. A write failure is logged but never returned: audit logging
// must never be the reason a request fails.
func (l *Log) Emit(event string, fields map[string]any) {
	entry := Entry{Time: time.Now().UTC(), Event: event, Fields: fields}

	data, err := json.Marshal(entry)
	if err != nil {
		slog.Error("audit: encode entry", "event", event, "error", err)
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.size > 0 && l.size+int64(len(data)) > MaxFileSize {
		if err := l.rotateLocked(); err != nil {
			slog.Error("audit: rotate", "error", err)
		}
	}

	if err := store.AppendFileAtomic(l.path, data, 0o644); err != nil {
		slog.Error("audit: append entry", "event", event, "error", err)
		return
	}
	l.size += int64(len(data))
}

// Func adapts Emit to the session package's AuditFunc signature, so
// internal/session's retention sweeper (and similar subsystems) can emit
// audit events without importing this package directly.
func (l *Log) Func() func(event string, fields map[string]any) {
	return l.Emit
}

func (l *Log) rotateLocked() error {
	rotated := fmt.Sprintf("%s.%d", l.path, time.Now().UTC().UnixNano())
	if err := os.Rename(l.path, rotated); err != nil {
		if os.IsNotExist(err) {
			l.size = 0
			return nil
		}
		return fmt.Errorf("rename to %s: %w", rotated, err)
	}
	l.size = 0
	return nil
}
