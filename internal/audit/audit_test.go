package audit

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEmitAppendsJSONLine(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	l.Emit("pairing.approved", map[string]any{"identity": "node-1"})
	l.Emit("approval.resolved", map[string]any{"ticket_id": "abc"})

	data, err := os.ReadFile(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit.jsonl: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), data)
	}
	if !strings.Contains(lines[0], "pairing.approved") {
		t.Fatalf("unexpected first line: %s", lines[0])
	}
	if !strings.Contains(lines[1], "approval.resolved") {
		t.Fatalf("unexpected second line: %s", lines[1])
	}
}

func TestEmitRotatesPastMaxFileSize(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.Emit("seed.event", nil) // put a file on disk for rotation to rename
	l.size = MaxFileSize + 1  // force the next Emit to rotate

	l.Emit("test.event", nil)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	rotated := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "audit.jsonl.") {
			rotated++
		}
	}
	if rotated != 1 {
		t.Fatalf("expected exactly one rotated file, got %d (entries: %v)", rotated, entries)
	}

	data, err := os.ReadFile(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatalf("read post-rotation audit.jsonl: %v", err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lines := 0
	for scanner.Scan() {
		lines++
	}
	if lines != 1 {
		t.Fatalf("expected 1 line in the fresh file after rotation, got %d", lines)
	}
}
