package configstore

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestOpenSeedsEmptyDocument(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	raw, digest := s.Get()
	if string(raw) != "{}" {
		t.Fatalf("expected empty object, got %s", raw)
	}
	if digest == "" {
		t.Fatalf("expected non-empty digest")
	}
}

func TestPatchSucceedsWithMatchingDigest(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, d0 := s.Get()

	doc, d1, err := s.Patch(d0, json.RawMessage(`{"agents":{"defaults":{"model":"anthropic/x"}}}`))
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if d1 == d0 {
		t.Fatalf("digest did not change after patch")
	}

	var decoded map[string]any
	if err := json.Unmarshal(doc, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	agents, _ := decoded["agents"].(map[string]any)
	defaults, _ := agents["defaults"].(map[string]any)
	if defaults["model"] != "anthropic/x" {
		t.Fatalf("expected patched model, got %v", decoded)
	}
}

// TestPatchConflictLeavesStateUnchanged mirrors spec scenario S2: two
// clients read at digest D0, the first patch succeeds, the second patch
// (still carrying D0) must fail with ErrConflict and leave state at D1.
func TestPatchConflictLeavesStateUnchanged(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, d0 := s.Get()

	_, d1, err := s.Patch(d0, json.RawMessage(`{"agents":{"defaults":{"model":"anthropic/x"}}}`))
	if err != nil {
		t.Fatalf("first patch: %v", err)
	}

	_, gotDigest, err := s.Patch(d0, json.RawMessage(`{"agents":{"defaults":{"model":"openai/y"}}}`))
	if err != ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if gotDigest != d1 {
		t.Fatalf("expected conflict to report current digest %s, got %s", d1, gotDigest)
	}

	raw, currentDigest := s.Get()
	if currentDigest != d1 {
		t.Fatalf("state changed after conflicting patch: digest %s want %s", currentDigest, d1)
	}
	var decoded map[string]any
	json.Unmarshal(raw, &decoded)
	agents, _ := decoded["agents"].(map[string]any)
	defaults, _ := agents["defaults"].(map[string]any)
	if defaults["model"] != "anthropic/x" {
		t.Fatalf("second patch's model leaked through despite conflict: %v", decoded)
	}
}

func TestApplyDeepMergesNestedObjects(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Set(json.RawMessage(`{"agents":{"defaults":{"model":"a","max_turns":10}}}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	_, d0 := s.Get()

	doc, _, err := s.Apply(d0, json.RawMessage(`{"agents":{"defaults":{"model":"b"}}}`))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	var decoded map[string]any
	json.Unmarshal(doc, &decoded)
	defaults := decoded["agents"].(map[string]any)["defaults"].(map[string]any)
	if defaults["model"] != "b" {
		t.Fatalf("expected model overwritten to b, got %v", defaults)
	}
	if defaults["max_turns"] != float64(10) {
		t.Fatalf("expected max_turns preserved, got %v", defaults)
	}
}
