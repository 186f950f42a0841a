// Package configstore is the live, digest-versioned view of the gateway's
// configuration that config.get/set/apply/patch (WS) and PATCH /config
// (HTTP) operate on. It holds the canonical on-disk JSON separately from
// internal/config's typed Config — that package handles the one-shot load
// at startup; this package handles runtime mutation with optimistic
// concurrency so two operators racing a config.patch can't silently
// clobber each other.
package configstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	jsonpatch "github.com/evanphx/json-patch"

	"github.com/nexusgate/nexusgate/internal/store"
)

// ErrConflict is returned by Apply/Patch when the caller's base_digest no
// longer matches the store's current digest.
var ErrConflict = errors.New("configstore: base_digest does not match current digest")

// Store holds the canonical config document as raw JSON, with a SHA-256
// digest recomputed on every successful write.
type Store struct {
	path string

	mu     sync.RWMutex
	raw    json.RawMessage
	digest string
}

// Open loads path (creating it with an empty JSON object if absent) and
// computes its initial digest.
func Open(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		data = []byte("{}")
		if err := store.WriteFileAtomic(path, data, 0o644); err != nil {
			return nil, fmt.Errorf("configstore: seed %s: %w", path, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("configstore: read %s: %w", path, err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("configstore: %s does not contain valid JSON", path)
	}

	s := &Store{path: path, raw: json.RawMessage(data)}
	s.digest = digestOf(data)
	return s, nil
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Get returns the current document and its digest.
func (s *Store) Get() (json.RawMessage, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.raw, s.digest
}

// Set replaces the document wholesale, ignoring any prior digest — used for
// the initial `set` operation when there is nothing to race against.
func (s *Store) Set(doc json.RawMessage) (string, error) {
	if !json.Valid(doc) {
		return "", fmt.Errorf("configstore: replacement document is not valid JSON")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(doc)
}

// Apply deep-merges fragment into the current document (RFC 7396-adjacent:
// each key in fragment overwrites the corresponding key in the base,
// recursing into nested objects) if baseDigest matches the current digest.
func (s *Store) Apply(baseDigest string, fragment json.RawMessage) (json.RawMessage, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if baseDigest != s.digest {
		return s.raw, s.digest, ErrConflict
	}

	var base, frag map[string]any
	if err := json.Unmarshal(s.raw, &base); err != nil {
		return nil, "", fmt.Errorf("configstore: decode base: %w", err)
	}
	if err := json.Unmarshal(fragment, &frag); err != nil {
		return nil, "", fmt.Errorf("configstore: decode fragment: %w", err)
	}

	merged := deepMerge(base, frag)
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, "", fmt.Errorf("configstore: encode merged document: %w", err)
	}

	digest, err := s.writeLocked(out)
	if err != nil {
		return nil, "", err
	}
	return s.raw, digest, nil
}

// Patch applies an RFC 7396 JSON Merge Patch to the current document if
// baseDigest matches the current digest, otherwise returns ErrConflict with
// the document and digest unchanged (spec scenario S2).
func (s *Store) Patch(baseDigest string, patch json.RawMessage) (json.RawMessage, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if baseDigest != s.digest {
		return s.raw, s.digest, ErrConflict
	}

	merged, err := jsonpatch.MergePatch(s.raw, patch)
	if err != nil {
		return nil, "", fmt.Errorf("configstore: apply merge patch: %w", err)
	}

	digest, err := s.writeLocked(merged)
	if err != nil {
		return nil, "", err
	}
	return s.raw, digest, nil
}

func (s *Store) writeLocked(doc json.RawMessage) (string, error) {
	pretty, err := canonicalize(doc)
	if err != nil {
		return "", err
	}
	if err := store.WriteFileAtomic(s.path, pretty, 0o644); err != nil {
		return "", fmt.Errorf("configstore: write %s: %w", s.path, err)
	}
	s.raw = pretty
	s.digest = digestOf(pretty)
	return s.digest, nil
}

// canonicalize re-marshals doc with sorted, indented output so the digest
// is stable across semantically-identical inputs (key order, whitespace).
func canonicalize(doc json.RawMessage) (json.RawMessage, error) {
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("configstore: decode for canonicalization: %w", err)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("configstore: encode canonical form: %w", err)
	}
	return out, nil
}

func deepMerge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if nested, ok := v.(map[string]any); ok {
			if existing, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(existing, nested)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Path exposes the backing file path (used by tests and reload wiring).
func (s *Store) Path() string {
	return filepath.Clean(s.path)
}
