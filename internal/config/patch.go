package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch"
)

// ErrDigestMismatch is returned by Patch when the caller's If-Match digest
// no longer matches the on-disk config — another writer raced ahead.
var ErrDigestMismatch = errors.New("config: digest mismatch, reload and retry")

// Digest returns the hex-encoded SHA-256 of the canonical JSON encoding of
// cfg. Two equal configs always produce the same digest regardless of map
// key order, since encoding/json sorts map keys when marshaling.
func Digest(cfg *Config) (string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal config for digest: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Patch applies an RFC 7396 JSON Merge Patch to cfg, first checking that
// the current digest of cfg equals ifMatch (when ifMatch is non-empty).
// On success it returns the new *Config and its digest; cfg itself is left
// untouched so the caller can swap the live pointer atomically.
func Patch(cfg *Config, patchJSON []byte, ifMatch string) (*Config, string, error) {
	current, err := json.Marshal(cfg)
	if err != nil {
		return nil, "", fmt.Errorf("marshal current config: %w", err)
	}

	if ifMatch != "" {
		sum := sha256.Sum256(current)
		if hex.EncodeToString(sum[:]) != ifMatch {
			return nil, "", ErrDigestMismatch
		}
	}

	merged, err := jsonpatch.MergePatch(current, patchJSON)
	if err != nil {
		return nil, "", fmt.Errorf("apply merge patch: %w", err)
	}

	var next Config
	if err := json.Unmarshal(merged, &next); err != nil {
		return nil, "", fmt.Errorf("unmarshal patched config: %w", err)
	}

	digest, err := Digest(&next)
	if err != nil {
		return nil, "", err
	}

	return &next, digest, nil
}
