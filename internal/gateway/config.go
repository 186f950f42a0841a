package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/nexusgate/nexusgate/internal/configstore"
)

// PatchConfig handles PATCH /v1/config: an RFC 7396 JSON Merge Patch against
// the live config document, gated by If-Match on the document's SHA-256
// digest for optimistic concurrency (spec scenario S2).
func (s *Server) PatchConfig(w http.ResponseWriter, r *http.Request) {
	if s.ConfigStore == nil {
		writeOpenAIError(w, "config store not configured", "server_error", "", http.StatusNotImplemented)
		return
	}

	baseDigest := r.Header.Get("If-Match")
	if baseDigest == "" {
		writeOpenAIError(w, "If-Match header is required", "invalid_request_error", "", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeOpenAIError(w, "failed to read request body", "invalid_request_error", "", http.StatusBadRequest)
		return
	}

	doc, digest, err := s.ConfigStore.Patch(baseDigest, json.RawMessage(body))
	if errors.Is(err, configstore.ErrConflict) {
		w.Header().Set("ETag", digest)
		writeOpenAIError(w, "base_digest does not match current config digest", "conflict", "", http.StatusConflict)
		return
	}
	if err != nil {
		writeOpenAIError(w, err.Error(), "invalid_request_error", "", http.StatusBadRequest)
		return
	}

	s.audit("config.patch", map[string]any{"digest": digest})

	w.Header().Set("ETag", digest)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(doc)
}
