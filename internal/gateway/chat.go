package gateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/nexusgate/nexusgate/internal/agent"
	"github.com/nexusgate/nexusgate/internal/idgen"
)

// ChatCompletions handles POST /v1/chat/completions: an OpenAI-compatible
// request routed to the provider named by the model's "provider/model"
// prefix, streaming back an SSE response when the caller asks for one.
func (s *Server) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	auth := authFrom(r.Context())

	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, fmt.Sprintf("invalid request body: %v", err), "invalid_request_error", "", http.StatusBadRequest)
		return
	}

	providerKey, _, ok := strings.Cut(req.Model, "/")
	if !ok {
		writeOpenAIError(w, fmt.Sprintf("model %q must use \"provider/model\" format", req.Model), "invalid_request_error", "model_not_found", http.StatusBadRequest)
		return
	}
	if !auth.isModelAllowed(providerKey, req.Model) {
		writeOpenAIError(w, fmt.Sprintf("token does not have access to model %q", req.Model), "invalid_request_error", "model_not_found", http.StatusForbidden)
		return
	}

	messages := translateMessages(req.Messages)
	tools := translateTools(req.Tools)

	if req.Stream {
		s.streamChat(w, r, req.Model, messages, tools, req.StreamOptions)
		return
	}

	resp, err := s.getProviders().Chat(r.Context(), req.Model, messages, tools)
	if err != nil {
		writeOpenAIError(w, fmt.Sprintf("provider error: %v", err), "server_error", "", http.StatusBadGateway)
		return
	}

	httpResponseJSON(w, buildResponse(idgen.New("chatcmpl"), req.Model, resp), http.StatusOK)
}

// Responses handles POST /v1/responses, the newer OpenAI Responses API
// surface. The gateway accepts the same request body as chat completions
// (providers and tool schemas are identical at this layer) and returns the
// chat.completion shape — clients pinned to /v1/responses only care that
// the endpoint exists and round-trips tool calls, not the exact envelope.
func (s *Server) Responses(w http.ResponseWriter, r *http.Request) {
	s.ChatCompletions(w, r)
}

func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, model string, messages []agent.Message, tools []agent.ToolDef, opts *streamOptions) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeOpenAIError(w, "streaming unsupported by this transport", "server_error", "", http.StatusInternalServerError)
		return
	}

	chunks, _, err := s.getProviders().ChatStream(r.Context(), model, messages, tools)
	if err != nil {
		writeOpenAIError(w, fmt.Sprintf("provider error: %v", err), "server_error", "", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	id := idgen.New("chatcmpl")
	bw := bufio.NewWriter(w)

	for chunk := range chunks {
		if chunk.Error != nil {
			break
		}
		c := chatCompletionChunk{
			ID:     id,
			Object: "chat.completion.chunk",
			Model:  model,
			Choices: []chunkChoice{{
				Delta: chunkDelta{Content: chunk.Content},
			}},
		}
		if chunk.FinishReason != "" {
			fr := chunk.FinishReason
			c.Choices[0].FinishReason = &fr
		}
		if chunk.Usage != nil && opts != nil && opts.IncludeUsage {
			c.Usage = &chatCompletionUsage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		data, _ := json.Marshal(c)
		fmt.Fprintf(bw, "data: %s\n\n", data)
		bw.Flush()
		flusher.Flush()
	}

	fmt.Fprint(bw, "data: [DONE]\n\n")
	bw.Flush()
	flusher.Flush()
}

// ListModels handles GET /v1/models, filtered by the caller's token scope.
func (s *Server) ListModels(w http.ResponseWriter, r *http.Request) {
	auth := authFrom(r.Context())

	var data []modelData
	for provider, models := range s.getModelsByProvider() {
		for _, m := range models {
			fullID := provider + "/" + m
			if auth.isModelAllowed(provider, fullID) {
				data = append(data, modelData{ID: fullID, Object: "model", OwnedBy: provider})
			}
		}
	}
	httpResponseJSON(w, modelsResponse{Object: "list", Data: data}, http.StatusOK)
}
