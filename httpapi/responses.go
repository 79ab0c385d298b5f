package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/vllora/gateway/pipeline"
	"github.com/vllora/gateway/provider"
	"github.com/vllora/gateway/router"
)

const maxResponsesRequestBodyBytes int64 = 8 << 20 // 8 MiB

// responsesInputItem is one entry of the Responses API's input array:
// plain {role, content} turns today, with Type reserved for multi-modal
// input items.
type responsesInputItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Type    string `json:"type,omitempty"`
}

// createResponseRequest is the POST /v1/responses wire body.
type createResponseRequest struct {
	Model     string               `json:"model"`
	Input     []responsesInputItem `json:"input"`
	Stream    bool                 `json:"stream"`
	ThreadID  string               `json:"thread_id,omitempty"`
	ProjectID string               `json:"project_id,omitempty"`
	User      string               `json:"user,omitempty"`
}

func (req createResponseRequest) toCanonical() provider.Request {
	messages := make([]provider.Message, 0, len(req.Input))
	for _, item := range req.Input {
		messages = append(messages, provider.Message{
			Role:  provider.Role(item.Role),
			Parts: []provider.Part{provider.TextPart{Text: item.Content}},
		})
	}
	return provider.Request{Model: req.Model, Messages: messages, Stream: req.Stream}
}

// handleCreateResponse implements POST /v1/responses: a parallel surface
// to chat completions sharing the same Pipeline.Handle dispatch path,
// distinguished only by its typed multi-tool output envelope (message /
// image_generation_call / web_search_call items) rather than a flat
// {role,content} message. The provider adapters only ever emit text and
// tool-use parts (provider/model.go), so every response here is encoded as
// a single "message" output item; image_generation_call and
// web_search_call items are reserved for when a provider adapter starts
// emitting the corresponding Part types.
func (s *Server) handleCreateResponse(w http.ResponseWriter, r *http.Request) {
	var wire createResponseRequest
	if !decodeJSONBody(w, r, maxResponsesRequestBodyBytes, &wire) {
		return
	}
	if wire.Model == "" {
		writeJSONError(w, http.StatusBadRequest, "model_required", "model is required")
		return
	}

	req := pipeline.Request{
		Canonical:      wire.toCanonical(),
		ThreadID:       wire.ThreadID,
		ProjectID:      wire.ProjectID,
		EntityID:       wire.User,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Metadata:       router.MetadataView{},
	}

	if wire.Stream {
		s.streamResponse(w, r, req)
		return
	}
	s.completeResponse(w, r, req)
}

func (s *Server) completeResponse(w http.ResponseWriter, r *http.Request, req pipeline.Request) {
	sink := &accumulatingSink{}
	summary, err := s.pipeline.Handle(r.Context(), req, sink)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(encodeResponseObject(summary))
}

func (s *Server) streamResponse(w http.ResponseWriter, r *http.Request, req pipeline.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support flushing")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sink := &responseSSESink{w: w, flusher: flusher, model: req.Canonical.Model}
	summary, err := s.pipeline.Handle(r.Context(), req, sink)
	if err != nil {
		sink.writeError(err)
		sink.writeDone()
		return
	}
	sink.writeCompleted(summary)
	sink.writeDone()
}
