package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/vllora/gateway/pipeline"
	"github.com/vllora/gateway/provider"
	"github.com/vllora/gateway/router"
)

const maxChatRequestBodyBytes int64 = 8 << 20 // 8 MiB

// wireMessage is the OpenAI-compatible {role, content} message shape.
// Only plain text content is accepted at this wire boundary; multi-modal
// parts arrive via the Responses API.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatCompletionRequest is the POST /v1/chat/completions wire body.
type chatCompletionRequest struct {
	Model       string          `json:"model"`
	Messages    []wireMessage   `json:"messages"`
	Stream      bool            `json:"stream"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	User        string          `json:"user,omitempty"`
	ThreadID    string          `json:"thread_id,omitempty"`
	ProjectID   string          `json:"project_id,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

func (req chatCompletionRequest) toCanonical() provider.Request {
	messages := make([]provider.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, provider.Message{
			Role:  provider.Role(m.Role),
			Parts: []provider.Part{provider.TextPart{Text: m.Content}},
		})
	}
	return provider.Request{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		Stream:      req.Stream,
	}
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body: "+err.Error())
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "body must contain a single JSON object")
		return false
	}
	return true
}

// handleChatCompletions implements POST /v1/chat/completions: streaming
// when stream:true (SSE of canonical deltas in OpenAI streaming format),
// a single JSON body otherwise.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var wire chatCompletionRequest
	if !decodeJSONBody(w, r, maxChatRequestBodyBytes, &wire) {
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
		Metadata:       metadataView(wire.Metadata),
	}

	if wire.Stream {
		s.streamChatCompletion(w, r, req)
		return
	}
	s.completeChatCompletion(w, r, req)
}

// metadataView decodes the wire metadata object into the router's typed
// view. The accepted shape mirrors the predicate vocabulary: user.tiers,
// variables, and guards.<id>.passed; unknown keys are ignored rather than
// rejected so clients can carry their own annotations alongside.
func metadataView(raw json.RawMessage) router.MetadataView {
	if len(raw) == 0 {
		return router.MetadataView{}
	}
	var wire struct {
		User struct {
			Tiers []string `json:"tiers"`
		} `json:"user"`
		Variables map[string]any `json:"variables"`
		Guards    map[string]struct {
			Passed bool `json:"passed"`
		} `json:"guards"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return router.MetadataView{}
	}
	view := router.MetadataView{UserTiers: wire.User.Tiers, Variables: wire.Variables}
	if len(wire.Guards) > 0 {
		view.Guards = make(map[string]bool, len(wire.Guards))
		for id, g := range wire.Guards {
			view.Guards[id] = g.Passed
		}
	}
	return view
}

func (s *Server) completeChatCompletion(w http.ResponseWriter, r *http.Request, req pipeline.Request) {
	sink := &accumulatingSink{}
	summary, err := s.pipeline.Handle(r.Context(), req, sink)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := chatCompletionResponse{
		ID:      summary.RunID,
		Object:  "chat.completion",
		Model:   summary.Model,
		Choices: []chatCompletionChoice{{Index: 0, FinishReason: summary.FinishReason, Message: messageToWire(summary.Message)}},
		Usage: chatUsage{
			PromptTokens:     summary.Usage.InputTokens,
			CompletionTokens: summary.Usage.OutputTokens,
			TotalTokens:      summary.Usage.InputTokens + summary.Usage.OutputTokens,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) streamChatCompletion(w http.ResponseWriter, r *http.Request, req pipeline.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support flushing")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sink := &sseSink{w: w, flusher: flusher, model: req.Canonical.Model}
	_, err := s.pipeline.Handle(r.Context(), req, sink)
	if err != nil {
		sink.writeError(err)
	}
	sink.writeDone()
}

// accumulatingSink discards per-chunk fan-out and relies on
// Pipeline.Handle's returned Summary for the non-streaming response body.
type accumulatingSink struct{}

func (*accumulatingSink) Send(provider.Chunk) error { return nil }

// sseSink renders each provider.Chunk as an OpenAI-style
// chat.completion.chunk SSE event (a single `data:` line, one flush per
// event).
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	model   string
}

func (s *sseSink) Send(c provider.Chunk) error {
	switch c.Type {
	case provider.ChunkTypeContentDelta:
		return s.writeChunk(chatCompletionChunk{
			Object: "chat.completion.chunk",
			Model:  s.model,
			Choices: []chatCompletionChunkChoice{{
				Index: 0,
				Delta: chatDelta{Content: c.TextDelta},
			}},
		})
	case provider.ChunkTypeEnd:
		return s.writeChunk(chatCompletionChunk{
			Object: "chat.completion.chunk",
			Model:  s.model,
			Choices: []chatCompletionChunkChoice{{
				Index:        0,
				Delta:        chatDelta{},
				FinishReason: c.StopReason,
			}},
		})
	default:
		return nil
	}
}

func (s *sseSink) writeChunk(chunk chatCompletionChunk) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) writeError(err error) {
	_, _ = s.w.Write([]byte("event: error\n"))
	body, _ := json.Marshal(errorDetail{Type: "internal", Code: "stream_error", Message: err.Error()})
	_, _ = s.w.Write([]byte("data: "))
	_, _ = s.w.Write(body)
	_, _ = s.w.Write([]byte("\n\n"))
	s.flusher.Flush()
}

func (s *sseSink) writeDone() {
	_, _ = s.w.Write([]byte("data: [DONE]\n\n"))
	s.flusher.Flush()
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Model   string                 `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
	Usage   chatUsage              `json:"usage"`
}

type chatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      wireMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatCompletionChunk struct {
	Object  string                      `json:"object"`
	Model   string                      `json:"model"`
	Choices []chatCompletionChunkChoice `json:"choices"`
}

type chatCompletionChunkChoice struct {
	Index        int       `json:"index"`
	Delta        chatDelta `json:"delta"`
	FinishReason string    `json:"finish_reason,omitempty"`
}

type chatDelta struct {
	Content string `json:"content,omitempty"`
}

// messageToWire flattens a canonical, Parts-based assistant Message into
// the wire's flat {role, content} shape, concatenating text parts. Tool
// calls surface separately once the Responses API carries them; chat
// completions here covers the text-only golden path.
func messageToWire(msg provider.Message) wireMessage {
	out := wireMessage{Role: string(msg.Role)}
	for _, p := range msg.Parts {
		if t, ok := p.(provider.TextPart); ok {
			out.Content += t.Text
		}
	}
	return out
}
