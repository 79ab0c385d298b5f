package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/vllora/gateway/pipeline"
	"github.com/vllora/gateway/provider"
)

// responseOutputItem is one entry of a Responses API output array. Only
// "message" items are ever produced by this gateway today (see
// handleCreateResponse); ImageGenerationCall/WebSearchCall are carried as
// separate pointer fields so the JSON shape matches the original API's
// discriminated union without this gateway needing a custom
// MarshalJSON — an absent item type simply omits its field.
type responseOutputItem struct {
	Type    string                 `json:"type"`
	Message *responseMessageItem   `json:"message,omitempty"`
	Image   *responseImageItem     `json:"image_generation_call,omitempty"`
	Search  *responseWebSearchItem `json:"web_search_call,omitempty"`
}

type responseMessageItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// responseImageItem and responseWebSearchItem are reserved output shapes;
// see handleCreateResponse's doc comment for why they're currently unused.
type responseImageItem struct {
	URL string `json:"url"`
}

type responseWebSearchItem struct {
	Query   string   `json:"query"`
	Results []string `json:"results"`
}

type responseObject struct {
	ID     string               `json:"id"`
	Object string               `json:"object"`
	Model  string               `json:"model"`
	Status string               `json:"status"`
	Output []responseOutputItem `json:"output"`
	Usage  chatUsage            `json:"usage"`
}

func encodeResponseObject(summary *pipeline.Summary) responseObject {
	return responseObject{
		ID:     summary.RunID,
		Object: "response",
		Model:  summary.Model,
		Status: statusFromFinishReason(summary.FinishReason),
		Output: []responseOutputItem{messageOutputItem(summary.Message)},
		Usage: chatUsage{
			PromptTokens:     summary.Usage.InputTokens,
			CompletionTokens: summary.Usage.OutputTokens,
			TotalTokens:      summary.Usage.InputTokens + summary.Usage.OutputTokens,
		},
	}
}

func statusFromFinishReason(reason string) string {
	if reason == "" {
		return "in_progress"
	}
	return "completed"
}

func messageOutputItem(msg provider.Message) responseOutputItem {
	var content string
	for _, p := range msg.Parts {
		if t, ok := p.(provider.TextPart); ok {
			content += t.Text
		}
	}
	return responseOutputItem{
		Type:    "message",
		Message: &responseMessageItem{Role: string(msg.Role), Content: content},
	}
}

// responseSSESink streams Responses API output deltas as
// response.output_text.delta events, the typed-item analogue of chat.go's
// sseSink for the /v1/chat/completions surface.
type responseSSESink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	model   string
}

type responseStreamEvent struct {
	Type  string              `json:"type"`
	Delta string              `json:"delta,omitempty"`
	Item  *responseOutputItem `json:"item,omitempty"`
}

func (s *responseSSESink) Send(c provider.Chunk) error {
	switch c.Type {
	case provider.ChunkTypeContentDelta:
		return s.writeEvent(responseStreamEvent{Type: "response.output_text.delta", Delta: c.TextDelta})
	default:
		return nil
	}
}

func (s *responseSSESink) writeEvent(ev responseStreamEvent) error {
	payload, err := json.Marshal(ev)
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

func (s *responseSSESink) writeCompleted(summary *pipeline.Summary) {
	item := messageOutputItem(summary.Message)
	_ = s.writeEvent(responseStreamEvent{Type: "response.completed", Item: &item})
}

func (s *responseSSESink) writeError(err error) {
	_, _ = s.w.Write([]byte("event: error\n"))
	body, _ := json.Marshal(errorDetail{Type: "internal", Code: "stream_error", Message: err.Error()})
	_, _ = s.w.Write([]byte("data: "))
	_, _ = s.w.Write(body)
	_, _ = s.w.Write([]byte("\n\n"))
	s.flusher.Flush()
}

func (s *responseSSESink) writeDone() {
	_, _ = s.w.Write([]byte("data: [DONE]\n\n"))
	s.flusher.Flush()
}
