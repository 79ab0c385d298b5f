package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vllora/gateway/cost"
	"github.com/vllora/gateway/pipeline"
	"github.com/vllora/gateway/provider"
	"github.com/vllora/gateway/tracing/store"
)

// streamingClient replays a fixed chunk script, standing in for a live
// upstream the way pipeline_test's fakeClient does.
type streamingClient struct{ chunks []provider.Chunk }

func (c *streamingClient) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	return provider.Response{}, nil
}

func (c *streamingClient) Stream(ctx context.Context, req provider.Request) (provider.Streamer, error) {
	return &scriptStreamer{chunks: c.chunks}, nil
}

func (c *streamingClient) CountTokens(ctx context.Context, model, text string) (int, error) {
	return len(text) / 4, nil
}

type scriptStreamer struct {
	chunks []provider.Chunk
	i      int
}

func (s *scriptStreamer) Recv() (provider.Chunk, error) {
	if s.i >= len(s.chunks) {
		return provider.Chunk{}, io.EOF
	}
	c := s.chunks[s.i]
	s.i++
	return c, nil
}

func (s *scriptStreamer) Close() error                { return nil }
func (s *scriptStreamer) Metadata() map[string]string { return nil }

func chatFixture(t *testing.T) (http.Handler, store.Store) {
	t.Helper()
	providers := map[string]provider.Client{"openai": &streamingClient{chunks: []provider.Chunk{
		{Type: provider.ChunkTypeStart},
		{Type: provider.ChunkTypeContentDelta, TextDelta: "hello"},
		{Type: provider.ChunkTypeContentDelta, TextDelta: " there"},
		{Type: provider.ChunkTypeEnd, StopReason: "stop", Usage: &provider.TokenUsage{InputTokens: 9, OutputTokens: 2}},
	}}}
	models := map[string]pipeline.ModelInfo{
		"gpt-4o-mini": {Provider: "openai", Pricing: cost.Pricing{InputPerMToken: 0.15, OutputPerMToken: 0.6}},
	}
	return newTestServer(t, providers, models)
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	srv, st := chatFixture(t)

	body, _ := json.Marshal(map[string]any{
		"model":    "gpt-4o-mini",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	require.Equal(t, "assistant", resp.Choices[0].Message.Role)
	require.Equal(t, "hello there", resp.Choices[0].Message.Content)
	require.Equal(t, "stop", resp.Choices[0].FinishReason)
	require.Equal(t, 9, resp.Usage.PromptTokens)
	require.Equal(t, 2, resp.Usage.CompletionTokens)

	rows, err := st.ListSpans(context.Background(), store.TraceQuery{Limit: 100})
	require.NoError(t, err)
	ops := map[string]int{}
	for _, row := range rows {
		ops[row.Operation]++
	}
	require.Equal(t, 1, ops["run"])
	require.Equal(t, 1, ops["api_invoke"])
	require.Equal(t, 1, ops["openai"])
}

func TestChatCompletionsStreamingEmitsSSEDeltasThenDone(t *testing.T) {
	srv, _ := chatFixture(t)

	body, _ := json.Marshal(map[string]any{
		"model":    "gpt-4o-mini",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
		"stream":   true,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	raw := rec.Body.String()
	var deltas []string
	var sawFinish bool
	for _, line := range strings.Split(raw, "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "[DONE]" {
			continue
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
		}
		require.NoError(t, json.Unmarshal([]byte(data), &chunk))
		if len(chunk.Choices) == 0 {
			continue
		}
		if chunk.Choices[0].Delta.Content != "" {
			deltas = append(deltas, chunk.Choices[0].Delta.Content)
		}
		if chunk.Choices[0].FinishReason != "" {
			sawFinish = true
		}
	}
	require.Equal(t, []string{"hello", " there"}, deltas)
	require.True(t, sawFinish)
	require.True(t, strings.HasSuffix(strings.TrimSpace(raw), "data: [DONE]"))
}

func TestChatCompletionsRejectsMissingModel(t *testing.T) {
	srv, _ := chatFixture(t)

	body, _ := json.Marshal(map[string]any{"messages": []map[string]string{{"role": "user", "content": "hi"}}})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatCompletionsUnknownModelMapsToBadRequest(t *testing.T) {
	srv, _ := chatFixture(t)

	body, _ := json.Marshal(map[string]any{
		"model":    "no-such-model",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var errBody struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errBody))
	require.Equal(t, "model_not_found", errBody.Error.Code)
}
