package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vllora/gateway/breakpoint"
	"github.com/vllora/gateway/cost"
	"github.com/vllora/gateway/hooks"
	"github.com/vllora/gateway/httpapi"
	"github.com/vllora/gateway/pipeline"
	"github.com/vllora/gateway/provider"
	"github.com/vllora/gateway/router"
	"github.com/vllora/gateway/tracing"
	"github.com/vllora/gateway/tracing/store"
	"github.com/vllora/gateway/tracing/store/sqlite"
)

// fakeEmbedder implements both provider.Client (unused here) and
// provider.Embedder, mirroring provider_test.fakeClient's role for the
// streaming path.
type fakeEmbedder struct{ vectors [][]float64 }

func (f *fakeEmbedder) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	return provider.Response{}, nil
}
func (f *fakeEmbedder) Stream(ctx context.Context, req provider.Request) (provider.Streamer, error) {
	return nil, nil
}
func (f *fakeEmbedder) CountTokens(ctx context.Context, model, text string) (int, error) {
	return len(text) / 4, nil
}
func (f *fakeEmbedder) Embed(ctx context.Context, req provider.EmbedRequest) (provider.EmbedResponse, error) {
	return provider.EmbedResponse{
		Model:   req.Model,
		Vectors: f.vectors,
		Usage:   provider.TokenUsage{InputTokens: 7},
	}, nil
}

// nonEmbeddingClient implements provider.Client only, used to exercise the
// embeddings_unsupported path for a model whose provider lacks Embedder.
type nonEmbeddingClient struct{}

func (nonEmbeddingClient) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	return provider.Response{}, nil
}
func (nonEmbeddingClient) Stream(ctx context.Context, req provider.Request) (provider.Streamer, error) {
	return nil, nil
}
func (nonEmbeddingClient) CountTokens(ctx context.Context, model, text string) (int, error) {
	return 0, nil
}

func newTestServer(t *testing.T, providers map[string]provider.Client, models map[string]pipeline.ModelInfo) (*httpapi.Server, *sqlite.Store) {
	t.Helper()
	st, err := sqlite.New("file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, st.Init(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	bus := hooks.NewBus()
	tr := tracing.New(st, bus, nil)
	rt := router.New(nil)
	p := pipeline.New(tr, bus, rt, nil, breakpoint.NewManager(), providers, models, nil, nil)
	return httpapi.NewServer(p, st, breakpoint.NewManager()), st
}

func TestHandleEmbeddingsSingleInput(t *testing.T) {
	providers := map[string]provider.Client{"openai": &fakeEmbedder{vectors: [][]float64{{0.1, 0.2, 0.3}}}}
	models := map[string]pipeline.ModelInfo{
		"text-embedding-3-small": {Provider: "openai", Pricing: cost.Pricing{InputPerMToken: 0.02}},
	}
	srv, st := newTestServer(t, providers, models)

	body, _ := json.Marshal(map[string]any{"model": "text-embedding-3-small", "input": "hello world"})
	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
		Usage struct {
			PromptTokens int `json:"prompt_tokens"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	require.Equal(t, []float64{0.1, 0.2, 0.3}, resp.Data[0].Embedding)
	require.Equal(t, 7, resp.Usage.PromptTokens)

	rows, err := st.ListSpans(context.Background(), store.TraceQuery{Limit: 100})
	require.NoError(t, err)
	var sawAPIInvoke bool
	for _, row := range rows {
		if row.Operation == "api_invoke" {
			sawAPIInvoke = true
			require.Contains(t, string(row.Attribute), "text-embedding-3-small")
		}
	}
	require.True(t, sawAPIInvoke, "expected an api_invoke span to be recorded for the embeddings call")
}

func TestHandleEmbeddingsBatchInput(t *testing.T) {
	providers := map[string]provider.Client{"openai": &fakeEmbedder{vectors: [][]float64{{1}, {2}}}}
	models := map[string]pipeline.ModelInfo{
		"text-embedding-3-small": {Provider: "openai", Pricing: cost.Pricing{InputPerMToken: 0.02}},
	}
	srv, _ := newTestServer(t, providers, models)

	body, _ := json.Marshal(map[string]any{"model": "text-embedding-3-small", "input": []string{"a", "b"}})
	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleEmbeddingsUnsupportedProvider(t *testing.T) {
	providers := map[string]provider.Client{"anthropic": nonEmbeddingClient{}}
	models := map[string]pipeline.ModelInfo{
		"claude-3-opus": {Provider: "anthropic", Pricing: cost.Pricing{}},
	}
	srv, _ := newTestServer(t, providers, models)

	body, _ := json.Marshal(map[string]any{"model": "claude-3-opus", "input": "hi"})
	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var errBody struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errBody))
	require.Equal(t, "embeddings_unsupported", errBody.Error.Code)
}

func TestHandleEmbeddingsUnknownModel(t *testing.T) {
	srv, _ := newTestServer(t, map[string]provider.Client{}, map[string]pipeline.ModelInfo{})

	body, _ := json.Marshal(map[string]any{"model": "does-not-exist", "input": "hi"})
	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
