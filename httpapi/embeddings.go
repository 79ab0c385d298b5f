package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/vllora/gateway/apierr"
	"github.com/vllora/gateway/cost"
	"github.com/vllora/gateway/hooks"
	"github.com/vllora/gateway/provider"
	"github.com/vllora/gateway/tracing"
)

const maxEmbeddingsRequestBodyBytes int64 = 4 << 20 // 4 MiB

// embeddingsRequest is the POST /v1/embeddings wire body. Input accepts
// either a single string or an array of strings, matching the
// OpenAI-compatible wire shape.
type embeddingsRequest struct {
	Model     string          `json:"model"`
	Input     json.RawMessage `json:"input"`
	User      string          `json:"user,omitempty"`
	ThreadID  string          `json:"thread_id,omitempty"`
	ProjectID string          `json:"project_id,omitempty"`
}

func (req embeddingsRequest) inputs() ([]string, error) {
	var single string
	if err := json.Unmarshal(req.Input, &single); err == nil {
		if single == "" {
			return nil, fmt.Errorf("input must not be empty")
		}
		return []string{single}, nil
	}
	var many []string
	if err := json.Unmarshal(req.Input, &many); err == nil {
		if len(many) == 0 {
			return nil, fmt.Errorf("input must not be empty")
		}
		return many, nil
	}
	return nil, fmt.Errorf("input must be a string or an array of strings")
}

type embeddingsResponse struct {
	Object string            `json:"object"`
	Model  string            `json:"model"`
	Data   []embeddingObject `json:"data"`
	Usage  embeddingsUsage   `json:"usage"`
}

type embeddingObject struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

type embeddingsUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// handleEmbeddings implements POST /v1/embeddings. It follows
// the same span-per-call shape as chat completions (a run span wrapping an
// api_invoke span tagged with the provider name, closed with usage/cost
// attributes) but dispatches through provider.Embedder rather than the
// streaming pipeline, since embeddings are a single unary call with no
// token-by-token fan-out to a client sink.
func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var wire embeddingsRequest
	if !decodeJSONBody(w, r, maxEmbeddingsRequestBodyBytes, &wire) {
		return
	}
	if wire.Model == "" {
		writeJSONError(w, http.StatusBadRequest, "model_required", "model is required")
		return
	}
	inputs, err := wire.inputs()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	threadID := wire.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	runID := uuid.NewString()

	p := s.pipeline
	ctx := tracing.WithBaggage(r.Context(), tracing.Baggage{TraceID: runID, RunID: runID, ThreadID: threadID, ProjectID: wire.ProjectID})
	runHandle, ctx := p.Tracer.Open(ctx, "run", nil)
	_ = p.Bus.Publish(ctx, hooks.NewRunStartedEvent(threadID, runID, runHandle.SpanID, wire.Model))
	apiHandle, ctx := p.Tracer.ChildScope(ctx, "api_invoke")
	_ = p.Tracer.Record(ctx, apiHandle, func(a *tracing.Attributes) { a.Model = wire.Model })

	fail := func(err error) {
		errInfo := errorInfoForEmbeddings(err)
		_ = p.Tracer.Record(ctx, apiHandle, func(a *tracing.Attributes) { a.Error = errInfo })
		_ = p.Tracer.Close(ctx, apiHandle)
		_ = p.Tracer.Record(ctx, runHandle, func(a *tracing.Attributes) { a.Error = errInfo })
		_ = p.Tracer.Close(ctx, runHandle)
		_ = p.Bus.Publish(ctx, hooks.NewRunErrorEvent(threadID, runID, runHandle.SpanID, errInfo.Code, errInfo.Message))
		writeError(w, err)
	}

	info, ok := p.Models[wire.Model]
	if !ok {
		fail(apierr.New(apierr.KindBadRequest, "model_not_found", fmt.Sprintf("unknown model %q", wire.Model)))
		return
	}
	client, ok := p.Providers[info.Provider]
	if !ok {
		fail(apierr.New(apierr.KindBadRequest, "provider_not_configured", fmt.Sprintf("provider %q is not configured", info.Provider)))
		return
	}
	embedder, ok := client.(provider.Embedder)
	if !ok {
		fail(provider.ErrEmbeddingsUnsupported)
		return
	}
	_ = p.Tracer.Record(ctx, apiHandle, func(a *tracing.Attributes) { a.ProviderName = info.Provider })
	_ = p.Bus.Publish(ctx, hooks.NewLlmStartEvent(threadID, runID, apiHandle.SpanID, info.Provider, wire.Model))

	result, embedErr := embedder.Embed(ctx, provider.EmbedRequest{Model: wire.Model, Input: inputs})
	if embedErr != nil {
		fail(embedErr)
		return
	}

	breakdown := cost.Compute(info.Pricing, cost.Usage{InputTokens: result.Usage.InputTokens})
	_ = p.Tracer.Record(ctx, apiHandle, func(a *tracing.Attributes) {
		a.Usage = &tracing.Usage{InputTokens: result.Usage.InputTokens}
		a.RawUsage = result.RawUsage
		a.Cost = &breakdown.Total
	})
	_ = p.Bus.Publish(ctx, hooks.NewLlmStopEvent(threadID, runID, apiHandle.SpanID, "stop", result.Usage.InputTokens, 0))
	_ = p.Bus.Publish(ctx, hooks.NewCostEvent(threadID, runID, apiHandle.SpanID, breakdown.Total))
	_ = p.Tracer.Close(ctx, apiHandle)
	_ = p.Tracer.Close(ctx, runHandle)
	_ = p.Bus.Publish(ctx, hooks.NewRunFinishedEvent(threadID, runID, runHandle.SpanID, breakdown.Total))

	data := make([]embeddingObject, len(result.Vectors))
	for i, vec := range result.Vectors {
		data[i] = embeddingObject{Object: "embedding", Index: i, Embedding: vec}
	}
	resp := embeddingsResponse{
		Object: "list",
		Model:  wire.Model,
		Data:   data,
		Usage: embeddingsUsage{
			PromptTokens: result.Usage.InputTokens,
			TotalTokens:  result.Usage.InputTokens,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func errorInfoForEmbeddings(err error) *tracing.ErrorInfo {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		return &tracing.ErrorInfo{Code: apiErr.Code, Message: apiErr.Message}
	}
	return &tracing.ErrorInfo{Code: "internal", Message: err.Error()}
}
