package pipeline_test

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vllora/gateway/apierr"
	"github.com/vllora/gateway/breakpoint"
	"github.com/vllora/gateway/cost"
	"github.com/vllora/gateway/hooks"
	"github.com/vllora/gateway/interceptor"
	"github.com/vllora/gateway/pipeline"
	"github.com/vllora/gateway/provider"
	"github.com/vllora/gateway/router"
	"github.com/vllora/gateway/tracing"
	"github.com/vllora/gateway/tracing/store"
	"github.com/vllora/gateway/tracing/store/sqlite"
)

func storeQuery(traceID string) store.TraceQuery {
	return store.TraceQuery{TraceID: traceID, Limit: 100}
}

// fakeClient is a minimal in-memory provider.Client, mirroring
// provider_test.fakeClient, used to exercise the pipeline end-to-end
// without a live upstream.
type fakeClient struct {
	chunks []provider.Chunk
}

func (f *fakeClient) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	return provider.Response{}, nil
}

func (f *fakeClient) Stream(ctx context.Context, req provider.Request) (provider.Streamer, error) {
	return &fakeStreamer{chunks: f.chunks}, nil
}

func (f *fakeClient) CountTokens(ctx context.Context, model, text string) (int, error) {
	return len(text) / 4, nil
}

type fakeStreamer struct {
	chunks []provider.Chunk
	i      int
}

func (s *fakeStreamer) Recv() (provider.Chunk, error) {
	if s.i >= len(s.chunks) {
		return provider.Chunk{}, io.EOF
	}
	c := s.chunks[s.i]
	s.i++
	return c, nil
}

func (s *fakeStreamer) Close() error                { return nil }
func (s *fakeStreamer) Metadata() map[string]string { return nil }

type recordingSink struct {
	chunks []provider.Chunk
}

func (r *recordingSink) Send(c provider.Chunk) error {
	r.chunks = append(r.chunks, c)
	return nil
}

func newTestPipeline(t *testing.T, chunks []provider.Chunk) (*pipeline.Pipeline, *sqlite.Store) {
	t.Helper()
	st, err := sqlite.New("file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, st.Init(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	bus := hooks.NewBus()
	tr := tracing.New(st, bus, nil)
	rt := router.New(nil)

	providers := map[string]provider.Client{"openai": &fakeClient{chunks: chunks}}
	models := map[string]pipeline.ModelInfo{
		"gpt-4o-mini": {Provider: "openai", Pricing: cost.Pricing{InputPerMToken: 1, OutputPerMToken: 2}},
	}

	return pipeline.New(tr, bus, rt, nil, breakpoint.NewManager(), providers, models, nil, nil), st
}

func happyPathChunks() []provider.Chunk {
	usage := &provider.TokenUsage{InputTokens: 10, OutputTokens: 5}
	return []provider.Chunk{
		{Type: provider.ChunkTypeStart},
		{Type: provider.ChunkTypeContentDelta, TextDelta: "hel"},
		{Type: provider.ChunkTypeContentDelta, TextDelta: "lo"},
		{Type: provider.ChunkTypeEnd, StopReason: "stop", Usage: usage},
	}
}

func TestHandleStreamingHappyPath(t *testing.T) {
	p, st := newTestPipeline(t, happyPathChunks())
	sink := &recordingSink{}

	req := pipeline.Request{
		Canonical: provider.Request{
			Model:    "gpt-4o-mini",
			Messages: []provider.Message{{Role: provider.RoleUser, Parts: []provider.Part{provider.TextPart{Text: "hi"}}}},
			Stream:   true,
		},
	}

	summary, err := p.Handle(context.Background(), req, sink)
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-mini", summary.Model)
	require.Equal(t, "stop", summary.FinishReason)
	require.Equal(t, 10, summary.Usage.InputTokens)
	require.Positive(t, summary.Cost)
	require.NotZero(t, summary.TTFTMicros)

	var deltaCount int
	for _, c := range sink.chunks {
		if c.Type == provider.ChunkTypeContentDelta {
			deltaCount++
		}
	}
	require.Equal(t, 2, deltaCount)

	records, err := st.ListSpans(context.Background(), storeQuery(summary.RunID))
	require.NoError(t, err)
	var ops []string
	for _, r := range records {
		ops = append(ops, r.Operation)
	}
	require.Contains(t, ops, "run")
	require.Contains(t, ops, "api_invoke")
	require.Contains(t, ops, "openai")

	for _, rec := range records {
		if rec.Operation != "api_invoke" {
			continue
		}
		var attrs struct {
			Usage struct {
				Input  int `json:"input"`
				Output int `json:"output"`
			} `json:"usage"`
			Cost   *float64 `json:"cost"`
			TTFT   *uint64  `json:"ttft"`
			Output string   `json:"output"`
		}
		require.NoError(t, json.Unmarshal(rec.Attribute, &attrs))
		require.Equal(t, 10, attrs.Usage.Input)
		require.Equal(t, 5, attrs.Usage.Output)
		require.NotNil(t, attrs.Cost)
		require.Positive(t, *attrs.Cost)
		require.NotNil(t, attrs.TTFT)
		require.Equal(t, "hello", attrs.Output)
	}

	total, err := pipeline.RollupTraceCost(context.Background(), st, summary.RunID)
	require.NoError(t, err)
	require.InDelta(t, summary.Cost, total, 1e-12)
}

func TestHandleUnknownModelReturnsError(t *testing.T) {
	p, _ := newTestPipeline(t, happyPathChunks())
	req := pipeline.Request{Canonical: provider.Request{Model: "does-not-exist"}}

	_, err := p.Handle(context.Background(), req, &recordingSink{})
	require.Error(t, err)
}

func TestHandleClosesSpansWithErrorOnClientDisconnect(t *testing.T) {
	p, st := newTestPipeline(t, happyPathChunks())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := pipeline.Request{Canonical: provider.Request{Model: "gpt-4o-mini"}}
	_, err := p.Handle(ctx, req, &recordingSink{})
	require.Error(t, err)

	records, err := st.ListSpans(context.Background(), storeQuery(""))
	require.NoError(t, err)
	var sawError bool
	for _, r := range records {
		if r.Operation == "run" {
			sawError = sawError || containsErrorAttr(r.Attribute)
		}
	}
	require.True(t, sawError, "run span should be closed with an error attribute on cancellation")
}

func containsErrorAttr(attr []byte) bool {
	return len(attr) > 0 && (string(attr) != "{}")
}

func TestBlockedRequestCreatesNoAPIInvokeSpan(t *testing.T) {
	st, err := sqlite.New("file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, st.Init(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	bus := hooks.NewBus()
	tr := tracing.New(st, bus, nil)
	chain := interceptor.New([]interceptor.PreStage{
		interceptor.PreStageFunc(func(ctx context.Context, ictx *interceptor.Context) (interceptor.Decision, error) {
			return interceptor.Decision{Action: interceptor.ActionBlock, Reason: "rate_limited"}, nil
		}),
	}, nil)

	providers := map[string]provider.Client{"openai": &fakeClient{chunks: happyPathChunks()}}
	models := map[string]pipeline.ModelInfo{"gpt-4o-mini": {Provider: "openai"}}
	p := pipeline.New(tr, bus, router.New(nil), chain, nil, providers, models, nil, nil)

	req := pipeline.Request{
		Canonical: provider.Request{Model: "gpt-4o-mini"},
		ThreadID:  "thread-blocked",
	}
	_, err = p.Handle(context.Background(), req, &recordingSink{})
	require.Error(t, err)

	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, apierr.KindRateLimited, apiErr.Kind)

	records, err := st.ListSpans(context.Background(), store.TraceQuery{ThreadID: "thread-blocked", Limit: 100})
	require.NoError(t, err)
	var sawRun bool
	for _, rec := range records {
		require.NotEqual(t, "api_invoke", rec.Operation, "a blocked request must not create an api_invoke span")
		if rec.Operation == "run" {
			sawRun = true
		}
	}
	require.True(t, sawRun, "the failed run span is still recorded")
}

// cancelingSink cancels the request context as soon as the first content
// delta reaches the client, simulating a client that disconnects right as
// an armed breakpoint pauses the stream.
type cancelingSink struct {
	cancel context.CancelFunc
}

func (s *cancelingSink) Send(c provider.Chunk) error {
	if c.Type == provider.ChunkTypeContentDelta {
		s.cancel()
	}
	return nil
}

func TestBreakpointPausedClientDisconnectClosesSpanReceiverDropped(t *testing.T) {
	st, err := sqlite.New("file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, st.Init(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	bus := hooks.NewBus()
	tr := tracing.New(st, bus, nil)
	bp := breakpoint.NewManager()

	providers := map[string]provider.Client{"openai": &fakeClient{chunks: happyPathChunks()}}
	models := map[string]pipeline.ModelInfo{
		"gpt-4o-mini": {Provider: "openai", Pricing: cost.Pricing{InputPerMToken: 1, OutputPerMToken: 2}},
	}
	p := pipeline.New(tr, bus, router.New(nil), nil, bp, providers, models, nil, nil)

	threadID := "thread-dropped"
	bp.Arm(threadID, func(op string, meta map[string]any) bool {
		ct, _ := meta["chunk_type"].(string)
		return ct == string(provider.ChunkTypeContentDelta)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := pipeline.Request{
		Canonical: provider.Request{
			Model:    "gpt-4o-mini",
			Messages: []provider.Message{{Role: provider.RoleUser, Parts: []provider.Part{provider.TextPart{Text: "hi"}}}},
			Stream:   true,
		},
		ThreadID: threadID,
	}

	_, err = p.Handle(ctx, req, &cancelingSink{cancel: cancel})
	require.Error(t, err)

	records, err := st.ListSpans(context.Background(), store.TraceQuery{ThreadID: threadID, Limit: 100})
	require.NoError(t, err)
	var sawReceiverDropped bool
	for _, rec := range records {
		if rec.Operation != "run" {
			continue
		}
		var attrs struct {
			Error *struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		require.NoError(t, json.Unmarshal(rec.Attribute, &attrs))
		if attrs.Error != nil && attrs.Error.Code == "receiver_dropped" {
			sawReceiverDropped = true
		}
	}
	require.True(t, sawReceiverDropped, "run span must close with error.code receiver_dropped")

	for _, bpRec := range bp.List(threadID) {
		require.Equal(t, breakpoint.StateError, bpRec.State)
		require.Equal(t, "receiver_dropped", bpRec.ErrorCode)
	}
}

func TestRollupTraceCostSumsOnlyAPIInvokeSpans(t *testing.T) {
	st, err := sqlite.New("file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, st.Init(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	traceID := "trace-1"

	save := func(spanID, operation string, spanCost float64) {
		attr, err := json.Marshal(map[string]any{"cost": spanCost})
		require.NoError(t, err)
		require.NoError(t, st.SaveSpan(ctx, store.SpanRecord{
			TraceID: traceID, SpanID: spanID, ThreadID: "thread-1",
			Operation: operation, StartUS: 1, FinishUS: 2, Attribute: attr,
		}))
	}

	save("span-run", "run", 999) // never summed: not api_invoke
	save("span-api-1", "api_invoke", 0.05)
	save("span-api-2", "api_invoke", 0.03)
	save("span-tool", "get_weather", 1000) // nested tool span, never summed

	total, err := pipeline.RollupTraceCost(ctx, st, traceID)
	require.NoError(t, err)
	require.InDelta(t, 0.08, total, 1e-9)
}
