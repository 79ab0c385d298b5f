// Package pipeline implements the gateway's request pipeline: the single
// dispatch path from an inbound canonical request through conditional
// routing, interceptors, provider dispatch, streaming fan-out, usage/cost
// accounting, and span closure. The interceptor chain and router are
// layers around the provider adapter, with the tracer/event-bus/breakpoint
// wiring forming the outermost layer so every dispatch, success or
// failure, passes through span open/close.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/vllora/gateway/apierr"
	"github.com/vllora/gateway/breakpoint"
	"github.com/vllora/gateway/cost"
	"github.com/vllora/gateway/hooks"
	"github.com/vllora/gateway/interceptor"
	"github.com/vllora/gateway/provider"
	"github.com/vllora/gateway/router"
	"github.com/vllora/gateway/telemetry"
	"github.com/vllora/gateway/tracing"
	"github.com/vllora/gateway/tracing/store"
)

// ModelInfo resolves a router-selected model name to the provider that
// serves it and the pricing used to cost it.
type ModelInfo struct {
	Provider string
	Pricing  cost.Pricing
}

// ClientSink receives every chunk the pipeline produces for the inbound
// HTTP client, in publish order, independent of (but delivered alongside)
// the event-bus fan-out and span recording. httpapi implements this over
// an SSE ResponseWriter for streaming requests and a simple accumulator
// for non-streaming ones.
type ClientSink interface {
	Send(chunk provider.Chunk) error
}

// Request is one inbound canonical request plus the ambient identifiers
// and metadata the pipeline needs beyond provider.Request itself.
type Request struct {
	Canonical       provider.Request
	ThreadID        string // reused across a session; generated if empty
	ProjectID       string
	EntityID        string // rate-limiter/router subject, e.g. user_id
	IdempotencyKey  string
	Metadata        router.MetadataView
	AvailableModels map[string]bool // candidate pool for router.AnyOf targets
}

// Summary is returned once a request's pipeline run completes.
type Summary struct {
	RunID        string
	ThreadID     string
	Model        string
	RouteName    string
	Usage        cost.Usage
	Cost         float64
	TTFTMicros   uint64
	FinishReason string
	Message      provider.Message
	Reused       bool // true if an idempotency key was already claimed
}

// IdempotencyStore is the subset of idempotency.Store the pipeline needs,
// kept as a local interface so pipeline doesn't import idempotency (and
// the redis-vs-memory backend choice stays a wiring concern of
// cmd/gatewayd).
type IdempotencyStore interface {
	Claim(ctx context.Context, key, runID string, ttl time.Duration) (claimed bool, existingRunID string, err error)
}

// Pipeline wires the tracer, event bus, router, interceptor chain,
// breakpoint manager, and provider adapters into one dispatch sequence.
type Pipeline struct {
	Tracer         tracing.Tracer
	Bus            hooks.Bus
	Router         *router.Router
	Chain          *interceptor.Chain
	Breakpoints    *breakpoint.Manager
	Providers      map[string]provider.Client // keyed by provider name
	Models         map[string]ModelInfo       // keyed by model name
	Idempotency    IdempotencyStore
	IdempotencyTTL time.Duration
	Log            telemetry.Logger
	Metrics        telemetry.Metrics
}

// New constructs a Pipeline. Idempotency and Breakpoints may be nil to
// disable those features entirely.
func New(tr tracing.Tracer, bus hooks.Bus, rt *router.Router, chain *interceptor.Chain,
	bp *breakpoint.Manager, providers map[string]provider.Client, models map[string]ModelInfo,
	idem IdempotencyStore, log telemetry.Logger) *Pipeline {
	if log == nil {
		log = telemetry.NewNop()
	}
	ttl := 24 * time.Hour
	return &Pipeline{
		Tracer: tr, Bus: bus, Router: rt, Chain: chain, Breakpoints: bp,
		Providers: providers, Models: models, Idempotency: idem, IdempotencyTTL: ttl,
		Log: log, Metrics: telemetry.NewNopMetrics(),
	}
}

// Handle runs one request through the full pipeline: parse/baggage (step
// 1, assumed already done by the caller into req), span open (2),
// pre-interceptors (3), routing (4), provider dispatch + streaming fan-out
// + breakpoint checks (5-6), usage/cost finalization (7), post-interceptors
// (8), and span close (9).
func (p *Pipeline) Handle(ctx context.Context, req Request, sink ClientSink) (*Summary, error) {
	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	runID := uuid.NewString()

	if p.Idempotency != nil && req.IdempotencyKey != "" {
		claimed, existing, err := p.Idempotency.Claim(ctx, req.IdempotencyKey, runID, p.IdempotencyTTL)
		if err != nil {
			p.Log.Warn(ctx, "pipeline: idempotency claim failed, proceeding without dedup", "error", err)
		} else if !claimed {
			return &Summary{RunID: existing, ThreadID: threadID, Reused: true}, nil
		}
	}

	ctx = tracing.WithBaggage(ctx, tracing.Baggage{TraceID: runID, RunID: runID, ThreadID: threadID, ProjectID: req.ProjectID})
	runHandle, ctx := p.Tracer.Open(ctx, "run", nil)
	_ = p.Bus.Publish(ctx, hooks.NewRunStartedEvent(threadID, runID, runHandle.SpanID, req.Canonical.Model))

	failRun := func(err error) (*Summary, error) {
		errInfo := errorInfoFor(err)
		_ = p.Tracer.Record(ctx, runHandle, func(a *tracing.Attributes) { a.Error = errInfo })
		_ = p.Tracer.Close(ctx, runHandle)
		_ = p.Bus.Publish(ctx, hooks.NewRunErrorEvent(threadID, runID, runHandle.SpanID, errInfo.Code, errInfo.Message))
		return nil, err
	}

	ictx := &interceptor.Context{
		Request:   req.Canonical,
		EntityID:  req.EntityID,
		ThreadID:  threadID,
		ProjectID: req.ProjectID,
	}

	// Pre-request interceptors run before the api_invoke span opens: a
	// denied request must leave no billing-authoritative span behind, only
	// the failed run span.
	if p.Chain != nil {
		decision, err := p.Chain.RunPre(ctx, ictx)
		if err != nil {
			return failRun(apierr.Wrap(apierr.KindInternal, "interceptor_error", "pre-request interceptor failed", err))
		}
		switch decision.Action {
		case interceptor.ActionBlock:
			return failRun(apierr.New(apierr.KindRateLimited, "rate_limited", decision.Reason))
		case interceptor.ActionRedirect, interceptor.ActionFallback:
			if decision.Model != "" {
				ictx.Request.Model = decision.Model
			}
		}
	}

	apiHandle, ctx := p.Tracer.ChildScope(ctx, "api_invoke")

	summary, err := p.handleWithinRun(ctx, req, ictx, threadID, runID, apiHandle, sink)

	if err != nil {
		errInfo := errorInfoFor(err)
		_ = p.Tracer.Record(ctx, apiHandle, func(a *tracing.Attributes) { a.Error = errInfo })
		_ = p.Tracer.Close(ctx, apiHandle)
		return failRun(err)
	}

	_ = p.Tracer.Close(ctx, apiHandle)
	_ = p.Tracer.Close(ctx, runHandle)
	_ = p.Bus.Publish(ctx, hooks.NewRunFinishedEvent(threadID, runID, runHandle.SpanID, summary.Cost))
	return summary, nil
}

func (p *Pipeline) handleWithinRun(ctx context.Context, req Request, ictx *interceptor.Context, threadID, runID string, apiHandle *tracing.SpanHandle, sink ClientSink) (*Summary, error) {
	model := ictx.Request.Model
	routeName := ""
	if p.Router != nil {
		model, routeName = p.Router.Select(req.Metadata, ictx.Request.Model, req.AvailableModels)
	}
	_ = p.Bus.Publish(ctx, hooks.NewRouteDecisionEvent(threadID, runID, apiHandle.SpanID, routeName, model))

	info, ok := p.Models[model]
	if !ok {
		return nil, apierr.New(apierr.KindBadRequest, "model_not_found", fmt.Sprintf("unknown model %q", model))
	}
	if _, ok := p.Providers[info.Provider]; !ok {
		return nil, apierr.New(apierr.KindBadRequest, "provider_not_configured", fmt.Sprintf("provider %q is not configured", info.Provider))
	}

	providerHandle, ctx := p.Tracer.ChildScope(ctx, info.Provider)
	_ = p.Tracer.Record(ctx, apiHandle, func(a *tracing.Attributes) { a.Model = model; a.ProviderName = info.Provider })
	_ = p.Bus.Publish(ctx, hooks.NewLlmStartEvent(threadID, runID, providerHandle.SpanID, info.Provider, model))
	if p.Metrics != nil {
		p.Metrics.RecordRequest(ctx, model, info.Provider)
	}

	dispatchReq := ictx.Request
	dispatchReq.Model = model
	if reqJSON, err := json.Marshal(dispatchReq); err == nil {
		_ = p.Tracer.Record(ctx, apiHandle, func(a *tracing.Attributes) {
			a.Request = reqJSON
			retries := dispatchReq.RetriesLeft
			a.RetriesLeft = &retries
		})
	}

	summary, dispatchErr := p.dispatchStream(ctx, dispatchReq, info, threadID, providerHandle, sink)

	if dispatchErr != nil {
		errInfo := errorInfoFor(dispatchErr)
		_ = p.Tracer.Record(ctx, providerHandle, func(a *tracing.Attributes) { a.Error = errInfo })
		_ = p.Tracer.Close(ctx, providerHandle)
		return nil, dispatchErr
	}
	_ = p.Tracer.Close(ctx, providerHandle)

	summary.RunID = runID
	summary.ThreadID = threadID
	summary.Model = model
	summary.RouteName = routeName

	// The api_invoke span is the billing-authoritative one: trace cost
	// rollups sum only api_invoke spans, so the final usage/cost/ttft land
	// here, with the provider span keeping its own copy for drill-down.
	totalCost := summary.Cost
	_ = p.Tracer.Record(ctx, apiHandle, func(a *tracing.Attributes) {
		a.Usage = &tracing.Usage{
			InputTokens: summary.Usage.InputTokens, OutputTokens: summary.Usage.OutputTokens,
			CachedInputTokens: summary.Usage.CachedInputTokens, CachedWriteTokens: summary.Usage.CachedWriteTokens,
		}
		a.Cost = &totalCost
		if summary.TTFTMicros > 0 {
			t := summary.TTFTMicros
			a.TTFTMicros = &t
		}
		if out := messageText(summary.Message); out != "" {
			if outJSON, err := json.Marshal(out); err == nil {
				a.Output = outJSON
			}
		}
	})
	_ = p.Bus.Publish(ctx, hooks.NewCostEvent(threadID, runID, apiHandle.SpanID, totalCost))
	if p.Metrics != nil {
		p.Metrics.RecordCost(ctx, model, totalCost)
	}

	if p.Chain != nil {
		resp := &provider.Response{Model: model, Message: summary.Message, StopReason: summary.FinishReason}
		if err := p.Chain.RunPost(ctx, ictx, resp); err != nil {
			p.Log.Warn(ctx, "pipeline: post-interceptor reported an error", "error", err)
		}
	}

	return summary, nil
}

// dispatchStream drives one streaming upstream call: each delta is
// published to the event bus, sent to the client sink, and checked against
// any armed breakpoint before the next delta is consumed. Deltas are not
// recorded on the provider span; it receives only the final usage, cost
// and time to first token.
func (p *Pipeline) dispatchStream(ctx context.Context, req provider.Request, info ModelInfo, threadID string, providerHandle *tracing.SpanHandle, sink ClientSink) (*Summary, error) {
	client := p.Providers[info.Provider]
	streamer, err := client.Stream(ctx, req)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUpstream, "upstream_dispatch_failed", "failed to start upstream stream", err)
	}
	defer func() { _ = streamer.Close() }()

	dispatchStart := time.Now()
	var ttft *uint64
	agg := cost.NewAggregator(info.Pricing)
	var messageParts []provider.Part
	var finishReason string
	messageID := uuid.NewString()
	startedMessage := false

	for {
		select {
		case <-ctx.Done():
			return nil, apierr.Wrap(apierr.KindCanceled, "client_disconnected", "client disconnected while streaming", ctx.Err())
		default:
		}

		chunk, recvErr := streamer.Recv()
		if recvErr != nil {
			if errors.Is(recvErr, io.EOF) {
				break
			}
			return nil, apierr.Wrap(apierr.KindUpstream, "upstream_stream_error", "upstream stream failed", recvErr)
		}

		if err := p.emitChunk(ctx, threadID, providerHandle, messageID, &startedMessage, chunk, sink); err != nil {
			return nil, err
		}

		if p.Breakpoints != nil && p.Breakpoints.Armed(threadID, providerHandle.Operation, map[string]any{"chunk_type": string(chunk.Type)}) {
			decisionCh := p.Breakpoints.Hit(threadID, providerHandle.SpanID)
			_ = p.Bus.Publish(ctx, hooks.NewBreakpointHitEvent(threadID, providerHandle.TraceID, providerHandle.SpanID, string(chunk.Type)))
			select {
			case decision := <-decisionCh:
				if decision.Action == breakpoint.ActionAbort {
					return nil, apierr.New(apierr.KindCanceled, "breakpoint_aborted", "operator aborted a paused span")
				}
				_ = p.Bus.Publish(ctx, hooks.NewBreakpointResumedEvent(threadID, providerHandle.TraceID, providerHandle.SpanID))
			case <-ctx.Done():
				p.Breakpoints.ReceiverDropped(threadID)
				return nil, apierr.Wrap(apierr.KindCanceled, "receiver_dropped", "client disconnected while a breakpoint was paused", ctx.Err())
			}
		}

		switch chunk.Type {
		case provider.ChunkTypeContentDelta:
			if ttft == nil {
				us := uint64(time.Since(dispatchStart).Microseconds())
				if us == 0 {
					us = 1
				}
				ttft = &us
			}
			messageParts = append(messageParts, provider.TextPart{Text: chunk.TextDelta})
		case provider.ChunkTypeToolCallDelta:
			if chunk.ToolCallDelta != nil {
				messageParts = append(messageParts, provider.ToolUsePart{ID: chunk.ToolCallDelta.ID, Name: chunk.ToolCallDelta.Name, Input: []byte(chunk.ToolCallDelta.ArgsFragment)})
			}
		case provider.ChunkTypeUsageTick:
			agg.Add((*cost.Usage)(chunk.Usage))
		case provider.ChunkTypeEnd:
			finishReason = chunk.StopReason
			agg.Add((*cost.Usage)(chunk.Usage))
		case provider.ChunkTypeError:
			if chunk.Err != nil {
				return nil, apierr.Wrap(apierr.KindUpstream, "upstream_chunk_error", "upstream returned an error chunk", chunk.Err)
			}
		}

		if chunk.Type == provider.ChunkTypeEnd {
			break
		}
	}

	if startedMessage {
		_ = p.Bus.Publish(ctx, hooks.NewTextMessageEndEvent(threadID, providerHandle.TraceID, providerHandle.SpanID, messageID))
	}

	breakdown := agg.Finish()
	usage := agg.Usage()
	_ = p.Tracer.Record(ctx, providerHandle, func(a *tracing.Attributes) {
		a.Usage = &tracing.Usage{
			InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens,
			CachedInputTokens: usage.CachedInputTokens, CachedWriteTokens: usage.CachedWriteTokens,
		}
		a.Cost = &breakdown.Total
		if ttft != nil {
			a.TTFTMicros = ttft
		}
	})
	_ = p.Bus.Publish(ctx, hooks.NewLlmStopEvent(threadID, providerHandle.TraceID, providerHandle.SpanID, finishReason, usage.InputTokens, usage.OutputTokens))

	summary := &Summary{
		Usage:        usage,
		Cost:         breakdown.Total,
		FinishReason: finishReason,
		Message:      provider.Message{Role: provider.RoleAssistant, Parts: messageParts},
	}
	if ttft != nil {
		summary.TTFTMicros = *ttft
	}
	return summary, nil
}

func (p *Pipeline) emitChunk(ctx context.Context, threadID string, h *tracing.SpanHandle, messageID string, started *bool, chunk provider.Chunk, sink ClientSink) error {
	if chunk.Type == provider.ChunkTypeContentDelta && !*started {
		*started = true
		_ = p.Bus.Publish(ctx, hooks.NewTextMessageStartEvent(threadID, h.TraceID, h.SpanID, messageID))
	}
	if chunk.Type == provider.ChunkTypeContentDelta {
		_ = p.Bus.Publish(ctx, hooks.NewTextMessageContentEvent(threadID, h.TraceID, h.SpanID, messageID, chunk.TextDelta))
	}
	_ = p.Bus.Publish(ctx, hooks.NewChunkEvent(threadID, h.TraceID, h.SpanID, chunk))
	if p.Breakpoints != nil {
		p.Breakpoints.Buffer(threadID, h.SpanID, hooks.NewChunkEvent(threadID, h.TraceID, h.SpanID, chunk))
	}
	if sink != nil {
		if err := sink.Send(chunk); err != nil {
			if p.Breakpoints != nil {
				p.Breakpoints.ReceiverDropped(threadID)
			}
			return apierr.Wrap(apierr.KindCanceled, "client_disconnected", "failed to write chunk to client", err)
		}
	}
	return nil
}

func messageText(msg provider.Message) string {
	var out string
	for _, p := range msg.Parts {
		if t, ok := p.(provider.TextPart); ok {
			out += t.Text
		}
	}
	return out
}

func errorInfoFor(err error) *tracing.ErrorInfo {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		return &tracing.ErrorInfo{Code: apiErr.Code, Message: apiErr.Message}
	}
	return &tracing.ErrorInfo{Code: "internal", Message: err.Error()}
}

// RollupTraceCost sums cost across every api_invoke span of traceID. Only
// api_invoke spans roll up, so a model invoked inside a tool span (a child
// of api_invoke, not an api_invoke itself) is never double-counted. It
// filters by operation_name itself rather than trusting the caller to
// pre-filter the record set.
func RollupTraceCost(ctx context.Context, st store.Store, traceID string) (float64, error) {
	records, err := st.ListSpans(ctx, store.TraceQuery{TraceID: traceID, Limit: 1000})
	if err != nil {
		return 0, fmt.Errorf("pipeline: rollup: list spans: %w", err)
	}
	var total float64
	for _, rec := range records {
		if rec.Operation != "api_invoke" {
			continue
		}
		var attrs struct {
			Cost *float64 `json:"cost"`
		}
		if len(rec.Attribute) == 0 {
			continue
		}
		if err := json.Unmarshal(rec.Attribute, &attrs); err != nil {
			return 0, fmt.Errorf("pipeline: rollup: span %s: %w", rec.SpanID, err)
		}
		if attrs.Cost != nil {
			total += *attrs.Cost
		}
	}
	return total, nil
}
