package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// otelBridge opens a best-effort OTEL span alongside every span this
// package opens, so the gateway plugs into whatever collector
// OTEL_EXPORTER_OTLP_ENDPOINT points at without that collector being the
// system of record; the relational Store is.
type otelBridge struct {
	tracer trace.Tracer
	spans  map[string]trace.Span
	mu     sync.Mutex
}

func newOtelBridge() *otelBridge {
	return &otelBridge{
		tracer: otel.Tracer("github.com/vllora/gateway"),
		spans:  make(map[string]trace.Span),
	}
}

func (b *otelBridge) start(ctx context.Context, h *SpanHandle) {
	_, span := b.tracer.Start(ctx, h.Operation, trace.WithAttributes(
		attribute.String("thread_id", h.ThreadID),
		attribute.String("trace_id", h.TraceID),
	))
	b.mu.Lock()
	b.spans[h.SpanID] = span
	b.mu.Unlock()
}

func (b *otelBridge) end(h *SpanHandle, attrs Attributes) {
	b.mu.Lock()
	span, ok := b.spans[h.SpanID]
	if ok {
		delete(b.spans, h.SpanID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	if attrs.Error != nil {
		span.SetStatus(codes.Error, attrs.Error.Message)
		span.SetAttributes(attribute.String("error.code", attrs.Error.Code))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	if attrs.Model != "" {
		span.SetAttributes(attribute.String("model", attrs.Model))
	}
	if attrs.Cost != nil {
		span.SetAttributes(attribute.Float64("cost", *attrs.Cost))
	}
	span.End()
}
