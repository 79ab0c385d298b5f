package tracing

import "context"

type baggageKey struct{}

// Baggage carries identifiers that ride along a request's context so every
// span opened underneath it is automatically correlated, rather than
// threading run/thread/project ids through every call as explicit
// parameters.
type Baggage struct {
	TraceID   string
	RunID     string
	ThreadID  string
	ProjectID string
}

// WithBaggage attaches Baggage to ctx, replacing any existing baggage.
func WithBaggage(ctx context.Context, b Baggage) context.Context {
	return context.WithValue(ctx, baggageKey{}, b)
}

// BaggageFrom retrieves Baggage from ctx, returning the zero value if none
// was attached.
func BaggageFrom(ctx context.Context) Baggage {
	b, _ := ctx.Value(baggageKey{}).(Baggage)
	return b
}

type spanKey struct{}

func withParent(ctx context.Context, h *SpanHandle) context.Context {
	return context.WithValue(ctx, spanKey{}, h)
}

func parentFrom(ctx context.Context) *SpanHandle {
	h, _ := ctx.Value(spanKey{}).(*SpanHandle)
	return h
}
