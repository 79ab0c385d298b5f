package hooks

import "encoding/json"

// EventType enumerates the kinds of events the bus carries, covering the
// gateway's request, span, and breakpoint lifecycles.
type EventType string

const (
	EventSpanStart       EventType = "span.start"
	EventSpanEnd         EventType = "span.end"
	EventChunk           EventType = "chunk"
	EventBreakpointHit   EventType = "breakpoint.hit"
	EventBreakpointDone  EventType = "breakpoint.resumed"
	EventRouteDecision   EventType = "route.decision"
	EventInterceptorSkip EventType = "interceptor.skip"

	// Run-level lifecycle events, emitted by the pipeline around its
	// top-level "run" span.
	EventRunStarted  EventType = "run.started"
	EventRunFinished EventType = "run.finished"
	EventRunError    EventType = "run.error"

	// LLM invocation events, emitted around the provider-named span.
	EventLlmStart EventType = "llm.start"
	EventLlmStop  EventType = "llm.stop"
	EventCost     EventType = "cost"

	// Text message streaming events, mirroring the per-delta chunk stream
	// at message granularity rather than raw-chunk granularity.
	EventTextMessageStart   EventType = "text_message.start"
	EventTextMessageContent EventType = "text_message.content"
	EventTextMessageEnd     EventType = "text_message.end"
)

// Event is the common shape every published event satisfies.
type Event interface {
	EventType() EventType
	ThreadID() string
}

type baseEvent struct {
	Type    EventType `json:"type"`
	Thread  string    `json:"thread_id"`
	SpanID  string    `json:"span_id,omitempty"`
	TraceID string    `json:"trace_id,omitempty"`
}

func (b baseEvent) EventType() EventType { return b.Type }
func (b baseEvent) ThreadID() string     { return b.Thread }

// SpanStartEvent is published when the tracer opens a span.
type SpanStartEvent struct {
	baseEvent
	Operation string `json:"operation"`
}

// NewSpanStartEvent constructs a SpanStartEvent.
func NewSpanStartEvent(threadID, traceID, spanID, operation string) SpanStartEvent {
	return SpanStartEvent{
		baseEvent: baseEvent{Type: EventSpanStart, Thread: threadID, SpanID: spanID, TraceID: traceID},
		Operation: operation,
	}
}

// SpanEndEvent is published when the tracer closes a span.
type SpanEndEvent struct {
	baseEvent
	Operation string          `json:"operation"`
	Attribute json.RawMessage `json:"attribute,omitempty"`
}

// NewSpanEndEvent constructs a SpanEndEvent.
func NewSpanEndEvent(threadID, traceID, spanID, operation string, attribute json.RawMessage) SpanEndEvent {
	return SpanEndEvent{
		baseEvent: baseEvent{Type: EventSpanEnd, Thread: threadID, SpanID: spanID, TraceID: traceID},
		Operation: operation,
		Attribute: attribute,
	}
}

// ChunkEvent carries a single streamed response chunk to subscribers
// (principally the client-facing SSE sink).
type ChunkEvent struct {
	baseEvent
	Chunk any `json:"chunk"`
}

// NewChunkEvent constructs a ChunkEvent.
func NewChunkEvent(threadID, traceID, spanID string, chunk any) ChunkEvent {
	return ChunkEvent{
		baseEvent: baseEvent{Type: EventChunk, Thread: threadID, SpanID: spanID, TraceID: traceID},
		Chunk:     chunk,
	}
}

// BreakpointHitEvent is published when the breakpoint manager pauses a
// thread.
type BreakpointHitEvent struct {
	baseEvent
	Label string `json:"label"`
}

// NewBreakpointHitEvent constructs a BreakpointHitEvent.
func NewBreakpointHitEvent(threadID, traceID, spanID, label string) BreakpointHitEvent {
	return BreakpointHitEvent{
		baseEvent: baseEvent{Type: EventBreakpointHit, Thread: threadID, SpanID: spanID, TraceID: traceID},
		Label:     label,
	}
}

// BreakpointResumedEvent is published when an operator resumes a paused
// thread.
type BreakpointResumedEvent struct {
	baseEvent
}

// NewBreakpointResumedEvent constructs a BreakpointResumedEvent.
func NewBreakpointResumedEvent(threadID, traceID, spanID string) BreakpointResumedEvent {
	return BreakpointResumedEvent{baseEvent{Type: EventBreakpointDone, Thread: threadID, SpanID: spanID, TraceID: traceID}}
}

// RouteDecisionEvent records which route (if any) matched a request.
type RouteDecisionEvent struct {
	baseEvent
	RouteName string `json:"route_name,omitempty"`
	Model     string `json:"model"`
}

// NewRouteDecisionEvent constructs a RouteDecisionEvent.
func NewRouteDecisionEvent(threadID, traceID, spanID, routeName, model string) RouteDecisionEvent {
	return RouteDecisionEvent{
		baseEvent: baseEvent{Type: EventRouteDecision, Thread: threadID, SpanID: spanID, TraceID: traceID},
		RouteName: routeName,
		Model:     model,
	}
}

// RunStartedEvent is published when the pipeline opens its top-level "run"
// span for an inbound request.
type RunStartedEvent struct {
	baseEvent
	Model string `json:"model"`
}

// NewRunStartedEvent constructs a RunStartedEvent.
func NewRunStartedEvent(threadID, traceID, spanID, model string) RunStartedEvent {
	return RunStartedEvent{
		baseEvent: baseEvent{Type: EventRunStarted, Thread: threadID, SpanID: spanID, TraceID: traceID},
		Model:     model,
	}
}

// RunFinishedEvent is published when the run span closes successfully.
type RunFinishedEvent struct {
	baseEvent
	Cost float64 `json:"cost"`
}

// NewRunFinishedEvent constructs a RunFinishedEvent.
func NewRunFinishedEvent(threadID, traceID, spanID string, totalCost float64) RunFinishedEvent {
	return RunFinishedEvent{
		baseEvent: baseEvent{Type: EventRunFinished, Thread: threadID, SpanID: spanID, TraceID: traceID},
		Cost:      totalCost,
	}
}

// RunErrorEvent is published when a run fails.
type RunErrorEvent struct {
	baseEvent
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewRunErrorEvent constructs a RunErrorEvent.
func NewRunErrorEvent(threadID, traceID, spanID, code, message string) RunErrorEvent {
	return RunErrorEvent{
		baseEvent: baseEvent{Type: EventRunError, Thread: threadID, SpanID: spanID, TraceID: traceID},
		Code:      code,
		Message:   message,
	}
}

// LlmStartEvent is published when dispatch to an upstream provider begins.
type LlmStartEvent struct {
	baseEvent
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// NewLlmStartEvent constructs a LlmStartEvent.
func NewLlmStartEvent(threadID, traceID, spanID, provider, model string) LlmStartEvent {
	return LlmStartEvent{
		baseEvent: baseEvent{Type: EventLlmStart, Thread: threadID, SpanID: spanID, TraceID: traceID},
		Provider:  provider,
		Model:     model,
	}
}

// LlmStopEvent is published when the provider stream ends (success or
// error), carrying the finish reason and final token usage.
type LlmStopEvent struct {
	baseEvent
	FinishReason string `json:"finish_reason,omitempty"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// NewLlmStopEvent constructs a LlmStopEvent.
func NewLlmStopEvent(threadID, traceID, spanID, finishReason string, inputTokens, outputTokens int) LlmStopEvent {
	return LlmStopEvent{
		baseEvent:    baseEvent{Type: EventLlmStop, Thread: threadID, SpanID: spanID, TraceID: traceID},
		FinishReason: finishReason,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}
}

// CostEvent carries the computed cost for one api_invoke span, the only
// operation_name whose cost rolls up into a trace total.
type CostEvent struct {
	baseEvent
	Cost float64 `json:"cost"`
}

// NewCostEvent constructs a CostEvent.
func NewCostEvent(threadID, traceID, spanID string, totalCost float64) CostEvent {
	return CostEvent{
		baseEvent: baseEvent{Type: EventCost, Thread: threadID, SpanID: spanID, TraceID: traceID},
		Cost:      totalCost,
	}
}

// TextMessageStartEvent marks the first content delta of an assistant
// message.
type TextMessageStartEvent struct {
	baseEvent
	MessageID string `json:"message_id"`
}

// NewTextMessageStartEvent constructs a TextMessageStartEvent.
func NewTextMessageStartEvent(threadID, traceID, spanID, messageID string) TextMessageStartEvent {
	return TextMessageStartEvent{
		baseEvent: baseEvent{Type: EventTextMessageStart, Thread: threadID, SpanID: spanID, TraceID: traceID},
		MessageID: messageID,
	}
}

// TextMessageContentEvent carries one incremental text delta.
type TextMessageContentEvent struct {
	baseEvent
	MessageID string `json:"message_id"`
	Delta     string `json:"delta"`
}

// NewTextMessageContentEvent constructs a TextMessageContentEvent.
func NewTextMessageContentEvent(threadID, traceID, spanID, messageID, delta string) TextMessageContentEvent {
	return TextMessageContentEvent{
		baseEvent: baseEvent{Type: EventTextMessageContent, Thread: threadID, SpanID: spanID, TraceID: traceID},
		MessageID: messageID,
		Delta:     delta,
	}
}

// TextMessageEndEvent marks the end of an assistant message.
type TextMessageEndEvent struct {
	baseEvent
	MessageID string `json:"message_id"`
}

// NewTextMessageEndEvent constructs a TextMessageEndEvent.
func NewTextMessageEndEvent(threadID, traceID, spanID, messageID string) TextMessageEndEvent {
	return TextMessageEndEvent{
		baseEvent: baseEvent{Type: EventTextMessageEnd, Thread: threadID, SpanID: spanID, TraceID: traceID},
		MessageID: messageID,
	}
}
