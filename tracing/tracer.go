package tracing

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vllora/gateway/hooks"
	"github.com/vllora/gateway/telemetry"
	"github.com/vllora/gateway/tracing/store"
)

// Tracer opens, records onto, and closes spans, persisting them to a Store
// and publishing lifecycle events onto a Bus. The gateway's spans are a
// primary product (queried via the HTTP trace API), not just a debugging
// aid, so they get a durable backing store in addition to the best-effort
// OTEL emission.
type Tracer interface {
	// Open starts a new span under parent (nil for a root span) and
	// returns its handle plus a context carrying it as the new parent for
	// any ChildScope calls made with that context.
	Open(ctx context.Context, operation string, parent *SpanHandle) (*SpanHandle, context.Context)

	// ChildScope is a convenience for Open(ctx, operation,
	// parentFrom(ctx)).
	ChildScope(ctx context.Context, operation string) (*SpanHandle, context.Context)

	// Record applies mutate to an open span's attributes. Returns
	// ErrSpanClosed if the span has already been closed.
	Record(ctx context.Context, h *SpanHandle, mutate func(*Attributes)) error

	// Close finalizes the span, persists it, and publishes a SpanEnd
	// event.
	Close(ctx context.Context, h *SpanHandle) error
}

type tracer struct {
	store store.Store
	bus   hooks.Bus
	log   telemetry.Logger
	otel  *otelBridge

	mu    map[string]*Span
	mutex sync.Mutex
}

func New(st store.Store, bus hooks.Bus, log telemetry.Logger) Tracer {
	if log == nil {
		log = telemetry.NewNop()
	}
	return &tracer{
		store: st,
		bus:   bus,
		log:   log,
		otel:  newOtelBridge(),
		mu:    make(map[string]*Span),
	}
}

func (t *tracer) Open(ctx context.Context, operation string, parent *SpanHandle) (*SpanHandle, context.Context) {
	bag := BaggageFrom(ctx)
	traceID := bag.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
		bag.TraceID = traceID
		ctx = WithBaggage(ctx, bag)
	}
	spanID := newSpanID()
	var parentSpanID string
	if parent != nil {
		parentSpanID = parent.SpanID
	}

	span := &Span{
		TraceID:      traceID,
		SpanID:       spanID,
		ParentSpanID: parentSpanID,
		RunID:        bag.RunID,
		ThreadID:     bag.ThreadID,
		ProjectID:    bag.ProjectID,
		Operation:    operation,
		StartUS:      nowUS(time.Now()),
	}
	t.put(span)

	handle := &SpanHandle{
		TraceID: traceID, SpanID: spanID, ParentSpanID: parentSpanID,
		RunID: bag.RunID, ThreadID: bag.ThreadID, ProjectID: bag.ProjectID,
		Operation: operation, StartUS: span.StartUS,
	}
	ctx = withParent(ctx, handle)

	t.otel.start(ctx, handle)
	_ = t.bus.Publish(ctx, hooks.NewSpanStartEvent(bag.ThreadID, traceID, spanID, operation))
	return handle, ctx
}

func (t *tracer) ChildScope(ctx context.Context, operation string) (*SpanHandle, context.Context) {
	return t.Open(ctx, operation, parentFrom(ctx))
}

func (t *tracer) Record(ctx context.Context, h *SpanHandle, mutate func(*Attributes)) error {
	span := t.get(h.SpanID)
	if span == nil {
		return ErrSpanClosed
	}
	span.mu.Lock()
	defer span.mu.Unlock()
	if span.closed {
		return ErrSpanClosed
	}
	mutate(&span.Attributes)
	return nil
}

func (t *tracer) Close(ctx context.Context, h *SpanHandle) error {
	span := t.get(h.SpanID)
	if span == nil {
		return ErrSpanClosed
	}
	span.mu.Lock()
	if span.closed {
		span.mu.Unlock()
		return ErrSpanClosed
	}
	span.closed = true
	span.FinishUS = nowUS(time.Now())
	attrJSON, err := json.Marshal(span.Attributes)
	span.mu.Unlock()
	if err != nil {
		attrJSON = []byte(`{}`)
	}

	t.delete(h.SpanID)
	t.otel.end(h, span.Attributes)

	if t.store != nil {
		// Persist even when the request ctx is already canceled (client
		// disconnect), so the span's error attributes are not lost.
		if err := t.store.SaveSpan(context.WithoutCancel(ctx), store.SpanRecord{
			TraceID: span.TraceID, SpanID: span.SpanID, ParentSpanID: span.ParentSpanID,
			RunID: span.RunID, ThreadID: span.ThreadID, ProjectID: span.ProjectID,
			Operation: span.Operation,
			StartUS:   span.StartUS, FinishUS: span.FinishUS, Attribute: attrJSON,
		}); err != nil {
			t.log.Error(ctx, "tracing: save span failed", err, "span_id", h.SpanID)
		}
	}
	return t.bus.Publish(ctx, hooks.NewSpanEndEvent(span.ThreadID, span.TraceID, span.SpanID, span.Operation, attrJSON))
}

func (t *tracer) put(s *Span)         { t.mutex.Lock(); t.mu[s.SpanID] = s; t.mutex.Unlock() }
func (t *tracer) get(id string) *Span { t.mutex.Lock(); defer t.mutex.Unlock(); return t.mu[id] }
func (t *tracer) delete(id string)    { t.mutex.Lock(); delete(t.mu, id); t.mutex.Unlock() }
