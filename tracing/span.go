// Package tracing implements the gateway's span-based tracer: every
// pipeline step opens a span, records typed attributes on it, and closes
// it into a relational span store. Traces persist independent of whatever
// OTEL collector is (or isn't) attached.
package tracing

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SpanHandle identifies an open or closed span.
type SpanHandle struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	RunID        string
	ThreadID     string
	ProjectID    string
	Operation    string
	StartUS      uint64
}

// Span is the mutable record backing a SpanHandle while it's being built;
// it is what gets persisted to the store on Close.
type Span struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	RunID        string
	ThreadID     string
	ProjectID    string
	Operation    string
	StartUS      uint64
	FinishUS     uint64
	Attributes   Attributes

	mu     sync.Mutex
	closed bool
}

// ErrSpanClosed is returned by Record when called against an already-closed
// span, instead of panicking or silently dropping the write.
var ErrSpanClosed = spanClosedError{}

type spanClosedError struct{}

func (spanClosedError) Error() string { return "tracing: span is closed" }

func newSpanID() string { return uuid.NewString() }

// nowUS returns microseconds since the Unix epoch.
func nowUS(t time.Time) uint64 { return uint64(t.UnixMicro()) }
