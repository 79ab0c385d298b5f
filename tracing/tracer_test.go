package tracing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vllora/gateway/hooks"
	"github.com/vllora/gateway/tracing"
	"github.com/vllora/gateway/tracing/store/sqlite"
)

func newTestTracer(t *testing.T) (tracing.Tracer, *sqlite.Store) {
	t.Helper()
	st, err := sqlite.New("file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, st.Init(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return tracing.New(st, hooks.NewBus(), nil), st
}

func TestOpenRecordClosePersists(t *testing.T) {
	tr, st := newTestTracer(t)
	ctx := tracing.WithBaggage(context.Background(), tracing.Baggage{
		TraceID: "run-1", RunID: "run-1", ThreadID: "thread-1", ProjectID: "proj-1",
	})

	handle, ctx := tr.Open(ctx, "api_invoke", nil)
	require.NoError(t, tr.Record(ctx, handle, func(a *tracing.Attributes) {
		a.Model = "gpt-4o"
		cost := 0.015
		a.Cost = &cost
	}))
	require.NoError(t, tr.Close(ctx, handle))

	rec, err := st.GetSpan(context.Background(), handle.SpanID)
	require.NoError(t, err)
	require.Equal(t, "api_invoke", rec.Operation)
	require.Equal(t, "run-1", rec.RunID)
	require.Equal(t, "thread-1", rec.ThreadID)
	require.Equal(t, "proj-1", rec.ProjectID)
	require.Contains(t, string(rec.Attribute), "gpt-4o")
}

func TestRecordAfterCloseReturnsErrSpanClosed(t *testing.T) {
	tr, _ := newTestTracer(t)
	ctx := tracing.WithBaggage(context.Background(), tracing.Baggage{ThreadID: "thread-2"})

	handle, ctx := tr.Open(ctx, "dispatch", nil)
	require.NoError(t, tr.Close(ctx, handle))

	err := tr.Record(ctx, handle, func(a *tracing.Attributes) { a.Model = "too-late" })
	require.ErrorIs(t, err, tracing.ErrSpanClosed)

	err = tr.Close(ctx, handle)
	require.ErrorIs(t, err, tracing.ErrSpanClosed)
}

func TestChildScopeInheritsParentAndTrace(t *testing.T) {
	tr, _ := newTestTracer(t)
	ctx := tracing.WithBaggage(context.Background(), tracing.Baggage{ThreadID: "thread-3"})

	parent, ctx := tr.Open(ctx, "pipeline", nil)
	child, ctx := tr.ChildScope(ctx, "route")
	require.Equal(t, parent.TraceID, child.TraceID)
	require.Equal(t, parent.SpanID, child.ParentSpanID)

	require.NoError(t, tr.Close(ctx, child))
	require.NoError(t, tr.Close(ctx, parent))
}
