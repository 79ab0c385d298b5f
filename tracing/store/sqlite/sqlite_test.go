package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vllora/gateway/tracing/store"
	"github.com/vllora/gateway/tracing/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New("file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, st.Init(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func record(traceID, spanID, threadID, op string, startUS uint64) store.SpanRecord {
	return store.SpanRecord{
		TraceID: traceID, SpanID: spanID, ThreadID: threadID,
		Operation: op, StartUS: startUS, FinishUS: startUS + 10,
		Attribute: []byte(`{"model":"gpt-4o-mini"}`),
	}
}

func TestSaveAndGetSpanRoundTrips(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	rec := record("tr-1", "sp-1", "th-1", "api_invoke", 100)
	rec.ParentSpanID = "sp-0"
	require.NoError(t, st.SaveSpan(ctx, rec))

	got, err := st.GetSpan(ctx, "sp-1")
	require.NoError(t, err)
	require.Equal(t, "tr-1", got.TraceID)
	require.Equal(t, "sp-0", got.ParentSpanID)
	require.Equal(t, "api_invoke", got.Operation)
	require.JSONEq(t, `{"model":"gpt-4o-mini"}`, string(got.Attribute))
}

func TestGetSpanReturnsErrNotFound(t *testing.T) {
	st := newStore(t)
	_, err := st.GetSpan(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSaveSpanUpsertsOnConflict(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	rec := record("tr-1", "sp-1", "th-1", "run", 100)
	require.NoError(t, st.SaveSpan(ctx, rec))

	rec.FinishUS = 999
	rec.Attribute = []byte(`{"cost":0.02}`)
	require.NoError(t, st.SaveSpan(ctx, rec))

	got, err := st.GetSpan(ctx, "sp-1")
	require.NoError(t, err)
	require.Equal(t, uint64(999), got.FinishUS)
	require.JSONEq(t, `{"cost":0.02}`, string(got.Attribute))
}

func TestListSpansFiltersByTraceAndThread(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveSpan(ctx, record("tr-1", "sp-1", "th-1", "run", 100)))
	require.NoError(t, st.SaveSpan(ctx, record("tr-1", "sp-2", "th-1", "api_invoke", 110)))
	require.NoError(t, st.SaveSpan(ctx, record("tr-2", "sp-3", "th-2", "run", 120)))

	byTrace, err := st.ListSpans(ctx, store.TraceQuery{TraceID: "tr-1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, byTrace, 2)

	byThread, err := st.ListSpans(ctx, store.TraceQuery{ThreadID: "th-2", Limit: 10})
	require.NoError(t, err)
	require.Len(t, byThread, 1)
	require.Equal(t, "sp-3", byThread[0].SpanID)
}

func TestListSpansOrdersByStartAndPaginates(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, st.SaveSpan(ctx, record("tr-1", spanID(i), "th-1", "run", uint64(100+i))))
	}

	page, err := st.ListSpans(ctx, store.TraceQuery{TraceID: "tr-1", Offset: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, spanID(1), page[0].SpanID)
	require.Equal(t, spanID(2), page[1].SpanID)
}

func TestListSpansFiltersByProject(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	recA := record("tr-1", "sp-1", "th-1", "run", 100)
	recA.ProjectID = "proj-a"
	recA.RunID = "tr-1"
	recB := record("tr-2", "sp-2", "th-2", "run", 110)
	recB.ProjectID = "proj-b"
	require.NoError(t, st.SaveSpan(ctx, recA))
	require.NoError(t, st.SaveSpan(ctx, recB))

	rows, err := st.ListSpans(ctx, store.TraceQuery{ProjectID: "proj-a", Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "sp-1", rows[0].SpanID)
	require.Equal(t, "proj-a", rows[0].ProjectID)
	require.Equal(t, "tr-1", rows[0].RunID)
}

func TestListSpansTimeRangeFilter(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	base := time.Unix(0, 0)
	require.NoError(t, st.SaveSpan(ctx, record("tr-1", "early", "th-1", "run", uint64(base.Add(time.Second).UnixMicro()))))
	require.NoError(t, st.SaveSpan(ctx, record("tr-1", "late", "th-1", "run", uint64(base.Add(time.Hour).UnixMicro()))))

	rows, err := st.ListSpans(ctx, store.TraceQuery{
		TraceID: "tr-1",
		Since:   base.Add(time.Minute),
		Limit:   10,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "late", rows[0].SpanID)
}

func spanID(i int) string { return string(rune('a'+i)) + "-span" }
