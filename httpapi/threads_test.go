package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vllora/gateway/pipeline"
	"github.com/vllora/gateway/provider"
	"github.com/vllora/gateway/tracing/store"
)

type threadPage struct {
	Data []struct {
		ThreadID string `json:"thread_id"`
		RunID    string `json:"run_id"`
		StartUS  uint64 `json:"start_us"`
	} `json:"data"`
	NextOffset int `json:"next_offset"`
}

// seedRuns persists n "run" spans with strictly increasing start times, so
// the newest-first thread listing is deterministic.
func seedRuns(t *testing.T, st store.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, st.SaveSpan(context.Background(), store.SpanRecord{
			TraceID:   fmt.Sprintf("trace-%02d", i),
			SpanID:    fmt.Sprintf("span-%02d", i),
			ThreadID:  fmt.Sprintf("thread-%02d", i),
			Operation: "run",
			StartUS:   uint64(1000 + i),
			FinishUS:  uint64(2000 + i),
			Attribute: []byte(`{}`),
		}))
	}
}

func postThreads(t *testing.T, srv http.Handler, body map[string]any) threadPage {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/threads", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var page threadPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	return page
}

func TestPostThreadsHonorsBodyPagination(t *testing.T) {
	srv, st := newTestServer(t, map[string]provider.Client{}, map[string]pipeline.ModelInfo{})
	seedRuns(t, st, 20)

	page := postThreads(t, srv, map[string]any{"offset": 10, "limit": 5})
	require.Len(t, page.Data, 5)
	require.Equal(t, 15, page.NextOffset)

	// Newest first: offset 10 of 20 runs starts at the 11th-newest.
	require.Equal(t, "thread-09", page.Data[0].ThreadID)
	require.Equal(t, "thread-05", page.Data[4].ThreadID)
}

func TestPostThreadsDuplicateOffsetReturnsIdenticalPages(t *testing.T) {
	srv, st := newTestServer(t, map[string]provider.Client{}, map[string]pipeline.ModelInfo{})
	seedRuns(t, st, 12)

	first := postThreads(t, srv, map[string]any{"offset": 4, "limit": 4})
	second := postThreads(t, srv, map[string]any{"offset": 4, "limit": 4})
	require.Equal(t, first, second)
}

func TestPostThreadsOffsetPastEndReturnsEmptyPage(t *testing.T) {
	srv, st := newTestServer(t, map[string]provider.Client{}, map[string]pipeline.ModelInfo{})
	seedRuns(t, st, 3)

	page := postThreads(t, srv, map[string]any{"offset": 50, "limit": 10})
	require.Empty(t, page.Data)
	require.Equal(t, 50, page.NextOffset)
}

func TestPostThreadsClampsNegativeParams(t *testing.T) {
	srv, st := newTestServer(t, map[string]provider.Client{}, map[string]pipeline.ModelInfo{})
	seedRuns(t, st, 5)

	page := postThreads(t, srv, map[string]any{"offset": -3, "limit": -1})
	require.Len(t, page.Data, 5, "negative offset clamps to 0 and negative limit falls back to the default")
	require.Equal(t, 5, page.NextOffset)
}

func TestGetThreadsUsesQueryParams(t *testing.T) {
	srv, st := newTestServer(t, map[string]provider.Client{}, map[string]pipeline.ModelInfo{})
	seedRuns(t, st, 6)

	req := httptest.NewRequest(http.MethodGet, "/threads?offset=2&limit=2", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var page threadPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Data, 2)
	require.Equal(t, "thread-03", page.Data[0].ThreadID)
}

func TestPostThreadsListsOnlyRunSpans(t *testing.T) {
	srv, st := newTestServer(t, map[string]provider.Client{}, map[string]pipeline.ModelInfo{})
	seedRuns(t, st, 2)
	require.NoError(t, st.SaveSpan(context.Background(), store.SpanRecord{
		TraceID: "trace-x", SpanID: "span-x", ThreadID: "thread-x",
		Operation: "api_invoke", StartUS: 5000, FinishUS: 6000, Attribute: []byte(`{}`),
	}))

	page := postThreads(t, srv, map[string]any{"offset": 0, "limit": 10})
	require.Len(t, page.Data, 2, "non-run spans must not appear in the thread timeline")
}
