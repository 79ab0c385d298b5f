package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/vllora/gateway/tracing/store"
)

type spanEntry struct {
	TraceID      string          `json:"trace_id"`
	SpanID       string          `json:"span_id"`
	ParentSpanID string          `json:"parent_span_id,omitempty"`
	RunID        string          `json:"run_id,omitempty"`
	ThreadID     string          `json:"thread_id"`
	ProjectID    string          `json:"project_id,omitempty"`
	Operation    string          `json:"operation_name"`
	StartUS      uint64          `json:"start_us"`
	FinishUS     uint64          `json:"finish_us"`
	Attribute    json.RawMessage `json:"attribute,omitempty"`
}

type spanListResponse struct {
	Data []spanEntry `json:"data"`
}

// handleListSpans implements GET
// /spans?labels=…&project_id=…&thread_id=…&trace_id=…. The project_id,
// thread_id, and trace_id filters push down to the store's indexed
// columns; `labels` filters on `attribute.$.label` via
// json_extract-equivalent client-side matching, since store.Store's
// TraceQuery doesn't expose a label predicate of its own.
func (s *Server) handleListSpans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := pageFromQuery(r)

	query := store.TraceQuery{
		TraceID:   q.Get("trace_id"),
		ThreadID:  q.Get("thread_id"),
		ProjectID: q.Get("project_id"),
		Offset:    page.Offset,
		Limit:     page.Limit,
	}

	records, err := s.store.ListSpans(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}

	label := q.Get("labels")
	data := make([]spanEntry, 0, len(records))
	for _, rec := range records {
		if label != "" && !attributeHasLabel(rec.Attribute, label) {
			continue
		}
		data = append(data, spanEntry{
			TraceID: rec.TraceID, SpanID: rec.SpanID, ParentSpanID: rec.ParentSpanID,
			RunID: rec.RunID, ThreadID: rec.ThreadID, ProjectID: rec.ProjectID,
			Operation: rec.Operation,
			StartUS:   rec.StartUS, FinishUS: rec.FinishUS, Attribute: rec.Attribute,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(spanListResponse{Data: data})
}

func attributeHasLabel(attr []byte, label string) bool {
	if len(attr) == 0 {
		return false
	}
	var v struct {
		Label string `json:"label"`
	}
	if err := json.Unmarshal(attr, &v); err != nil {
		return false
	}
	return v.Label == label
}
