package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/vllora/gateway/tracing/store"
)

type threadSummary struct {
	ThreadID string `json:"thread_id"`
	RunID    string `json:"run_id"`
	StartUS  uint64 `json:"start_us"`
}

type threadListResponse struct {
	Data       []threadSummary `json:"data"`
	NextOffset int             `json:"next_offset"`
}

type threadListBody struct {
	Offset *int `json:"offset,omitempty"`
	Limit  *int `json:"limit,omitempty"`
}

// handleListThreads implements GET /threads and POST /threads:
// infinite-scroll clients page through "run" spans (one per
// pipeline.Handle invocation) as the thread timeline, newest first. The
// POST variant additionally honors offset/limit carried in the JSON body.
// Duplicate requests at the same offset return identical pages, and an
// offset past the end returns an empty page, never an error.
func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	page := pageFromQuery(r)

	if r.Method == http.MethodPost && r.ContentLength != 0 {
		var body threadListBody
		if !decodeJSONBody(w, r, 4096, &body) {
			return
		}
		page = mergePageBody(page, body.Offset, body.Limit)
	}

	runs, err := s.store.ListSpans(r.Context(), store.TraceQuery{Limit: 1000})
	if err != nil {
		writeError(w, err)
		return
	}

	summaries := make([]threadSummary, 0, len(runs))
	for _, rec := range runs {
		if rec.Operation != "run" {
			continue
		}
		summaries = append(summaries, threadSummary{ThreadID: rec.ThreadID, RunID: rec.TraceID, StartUS: rec.StartUS})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].StartUS > summaries[j].StartUS })

	data := paginate(summaries, page)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(threadListResponse{Data: data, NextOffset: page.Offset + len(data)})
}

func paginate(all []threadSummary, page pageParams) []threadSummary {
	if page.Offset >= len(all) {
		return []threadSummary{}
	}
	end := page.Offset + page.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[page.Offset:end]
}
