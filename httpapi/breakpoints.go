package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/vllora/gateway/breakpoint"
)

type breakpointArmRequest struct {
	ThreadID  string   `json:"thread_id"`
	Operation string   `json:"operation"`
	Tags      []string `json:"chunk_types,omitempty"`
}

// handleBreakpointArm implements POST /breakpoints/arm: the armed
// predicate matches chunk/operation pairs the way
// breakpoint.Manager.Armed is invoked from pipeline.dispatchStream — by
// operation name and an in-flight metadata map carrying "chunk_type". An
// empty chunk_types list arms on every chunk type for that operation.
func (s *Server) handleBreakpointArm(w http.ResponseWriter, r *http.Request) {
	var req breakpointArmRequest
	if !decodeJSONBody(w, r, 4096, &req) {
		return
	}
	if req.ThreadID == "" {
		writeJSONError(w, http.StatusBadRequest, "thread_id_required", "thread_id is required")
		return
	}

	allowed := make(map[string]bool, len(req.Tags))
	for _, t := range req.Tags {
		allowed[t] = true
	}
	operation := req.Operation

	s.breakpoints.Arm(req.ThreadID, func(op string, meta map[string]any) bool {
		if operation != "" && op != operation {
			return false
		}
		if len(allowed) == 0 {
			return true
		}
		ct, _ := meta["chunk_type"].(string)
		return allowed[ct]
	})

	w.WriteHeader(http.StatusAccepted)
}

type breakpointListResponse struct {
	Data []breakpoint.Record `json:"data"`
}

// handleBreakpointList implements GET /breakpoints/list?thread_id=….
func (s *Server) handleBreakpointList(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		writeJSONError(w, http.StatusBadRequest, "thread_id_required", "thread_id is required")
		return
	}
	records := s.breakpoints.List(threadID)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(breakpointListResponse{Data: records})
}

type breakpointResumeRequest struct {
	ThreadID string `json:"thread_id"`
	SpanID   string `json:"span_id"`
	Action   string `json:"action"`
	Notes    string `json:"notes,omitempty"`
}

// handleBreakpointResume implements POST /breakpoints/resume.
func (s *Server) handleBreakpointResume(w http.ResponseWriter, r *http.Request) {
	var req breakpointResumeRequest
	if !decodeJSONBody(w, r, 4096, &req) {
		return
	}
	action := breakpoint.ActionContinue
	if req.Action == string(breakpoint.ActionAbort) {
		action = breakpoint.ActionAbort
	}
	if err := s.breakpoints.Resume(req.ThreadID, req.SpanID, breakpoint.Decision{Action: action, Notes: req.Notes}); err != nil {
		writeJSONError(w, http.StatusNotFound, "not_paused", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleBreakpointSubscribe implements GET /breakpoints/subscribe?thread_id=…
// as an SSE stream of every event buffered or published on threadID since
// join, each framed as an `event: <type>` line plus a `data: <json>` line.
// The loop ends when the listener channel is closed by
// breakpoint.Manager.CloseThread or when the client's request context is
// done. A later Join replaces the thread's listener without closing the
// earlier channel.
func (s *Server) handleBreakpointSubscribe(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		writeJSONError(w, http.StatusBadRequest, "thread_id_required", "thread_id is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support flushing")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	events := s.breakpoints.Join(threadID, 0)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: "))
			_, _ = w.Write([]byte(ev.EventType()))
			_, _ = w.Write([]byte("\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
