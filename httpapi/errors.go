// Package httpapi is the thin OpenAI-compatible HTTP/SSE transport over
// pipeline.Pipeline: chat completions, embeddings, the Responses API,
// model catalog, thread/span introspection, and breakpoint control. Every
// handler here decodes a wire request, delegates to
// pipeline/tracing/breakpoint, and encodes the result; no dispatch logic
// lives in this package.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vllora/gateway/apierr"
)

// errorBody is the wire shape of every error response:
// {error: {type, code, message}}, never leaking Cause beyond what's
// already recorded on the span.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps an apierr.Kind to its HTTP status.
func statusFor(kind apierr.Kind) int {
	switch kind {
	case apierr.KindBadRequest:
		return http.StatusBadRequest
	case apierr.KindUnauthorized:
		return http.StatusUnauthorized
	case apierr.KindRateLimited:
		return http.StatusTooManyRequests
	case apierr.KindUpstream:
		return http.StatusBadGateway
	case apierr.KindCanceled:
		return 499 // client closed request, nginx convention; no client response possible
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as the standard error envelope, classifying it
// through apierr when possible and falling back to 500/internal for
// anything that never went through the gateway's error taxonomy.
func writeError(w http.ResponseWriter, err error) {
	var apiErr *apierr.Error
	kind := apierr.KindInternal
	code := "internal"
	message := err.Error()
	if errors.As(err, &apiErr) {
		kind = apiErr.Kind
		code = apiErr.Code
		message = apiErr.Message
	}
	status := statusFor(kind)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Type: string(kind), Code: code, Message: message}})
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Type: "bad_request", Code: code, Message: message}})
}
