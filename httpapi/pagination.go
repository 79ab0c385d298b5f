package httpapi

import (
	"net/http"
	"strconv"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// pageParams is the clamped (offset, limit) pair shared by every
// paginated endpoint: a request past the end returns an empty page, never
// an error, and repeated requests at the same offset return identical
// pages.
type pageParams struct {
	Offset int
	Limit  int
}

// clampPage clamps raw offset/limit to valid, bounded values: offset
// floors at 0, limit ceils at maxPageLimit, and a limit that is unset or
// not positive (<= 0) falls back to defaultPageLimit.
func clampPage(offset, limit int) pageParams {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return pageParams{Offset: offset, Limit: limit}
}

// pageFromQuery reads offset/limit from the URL query string.
func pageFromQuery(r *http.Request) pageParams {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return clampPage(offset, limit)
}

// mergePageBody overlays offset/limit carried in a decoded JSON body on
// top of query-string values, body taking precedence when set: POST-body
// pagination parameters must not be silently ignored. Absent body fields
// leave the query value as-is.
func mergePageBody(base pageParams, bodyOffset, bodyLimit *int) pageParams {
	offset, limit := base.Offset, base.Limit
	if bodyOffset != nil {
		offset = *bodyOffset
	}
	if bodyLimit != nil {
		limit = *bodyLimit
	}
	return clampPage(offset, limit)
}
