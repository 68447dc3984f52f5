package request

import (
	"net/http"
	"strconv"
)

// Pagination holds parsed limit/skip paging parameters.
type Pagination struct {
	Limit int
	Skip  int
}

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ParsePagination extracts limit and skip from query parameters.
func ParsePagination(r *http.Request) Pagination {
	p := Pagination{Limit: DefaultLimit}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			p.Limit = limit
		}
	}
	if skipStr := r.URL.Query().Get("skip"); skipStr != "" {
		if skip, err := strconv.Atoi(skipStr); err == nil && skip > 0 {
			p.Skip = skip
		}
	}

	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}

	return p
}
