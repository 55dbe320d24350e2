package worker

import (
	"net/http"
	"strconv"
)

// queryInt returns the named query parameter as a non-negative integer.
// Missing or malformed values yield 0, which the engine replaces with
// its default for that parameter.
func queryInt(r *http.Request, name string) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// queryPage reads limit and offset.
func queryPage(r *http.Request) (limit, offset int) {
	return queryInt(r, "limit"), queryInt(r, "offset")
}
