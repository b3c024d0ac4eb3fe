package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/warmfleet/browserpool/internal/ratelimit"
)

// RateLimitMiddleware enforces per-project request limits on the wrapped
// routes. Requests without a project identity pass through unmetered.
func RateLimitMiddleware(limiter *ratelimit.Limiter, requestsPerMinute int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			projectID := getProjectID(r)
			if projectID == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !limiter.Allow(projectID) {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerMinute))
				w.Header().Set("X-RateLimit-Remaining", "0")
				writeError(w, http.StatusTooManyRequests,
					fmt.Sprintf("rate limit exceeded: maximum %d requests per minute per project", requestsPerMinute))
				return
			}

			tokens := limiter.Tokens(projectID)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerMinute))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(tokens)))

			next.ServeHTTP(w, r)
		})
	}
}

// getProjectID extracts the project identity from the query string or the
// X-Project-ID header. Request bodies are left unread so handlers can still
// decode them.
func getProjectID(r *http.Request) string {
	if projectID := r.URL.Query().Get("projectId"); projectID != "" {
		return projectID
	}
	return r.Header.Get("X-Project-ID")
}
