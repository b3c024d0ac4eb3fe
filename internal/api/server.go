package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/warmfleet/browserpool/internal/proxy"
	"github.com/warmfleet/browserpool/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes. contexts may be nil when no
// upstream provisioning service is configured (local Docker mode); the
// context endpoints are then absent.
func (h *Handler) SetupRoutes(contexts *ContextHandler, proxyServer *proxy.Server, limiter *ratelimit.Limiter, requestsPerMinute int) http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/v1").Subrouter()

	// Session endpoints are rate limited per project.
	limited := api.PathPrefix("").Subrouter()
	limited.Use(RateLimitMiddleware(limiter, requestsPerMinute))
	limited.HandleFunc("/sessions", h.CreateSession).Methods("POST")
	limited.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	limited.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	limited.HandleFunc("/sessions/{id}", h.DeleteSession).Methods("DELETE")

	// Debug and observability endpoints are not rate limited.
	api.HandleFunc("/sessions/{id}/debug", h.GetDebugURL).Methods("GET")
	api.HandleFunc("/sessions/{id}/ws", func(w http.ResponseWriter, r *http.Request) {
		proxyServer.HandleDebugConnection(w, r, mux.Vars(r)["id"])
	}).Methods("GET")
	api.HandleFunc("/pool/stats", h.GetPoolStats).Methods("GET")

	if contexts != nil {
		api.HandleFunc("/contexts", contexts.CreateContext).Methods("POST")
		api.HandleFunc("/contexts/{id}", contexts.GetContext).Methods("GET")
		api.HandleFunc("/contexts/{id}", contexts.DeleteContext).Methods("DELETE")
	}

	// CORS wraps the router rather than riding mux middleware: mux skips
	// middleware on method mismatches, which is exactly what an OPTIONS
	// preflight is.
	return corsMiddleware(r)
}

// corsMiddleware adds CORS headers.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Project-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
