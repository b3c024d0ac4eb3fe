package api

import (
	"errors"
	"fmt"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/warmfleet/browserpool/internal/gateway"
	"github.com/warmfleet/browserpool/internal/pool"
	"github.com/warmfleet/browserpool/pkg/models"
)

// StatsFunc snapshots the regional pools for the stats endpoint.
type StatsFunc func() []models.PoolStats

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	gateway *gateway.Manager
	stats   StatsFunc
	log     *zap.Logger
}

// NewHandler creates a new HTTP handler.
func NewHandler(gw *gateway.Manager, stats StatsFunc, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{gateway: gw, stats: stats, log: log}
}

// CreateSession handles POST /v1/sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	session, err := h.gateway.CreateSession(r.Context(), req)
	if err != nil {
		h.log.Warn("create session",
			zap.String("projectId", req.ProjectID),
			zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, session)
}

// GetSession handles GET /v1/sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	session, err := h.gateway.GetSession(id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// ListSessions handles GET /v1/sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("projectId")
	status := models.SessionStatus(r.URL.Query().Get("status"))

	writeJSON(w, http.StatusOK, h.gateway.ListSessions(projectID, status))
}

// DeleteSession handles DELETE /v1/sessions/{id}. With ?failed=true the
// browser behind the lease is destroyed instead of recycled.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var err error
	if r.URL.Query().Get("failed") == "true" {
		err = h.gateway.FailSession(id)
	} else {
		err = h.gateway.DeleteSession(id)
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetDebugURL handles GET /v1/sessions/{id}/debug.
func (h *Handler) GetDebugURL(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	session, err := h.gateway.GetSession(id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	debugURL := fmt.Sprintf("ws://%s/v1/sessions/%s/ws", r.Host, session.ID)
	writeJSON(w, http.StatusOK, map[string]string{
		"debuggerUrl": debugURL,
		"sessionId":   session.ID,
		"status":      string(session.Status),
	})
}

// GetPoolStats handles GET /v1/pool/stats.
func (h *Handler) GetPoolStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.stats())
}

// statusFor maps gateway and pool errors onto HTTP statuses. Exhaustion and
// concurrency caps are both "try again later" for clients, hence 429; a
// broken upstream is a 502 so callers can tell our fault from theirs.
func statusFor(err error) int {
	switch {
	case errors.Is(err, gateway.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrSessionNotActive):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrConcurrencyLimit), errors.Is(err, pool.ErrPoolExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrShuttingDown), errors.Is(err, pool.ErrPoolClosed):
		return http.StatusServiceUnavailable
	}

	var provisioningErr *pool.ProvisioningError
	var connectionErr *pool.ConnectionError
	if errors.As(err, &provisioningErr) || errors.As(err, &connectionErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
