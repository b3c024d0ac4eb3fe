package api

import (
	"errors"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/warmfleet/browserpool/internal/upstream"
	"github.com/warmfleet/browserpool/pkg/models"
)

// ContextHandler passes context CRUD through to the upstream provisioning
// service. Contexts live upstream; the gateway only brokers them so clients
// can manage persisted profiles through one API.
type ContextHandler struct {
	client *upstream.Client
	log    *zap.Logger
}

// NewContextHandler creates a new context HTTP handler.
func NewContextHandler(client *upstream.Client, log *zap.Logger) *ContextHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ContextHandler{client: client, log: log}
}

// CreateContext handles POST /v1/contexts.
func (h *ContextHandler) CreateContext(w http.ResponseWriter, r *http.Request) {
	var req models.CreateContextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	context, err := h.client.CreateContext(r.Context(), req.ProjectID)
	if err != nil {
		h.log.Warn("create context", zap.Error(err))
		writeError(w, upstreamStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, context)
}

// GetContext handles GET /v1/contexts/{id}.
func (h *ContextHandler) GetContext(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	context, err := h.client.GetContext(r.Context(), id)
	if err != nil {
		writeError(w, upstreamStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, context)
}

// DeleteContext handles DELETE /v1/contexts/{id}.
func (h *ContextHandler) DeleteContext(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.client.DeleteContext(r.Context(), id); err != nil {
		writeError(w, upstreamStatus(err), err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// upstreamStatus forwards upstream 4xx codes to the client; anything else
// is our gateway's problem.
func upstreamStatus(err error) int {
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500 {
		return statusErr.Code
	}
	return http.StatusBadGateway
}
