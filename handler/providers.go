package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/orchestrate-ai/gateway/backend"
	"github.com/orchestrate-ai/gateway/budget"
)

// BackendHandler exposes read-only visibility into the backend pool's
// registry, health, and pricing — the closest analogue left to the
// teacher's provider CRUD surface once local inference endpoints replaced
// hosted providers as the backend model.
type BackendHandler struct {
	logger   zerolog.Logger
	registry *backend.Registry
	poller   *backend.HealthPoller
	pricing  *budget.PricingTable
}

func NewBackendHandler(logger zerolog.Logger, registry *backend.Registry, poller *backend.HealthPoller, pricing *budget.PricingTable) *BackendHandler {
	return &BackendHandler{logger: logger, registry: registry, poller: poller, pricing: pricing}
}

type backendStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
}

// ListBackends handles GET /v1/backends.
func (h *BackendHandler) ListBackends(w http.ResponseWriter, r *http.Request) {
	names := h.registry.List()
	out := make([]backendStatus, 0, len(names))
	for _, name := range names {
		out = append(out, backendStatus{Name: name, Healthy: h.poller.IsHealthy(name)})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"backends": out})
}

// Pricing handles GET /v1/pricing/{route}: the per-route cost table the
// budget ledger estimates and settles against.
func (h *BackendHandler) Pricing(w http.ResponseWriter, r *http.Request) {
	route := chi.URLParam(r, "route")
	price, ok := h.pricing.Get(route)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_route", "no pricing registered for route "+route)
		return
	}
	writeJSON(w, http.StatusOK, price)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, apiError{Error: apiErrorBody{Type: errType, Message: message}})
}
