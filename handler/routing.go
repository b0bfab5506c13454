package handler

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/orchestrate-ai/gateway/routing"
)

// RoutingHandler exposes read-only visibility into the route catalog and
// failover state. Routes are registered at startup from config, not
// managed as CRUD resources over HTTP.
type RoutingHandler struct {
	catalog  *routing.Catalog
	failover *routing.FailoverState
	logger   zerolog.Logger
}

func NewRoutingHandler(catalog *routing.Catalog, failover *routing.FailoverState, logger zerolog.Logger) *RoutingHandler {
	return &RoutingHandler{catalog: catalog, failover: failover, logger: logger.With().Str("handler", "routing").Logger()}
}

type routeStatus struct {
	routing.RouteMeta
	Healthy bool `json:"healthy"`
}

// Catalog handles GET /v1/routing/catalog: every registered route plus
// its current failover health.
func (h *RoutingHandler) Catalog(w http.ResponseWriter, r *http.Request) {
	candidates := h.catalog.Candidates(routing.Constraints{})
	statuses := make([]routeStatus, 0, len(candidates))
	for _, route := range candidates {
		statuses = append(statuses, routeStatus{RouteMeta: route, Healthy: h.failover.IsHealthy(route.Name)})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"routes": statuses})
}
