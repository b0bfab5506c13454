package handler

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/orchestrate-ai/gateway/cache"
)

// CacheHandler exposes read-only visibility into the two-tier cache.
type CacheHandler struct {
	svc    *cache.Service
	logger zerolog.Logger
}

func NewCacheHandler(svc *cache.Service, logger zerolog.Logger) *CacheHandler {
	return &CacheHandler{svc: svc, logger: logger.With().Str("handler", "cache").Logger()}
}

// Stats handles GET /v1/cache/stats.
func (h *CacheHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Stats())
}
