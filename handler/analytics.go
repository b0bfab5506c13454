package handler

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/orchestrate-ai/gateway/analytics"
)

// AnalyticsHandler exposes the event pipeline's cumulative counters.
// Cold-storage query endpoints (cost-by-team, CSV export, daily rollups)
// depended on a ClickHouse-backed store this gateway doesn't have; the
// pipeline here only ever feeds a LogSink, so the only honest surface is
// a snapshot of its own counters.
type AnalyticsHandler struct {
	pipeline *analytics.Pipeline
	logger   zerolog.Logger
}

func NewAnalyticsHandler(pipeline *analytics.Pipeline, logger zerolog.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{pipeline: pipeline, logger: logger.With().Str("handler", "analytics").Logger()}
}

// PipelineStats handles GET /v1/analytics/pipeline.
func (h *AnalyticsHandler) PipelineStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pipeline.Stats())
}
