// Package router assembles the gateway's middleware chain and mounts the
// documented HTTP surface onto it.
package router

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/orchestrate-ai/gateway/analytics"
	"github.com/orchestrate-ai/gateway/backend"
	"github.com/orchestrate-ai/gateway/budget"
	"github.com/orchestrate-ai/gateway/cache"
	"github.com/orchestrate-ai/gateway/config"
	"github.com/orchestrate-ai/gateway/handler"
	gwmw "github.com/orchestrate-ai/gateway/middleware"
	"github.com/orchestrate-ai/gateway/observability"
	"github.com/orchestrate-ai/gateway/orchestrator"
	"github.com/orchestrate-ai/gateway/ratelimit"
	"github.com/orchestrate-ai/gateway/routing"
)

// Deps bundles every collaborator the router wires into a handler or a
// health/readiness check.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Cache        *cache.Service
	Analytics    *analytics.Pipeline
	Catalog      *routing.Catalog
	Failover     *routing.FailoverState
	Backends     *backend.Registry
	Poller       *backend.HealthPoller
	Pricing      *budget.PricingTable
	Metrics      *observability.Metrics
	RateLimiter  *ratelimit.Limiter
}

// NewRouter returns a configured chi Router with the full middleware chain
// and all documented routes mounted.
func NewRouter(cfg *config.Config, appLogger zerolog.Logger, d Deps) http.Handler {
	r := chi.NewRouter()

	// --- Middleware chain (order matters) ---
	r.Use(gwmw.CORSMiddleware([]string{"*"}))
	r.Use(gwmw.SecurityHeadersMiddleware)
	r.Use(gwmw.RequestIDMiddleware)
	r.Use(chimw.Recoverer)
	r.Use(mwRequestLogger(appLogger))
	r.Use(overloadReject(cfg.QueueHighWatermark, appLogger))
	r.Use(mwMaxBodySize(cfg.MaxBodyBytes))

	// --- Health and metrics (no auth) ---
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, http.StatusOK, "live")
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		ready := len(d.Poller.HealthyEndpoints()) > 0
		if !ready {
			writeHealth(w, http.StatusServiceUnavailable, "no healthy backend endpoints")
			return
		}
		writeHealth(w, http.StatusOK, "ready")
	})
	if d.Metrics != nil {
		r.Get("/metrics", d.Metrics.Handler())
	}

	chatHandler := handler.NewChatHandler(appLogger, d.Orchestrator)
	cacheHandler := handler.NewCacheHandler(d.Cache, appLogger)
	routingHandler := handler.NewRoutingHandler(d.Catalog, d.Failover, appLogger)
	backendHandler := handler.NewBackendHandler(appLogger, d.Backends, d.Poller, d.Pricing)

	authMW := gwmw.NewAuthMiddleware(appLogger, cfg.APIKeyHeader)
	rateLimiter := gwmw.NewRateLimiter(appLogger, cfg.RateLimitEnabled, d.RateLimiter, nil)
	headerNorm := gwmw.NewHeaderNormalization(appLogger)
	timeoutMW := gwmw.NewTimeoutMiddleware(appLogger, cfg)

	var analyticsHandler *handler.AnalyticsHandler
	if d.Analytics != nil {
		analyticsHandler = handler.NewAnalyticsHandler(d.Analytics, appLogger)
	}

	r.Group(func(r chi.Router) {
		r.Use(authMW.Handler)
		r.Use(rateLimiter.Handler)
		r.Use(headerNorm.Handler)
		r.Use(timeoutMW.Handler)

		r.Post("/chat/complete", chatHandler.Complete)
		r.Post("/chat/stream", chatHandler.Stream)
		r.Post("/search/basic", chatHandler.Search)
		r.Post("/research/deep-dive", chatHandler.DeepDive)

		r.Get("/v1/cache/stats", cacheHandler.Stats)
		r.Get("/v1/routing/catalog", routingHandler.Catalog)
		r.Get("/v1/backends", backendHandler.ListBackends)
		r.Get("/v1/pricing/{route}", backendHandler.Pricing)
		if analyticsHandler != nil {
			r.Get("/v1/analytics/pipeline", analyticsHandler.PipelineStats)
		}
	})

	return r
}

func writeHealth(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": detail})
}

// overloadReject rejects new requests once in-flight count passes the
// configured high watermark rather than queueing unboundedly.
func overloadReject(highWatermark int64, logger zerolog.Logger) func(http.Handler) http.Handler {
	guard := gwmw.NewOverloadGuard(highWatermark, logger)
	return guard.Middleware
}

// mwMaxBodySize returns middleware that limits the request body size.
func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 * 1024 * 1024
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > 0 && r.ContentLength > maxBytes {
				http.Error(w, `{"error":"request_too_large","message":"request body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func mwRequestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			dur := time.Since(start)
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", w.Header().Get("X-Request-ID")).
				Int("status", rw.Status()).
				Dur("duration", dur).
				Msg("request completed")
		})
	}
}
