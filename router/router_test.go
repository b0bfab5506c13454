package router

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/orchestrate-ai/gateway/analytics"
	"github.com/orchestrate-ai/gateway/backend"
	"github.com/orchestrate-ai/gateway/budget"
	"github.com/orchestrate-ai/gateway/cache"
	"github.com/orchestrate-ai/gateway/config"
	"github.com/orchestrate-ai/gateway/observability"
	"github.com/orchestrate-ai/gateway/orchestrator"
	"github.com/orchestrate-ai/gateway/ratelimit"
	"github.com/orchestrate-ai/gateway/routing"
	"github.com/orchestrate-ai/gateway/workflow"
)

func testSetup() http.Handler {
	cfg := &config.Config{
		Addr:               ":0",
		Env:                "test",
		RateLimitEnabled:   false,
		APIKeyHeader:       "Authorization",
		MaxBodyBytes:       1 << 20,
		QueueHighWatermark: 1000,
		RequestTimeout:     5 * time.Second,
	}
	log := zerolog.New(io.Discard).With().Timestamp().Logger()

	registry := backend.NewRegistry()
	poller := backend.NewHealthPoller(registry, log, time.Hour)

	cacheSvc := cache.NewService(cache.Config{L1MaxItems: 100, L1MaxBytes: 1 << 20}, nil, log)
	pool := backend.NewPool(registry, poller, log, 4)
	catalog := routing.NewCatalog(routing.RouteMeta{Name: "r1", Model: "m1"})
	bandit := routing.NewBandit(1, 1)
	failover := routing.NewFailoverState(3, time.Minute)
	ledger := budget.NewLedger()
	pricing := budget.DefaultPricingTable()
	tokens := budget.NewTokenCounter(4)

	deps := workflow.Deps{Cache: cacheSvc, Catalog: catalog, Bandit: bandit, Pool: pool, Logger: log, RouteClass: "default"}
	chatGraph, chatReg := workflow.BuildChatGraph(deps)
	executor := workflow.NewExecutor(4, log)
	pipeline := analytics.NewPipeline(log, analytics.NewLogSink(log))
	metrics := observability.NewMetrics(log)

	orch := orchestrator.New(orchestrator.Config{
		DefaultRoute:      "r1",
		RouteClass:        "default",
		FallbackModel:     "m1",
		DefaultMonthlyCap: 100,
		RewardWeights:     routing.DefaultRewardWeights(),
	}, orchestrator.Deps{
		Cache: cacheSvc, Catalog: catalog, Bandit: bandit, Pool: pool,
		Ledger: ledger, Pricing: pricing, Tokens: tokens,
		Graphs:   orchestrator.TaskGraphs{Chat: chatGraph, ChatReg: chatReg},
		Executor: executor, Analytics: pipeline, Metrics: metrics, Logger: log,
	})

	limiter := ratelimit.NewLimiter(ratelimit.Config{})

	return NewRouter(cfg, log, Deps{
		Orchestrator: orch,
		Cache:        cacheSvc,
		Analytics:    pipeline,
		Catalog:      catalog,
		Failover:     failover,
		Backends:     registry,
		Poller:       poller,
		Pricing:      pricing,
		Metrics:      metrics,
		RateLimiter:  limiter,
	})
}

func TestHealthEndpoints(t *testing.T) {
	r := testSetup()

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"live", "/health/live", http.StatusOK},
		{"ready-no-backends", "/health/ready", http.StatusServiceUnavailable},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			rw := httptest.NewRecorder()
			r.ServeHTTP(rw, req)
			if rw.Result().StatusCode != tc.status {
				t.Fatalf("expected %d for %s, got %d", tc.status, tc.path, rw.Result().StatusCode)
			}
		})
	}
}

func TestUnauthenticatedChatReturns401(t *testing.T) {
	r := testSetup()

	req := httptest.NewRequest(http.MethodPost, "/chat/complete", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unauthenticated /chat/complete, got %d", rw.Result().StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	r := testSetup()

	req := httptest.NewRequest(http.MethodOptions, "/chat/complete", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatal("expected CORS Allow-Origin header on preflight response")
	}
}

func TestSecurityHeaders(t *testing.T) {
	r := testSetup()

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	headers := []string{
		"X-Content-Type-Options",
		"X-Frame-Options",
		"Strict-Transport-Security",
	}
	for _, h := range headers {
		if rw.Header().Get(h) == "" {
			t.Fatalf("expected security header %s to be set", h)
		}
	}
}
