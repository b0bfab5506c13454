package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orchestrate-ai/gateway/analytics"
	"github.com/orchestrate-ai/gateway/backend"
	"github.com/orchestrate-ai/gateway/budget"
	"github.com/orchestrate-ai/gateway/cache"
	"github.com/orchestrate-ai/gateway/config"
	"github.com/orchestrate-ai/gateway/logger"
	"github.com/orchestrate-ai/gateway/observability"
	"github.com/orchestrate-ai/gateway/orchestrator"
	"github.com/orchestrate-ai/gateway/ratelimit"
	"github.com/orchestrate-ai/gateway/redisclient"
	"github.com/orchestrate-ai/gateway/router"
	"github.com/orchestrate-ai/gateway/routing"
	"github.com/orchestrate-ai/gateway/workflow"
)

// noopSearchProvider satisfies workflow.SearchProvider with no live backend.
// Web search and scraping are external collaborators this gateway doesn't
// implement; a nil interface here would still be recovered as a degraded
// result by the executor's node-dispatch boundary rather than crash the
// process, but every search and research run is better served by a clean
// empty-results pass than a degraded answer until a real provider is wired.
type noopSearchProvider struct{}

func (noopSearchProvider) Search(ctx context.Context, query string, maxResults int) ([]string, error) {
	return nil, nil
}

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("orchestration gateway starting")

	if rc, err := redisclient.New(cfg); err != nil {
		log.Warn().Err(err).Msg("redis init failed — continuing without redis connectivity check")
	} else if err := rc.Ping(); err != nil {
		log.Warn().Err(err).Msg("redis ping failed")
	} else {
		log.Info().Msg("redis connected")
	}

	metrics := observability.NewMetrics(log)

	registry := backend.NewRegistry()
	for _, base := range cfg.BackendEndpoints {
		ep := backend.NewHTTPEndpoint(backend.EndpointConfig{Name: base, BaseURL: base})
		registry.Register(ep)
		log.Info().Str("endpoint", base).Msg("registered backend endpoint")
	}

	poller := backend.NewHealthPoller(registry, log, 10*time.Second)
	poller.OnStatusChange(func(endpoint string, health backend.Health) {
		metrics.TrackBackendHealth(endpoint, health.State == backend.StateHealthy)
		if health.State == backend.StateHealthy {
			log.Info().Str("endpoint", endpoint).Msg("backend endpoint healthy")
		} else {
			log.Warn().Str("endpoint", endpoint).Str("state", string(health.State)).Msg("backend endpoint unhealthy")
		}
	})
	poller.Start()

	pool := backend.NewPool(registry, poller, log, 4, backend.WithAdmissionRate(10, 20))

	poolMetricsStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, name := range registry.List() {
					metrics.GaugeSet("gateway_backend_pool_inflight", map[string]string{"endpoint": name}, float64(pool.InFlight(name)))
				}
			case <-poolMetricsStop:
				return
			}
		}
	}()

	var l2 cache.RemoteCache
	if cfg.CacheL2URL != "" {
		remote, err := cache.NewRedisRemote(cfg.CacheL2URL)
		if err != nil {
			log.Warn().Err(err).Msg("cache L2 init failed — running L1-only")
		} else {
			l2 = remote
		}
	}
	cacheSvc := cache.NewService(cache.Config{
		L1MaxItems: cfg.CacheL1MaxItems,
		L1MaxBytes: cfg.CacheL1MaxBytes,
		L2URL:      cfg.CacheL2URL,
	}, l2, log)

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		MaxIdentities: cfg.RateIdentMax,
		IdleTTL:       cfg.RateIdentTTL,
	})

	ledger := budget.NewLedger()
	pricing := budget.DefaultPricingTable()
	tokens := budget.NewTokenCounter(4.0)

	catalog := routing.NewCatalog(
		routing.RouteMeta{Name: "tiny-fast", Model: "tiny-fast", CostPerUnit: 0.02, Quality: 0.5, LatencyClassMS: 500, Fallbacks: []string{"small-standard", "static-fallback"}},
		routing.RouteMeta{Name: "small-standard", Model: "small-standard", CostPerUnit: 0.08, Quality: 0.7, LatencyClassMS: 1500, Fallbacks: []string{"medium-detailed", "static-fallback"}},
		routing.RouteMeta{Name: "medium-detailed", Model: "medium-detailed", CostPerUnit: 0.25, Quality: 0.85, LatencyClassMS: 4000, Fallbacks: []string{"static-fallback"}},
		routing.RouteMeta{Name: "research-deep", Model: "research-deep", CostPerUnit: 0.50, Quality: 0.95, LatencyClassMS: 8000, Fallbacks: []string{"medium-detailed", "static-fallback"}},
		routing.RouteMeta{Name: "static-fallback", Model: "static-fallback", CostPerUnit: 0, Quality: 0.3, LatencyClassMS: 200},
	)
	bandit := routing.NewBandit(cfg.BanditColdStartAlpha, cfg.BanditColdStartBeta)
	shadowBandit := routing.NewBandit(cfg.BanditColdStartAlpha, cfg.BanditColdStartBeta)
	shadow := routing.NewEvaluator(cfg.ShadowRate, func(d routing.ShadowDecision) {
		log.Debug().Str("route", d.Route).Msg("shadow decision recorded")
	})
	failover := routing.NewFailoverState(3, 30*time.Second)

	workflowDeps := workflow.Deps{
		Cache:            cacheSvc,
		Catalog:          catalog,
		Bandit:           bandit,
		ShadowBandit:     shadowBandit,
		Shadow:           shadow,
		Pool:             pool,
		Search:           noopSearchProvider{},
		Logger:           log,
		RouteClass:       "default",
		SearchMaxResults: 5,
	}
	chatGraph, chatReg := workflow.BuildChatGraph(workflowDeps)
	searchGraph, searchReg := workflow.BuildSearchGraph(workflowDeps)
	researchGraph, researchReg := workflow.BuildResearchGraph(workflowDeps)

	executor := workflow.NewExecutor(8, log)

	analyticsPipeline := analytics.NewPipeline(log, analytics.NewLogSink(log))
	analyticsPipeline.Start(context.Background())

	orch := orchestrator.New(orchestrator.Config{
		DefaultRoute:      cfg.DefaultModel,
		RouteClass:        "default",
		FallbackModel:     cfg.FallbackModel,
		DefaultMonthlyCap: cfg.DefaultMonthlyBudget,
		TargetResponseMS:  cfg.TargetResponseTimeMS,
		StreamChunkMinMS:  cfg.StreamChunkMinMS,
		RewardWeights:     routing.DefaultRewardWeights(),
	}, orchestrator.Deps{
		Cache:        cacheSvc,
		Catalog:      catalog,
		Bandit:       bandit,
		ShadowBandit: shadowBandit,
		Shadow:       shadow,
		Failover:     failover,
		Pool:         pool,
		Ledger:       ledger,
		Pricing:      pricing,
		Tokens:       tokens,
		Graphs: orchestrator.TaskGraphs{
			Chat: chatGraph, ChatReg: chatReg,
			Search: searchGraph, SearchReg: searchReg,
			Research: researchGraph, ResearchReg: researchReg,
		},
		Executor:  executor,
		Analytics: analyticsPipeline,
		Metrics:   metrics,
		Logger:    log,
	})

	handler := router.NewRouter(cfg, log, router.Deps{
		Orchestrator: orch,
		Cache:        cacheSvc,
		Analytics:    analyticsPipeline,
		Catalog:      catalog,
		Failover:     failover,
		Backends:     registry,
		Poller:       poller,
		Pricing:      pricing,
		Metrics:      metrics,
		RateLimiter:  limiter,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	close(poolMetricsStop)
	poller.Stop()
	limiter.Stop()
	analyticsPipeline.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("gateway stopped gracefully")
	}
}
