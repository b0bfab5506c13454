package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/orchestrate-ai/gateway/analytics"
	"github.com/orchestrate-ai/gateway/backend"
	"github.com/orchestrate-ai/gateway/budget"
	"github.com/orchestrate-ai/gateway/cache"
	"github.com/orchestrate-ai/gateway/observability"
	"github.com/orchestrate-ai/gateway/routing"
	"github.com/orchestrate-ai/gateway/workflow"
)

// fakeEndpoint is a minimal backend.Endpoint stand-in: always healthy,
// fails Generate for one configured model to exercise the fallback chain.
type fakeEndpoint struct {
	name       string
	failModel  string
	failErr    error
	reply      string
}

func (f *fakeEndpoint) Name() string { return f.name }

func (f *fakeEndpoint) Generate(ctx context.Context, req *backend.GenerateRequest) (*backend.GenerateResponse, error) {
	if req.Model == f.failModel {
		return nil, f.failErr
	}
	return &backend.GenerateResponse{Response: f.reply, Tokens: 5}, nil
}

func (f *fakeEndpoint) GenerateStream(ctx context.Context, req *backend.GenerateRequest) (backend.Stream, error) {
	return nil, errors.New("fakeEndpoint: streaming not used in this test")
}

func (f *fakeEndpoint) Tags(ctx context.Context) ([]string, error) { return []string{"model-a", "model-b"}, nil }

func (f *fakeEndpoint) Pull(ctx context.Context, model string) error { return nil }

// newTestOrchestrator builds an Orchestrator wired against one fake endpoint
// and two routes, r1 (primary, may be made to fail) falling back to r2.
func newTestOrchestrator(t *testing.T, ep *fakeEndpoint) *Orchestrator {
	t.Helper()
	logger := zerolog.Nop()

	registry := backend.NewRegistry()
	registry.Register(ep)

	poller := backend.NewHealthPoller(registry, logger, time.Hour)
	poller.Start()
	t.Cleanup(poller.Stop)

	deadline := time.Now().Add(time.Second)
	for len(poller.HealthyEndpoints()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	pool := backend.NewPool(registry, poller, logger, 4)

	cacheSvc := cache.NewService(cache.Config{L1MaxItems: 1000, L1MaxBytes: 1 << 20}, nil, logger)

	r1 := routing.RouteMeta{Name: "r1", Model: "model-a", CostPerUnit: 0.01, Quality: 0.9, LatencyClassMS: 1000, Fallbacks: []string{"r2"}}
	r2 := routing.RouteMeta{Name: "r2", Model: "model-b", CostPerUnit: 0.01, Quality: 0.5, LatencyClassMS: 1000}
	catalog := routing.NewCatalog(r1, r2)

	bandit := routing.NewBandit(1, 1)
	shadowBandit := routing.NewBandit(1, 1)
	shadow := routing.NewEvaluator(0, nil)
	failover := routing.NewFailoverState(3, time.Minute)

	ledger := budget.NewLedger()
	pricing := budget.DefaultPricingTable()
	pricing.Set("r1", budget.RoutePrice{InputPer1M: 1, OutputPer1M: 2})
	pricing.Set("r2", budget.RoutePrice{InputPer1M: 1, OutputPer1M: 2})
	tokens := budget.NewTokenCounter(4)

	constraints := routing.Constraints{MinQuality: 0.8}
	deps := workflow.Deps{
		Cache:        cacheSvc,
		Catalog:      catalog,
		Bandit:       bandit,
		ShadowBandit: shadowBandit,
		Shadow:       shadow,
		Pool:         pool,
		Logger:       logger,
		RouteClass:   "default",
		Constraints:  constraints,
	}
	chatGraph, chatReg := workflow.BuildChatGraph(deps)

	executor := workflow.NewExecutor(4, logger)
	pipeline := analytics.NewPipeline(logger, analytics.NewLogSink(logger))
	metrics := observability.NewMetrics(logger)

	return New(Config{
		DefaultRoute:      "r1",
		RouteClass:        "default",
		FallbackModel:     "model-b",
		DefaultMonthlyCap: 1000,
		TargetResponseMS:  2000,
		StreamChunkMinMS:  0,
		RewardWeights:     routing.DefaultRewardWeights(),
	}, Deps{
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
		Graphs:       TaskGraphs{Chat: chatGraph, ChatReg: chatReg},
		Executor:     executor,
		Analytics:    pipeline,
		Metrics:      metrics,
		Logger:       logger,
	})
}

func TestHandleSuccessAndCacheHit(t *testing.T) {
	ep := &fakeEndpoint{name: "ep1", reply: "hello there"}
	o := newTestOrchestrator(t, ep)

	req := Request{TaskType: "chat", UserID: "u1", Query: "hello world", Constraints: routing.Constraints{MinQuality: 0.8}}

	resp, err := o.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Answer != "hello there" {
		t.Fatalf("expected synthesized answer, got %q", resp.Answer)
	}
	if resp.Route != "r1" {
		t.Fatalf("expected route r1, got %q", resp.Route)
	}
	if resp.CacheHit {
		t.Fatalf("expected a cache miss on first call")
	}

	resp2, err := o.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error on second call: %v", err)
	}
	if !resp2.CacheHit {
		t.Fatalf("expected second identical request to hit cache")
	}
	if resp2.Answer != "hello there" {
		t.Fatalf("expected cached answer preserved, got %q", resp2.Answer)
	}
}

func TestHandleFallsBackOnBackendError(t *testing.T) {
	ep := &fakeEndpoint{name: "ep1", failModel: "model-a", failErr: backend.ErrBackendError, reply: "secondary answer"}
	o := newTestOrchestrator(t, ep)

	req := Request{TaskType: "chat", UserID: "u2", Query: "will this fail over", Constraints: routing.Constraints{MinQuality: 0.8}}

	resp, err := o.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.WasFailover {
		t.Fatalf("expected the request to have used the fallback chain")
	}
	if resp.Route != "r2" {
		t.Fatalf("expected fallback route r2, got %q", resp.Route)
	}
	if resp.Answer != "secondary answer" {
		t.Fatalf("expected the fallback endpoint's answer, got %q", resp.Answer)
	}
	if resp.Degraded {
		t.Fatalf("a successful fallback should not be reported as degraded")
	}
}

// criticEndpoint always synthesizes the same answer and always rejects it
// in critic review, so the bounded critic loop runs to exhaustion.
type criticEndpoint struct {
	name string
}

func (c *criticEndpoint) Name() string { return c.name }

func (c *criticEndpoint) Generate(ctx context.Context, req *backend.GenerateRequest) (*backend.GenerateResponse, error) {
	if req.Model == "critic-model" {
		return &backend.GenerateResponse{Response: "REVISE: missing citations", Tokens: 3}, nil
	}
	return &backend.GenerateResponse{Response: "a synthesized answer", Tokens: 5}, nil
}

func (c *criticEndpoint) GenerateStream(ctx context.Context, req *backend.GenerateRequest) (backend.Stream, error) {
	return nil, errors.New("criticEndpoint: streaming not used in this test")
}

func (c *criticEndpoint) Tags(ctx context.Context) ([]string, error) {
	return []string{"model-research", "critic-model"}, nil
}

func (c *criticEndpoint) Pull(ctx context.Context, model string) error { return nil }

// newTestResearchOrchestrator builds an Orchestrator with only a research
// graph wired, whose critic never approves.
func newTestResearchOrchestrator(t *testing.T, ep backend.Endpoint) *Orchestrator {
	t.Helper()
	logger := zerolog.Nop()

	registry := backend.NewRegistry()
	registry.Register(ep)

	poller := backend.NewHealthPoller(registry, logger, time.Hour)
	poller.Start()
	t.Cleanup(poller.Stop)

	deadline := time.Now().Add(time.Second)
	for len(poller.HealthyEndpoints()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	pool := backend.NewPool(registry, poller, logger, 4)

	cacheSvc := cache.NewService(cache.Config{L1MaxItems: 1000, L1MaxBytes: 1 << 20}, nil, logger)

	r1 := routing.RouteMeta{Name: "research-deep", Model: "model-research", CostPerUnit: 0.5, Quality: 0.95, LatencyClassMS: 8000}
	catalog := routing.NewCatalog(r1)

	bandit := routing.NewBandit(1, 1)
	shadowBandit := routing.NewBandit(1, 1)
	shadow := routing.NewEvaluator(0, nil)
	failover := routing.NewFailoverState(3, time.Minute)

	ledger := budget.NewLedger()
	pricing := budget.DefaultPricingTable()
	pricing.Set("research-deep", budget.RoutePrice{InputPer1M: 1, OutputPer1M: 2})
	tokens := budget.NewTokenCounter(4)

	deps := workflow.Deps{
		Cache:            cacheSvc,
		Catalog:          catalog,
		Bandit:           bandit,
		ShadowBandit:     shadowBandit,
		Shadow:           shadow,
		Pool:             pool,
		Search:           noopResearchSearch{},
		Logger:           logger,
		RouteClass:       "default",
		CriticModel:      "critic-model",
		CriticMaxLoops:   2,
		SearchMaxResults: 3,
	}
	researchGraph, researchReg := workflow.BuildResearchGraph(deps)

	executor := workflow.NewExecutor(4, logger)
	pipeline := analytics.NewPipeline(logger, analytics.NewLogSink(logger))
	metrics := observability.NewMetrics(logger)

	return New(Config{
		DefaultRoute:      "research-deep",
		RouteClass:        "default",
		FallbackModel:     "model-research",
		DefaultMonthlyCap: 1000,
		TargetResponseMS:  2000,
		RewardWeights:     routing.DefaultRewardWeights(),
	}, Deps{
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
		Graphs:       TaskGraphs{Research: researchGraph, ResearchReg: researchReg},
		Executor:     executor,
		Analytics:    pipeline,
		Metrics:      metrics,
		Logger:       logger,
	})
}

type noopResearchSearch struct{}

func (noopResearchSearch) Search(ctx context.Context, query string, maxResults int) ([]string, error) {
	return []string{"some background"}, nil
}

func TestHandleDegradesWhenCriticLoopExhausts(t *testing.T) {
	ep := &criticEndpoint{name: "ep-research"}
	o := newTestResearchOrchestrator(t, ep)

	req := Request{TaskType: "research", UserID: "u4", Query: "deep dive into rust async runtimes"}

	resp, err := o.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Degraded {
		t.Fatalf("expected response to be flagged degraded once the critic loop exhausts without approval")
	}
	if resp.Answer != "a synthesized answer" {
		t.Fatalf("expected the best-so-far synthesized answer to still be returned, got %q", resp.Answer)
	}
}

func TestHandleBudgetExceeded(t *testing.T) {
	ep := &fakeEndpoint{name: "ep1", reply: "hi"}
	o := newTestOrchestrator(t, ep)
	o.cfg.DefaultMonthlyCap = 0

	req := Request{TaskType: "chat", UserID: "u3", Query: "over budget"}
	if _, err := o.Handle(context.Background(), req); !errors.Is(err, budget.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
}
