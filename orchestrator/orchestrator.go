// Package orchestrator wires the fingerprint/cache/rate-budget/backend-pool/
// routing/workflow subsystems into a single per-request pipeline: resolve an
// identifier, reserve budget, run the task-type graph, settle budget and
// bandit reward, and emit the analytics/metrics events. It is the gateway's
// glue layer, grounded on the teacher's main.go wiring order and its
// proxy.go request-to-backend handling shape.
package orchestrator

import (
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orchestrate-ai/gateway/analytics"
	"github.com/orchestrate-ai/gateway/backend"
	"github.com/orchestrate-ai/gateway/budget"
	"github.com/orchestrate-ai/gateway/cache"
	"github.com/orchestrate-ai/gateway/observability"
	"github.com/orchestrate-ai/gateway/routing"
	"github.com/orchestrate-ai/gateway/workflow"
)

// TaskGraphs bundles a compiled graph with its node registry for one task
// type.
type TaskGraphs struct {
	Chat        *workflow.Graph
	ChatReg     workflow.Registry
	Search      *workflow.Graph
	SearchReg   workflow.Registry
	Research    *workflow.Graph
	ResearchReg workflow.Registry
}

// Config holds the orchestrator's runtime tunables, sourced from config.Config.
type Config struct {
	DefaultRoute      string
	RouteClass        string // fingerprint tag, matches the value graphs were built with
	FallbackModel     string
	DefaultMonthlyCap float64
	TargetResponseMS  int
	StreamChunkMinMS  int
	RewardWeights     routing.RewardWeights
}

// Orchestrator is the top-level request coordinator.
type Orchestrator struct {
	cfg Config

	cache        *cache.Service
	catalog      *routing.Catalog
	bandit       *routing.Bandit
	shadowBandit *routing.Bandit
	shadow       *routing.Evaluator
	failover     *routing.FailoverState
	pool         *backend.Pool
	ledger       *budget.Ledger
	pricing      *budget.PricingTable
	tokens       *budget.TokenCounter

	graphs   TaskGraphs
	executor *workflow.Executor

	analyticsPipeline *analytics.Pipeline
	metrics           *observability.Metrics

	logger zerolog.Logger
}

// Deps bundles every collaborator the orchestrator coordinates.
type Deps struct {
	Cache        *cache.Service
	Catalog      *routing.Catalog
	Bandit       *routing.Bandit
	ShadowBandit *routing.Bandit
	Shadow       *routing.Evaluator
	Failover     *routing.FailoverState
	Pool         *backend.Pool
	Ledger       *budget.Ledger
	Pricing      *budget.PricingTable
	Tokens       *budget.TokenCounter
	Graphs       TaskGraphs
	Executor     *workflow.Executor
	Analytics    *analytics.Pipeline
	Metrics      *observability.Metrics
	Logger       zerolog.Logger
}

// New builds an Orchestrator from its collaborators.
func New(cfg Config, d Deps) *Orchestrator {
	return &Orchestrator{
		cfg:               cfg,
		cache:             d.Cache,
		catalog:           d.Catalog,
		bandit:            d.Bandit,
		shadowBandit:      d.ShadowBandit,
		shadow:            d.Shadow,
		failover:          d.Failover,
		pool:              d.Pool,
		ledger:            d.Ledger,
		pricing:           d.Pricing,
		tokens:            d.Tokens,
		graphs:            d.Graphs,
		executor:          d.Executor,
		analyticsPipeline: d.Analytics,
		metrics:           d.Metrics,
		logger:            d.Logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Request is the normalized inbound request, decoded by the handler layer
// from whichever wire shape the endpoint accepts.
type Request struct {
	TaskType    string
	UserID      string
	Query       string
	Messages    []backend.ChatMessage
	Constraints routing.Constraints
	ThumbsUp    *bool
}

// Response is the buffered (non-streaming) result of one request.
type Response struct {
	RequestID   string
	Answer      string
	Model       string
	Route       string
	BackendUsed string
	CacheHit    bool
	CacheSource string
	Degraded    bool
	WasFailover bool
	Tokens      int
	CostUSD     float64
	LatencyMS   int64
}

func graphFor(g TaskGraphs, taskType string) (*workflow.Graph, workflow.Registry) {
	switch taskType {
	case "search":
		return g.Search, g.SearchReg
	case "research":
		return g.Research, g.ResearchReg
	default:
		return g.Chat, g.ChatReg
	}
}

func constraintsToMap(c routing.Constraints) map[string]string {
	return map[string]string{
		"max_cost_per_unit": strconv.FormatFloat(c.MaxCostPerUnit, 'f', -1, 64),
		"min_quality":       strconv.FormatFloat(c.MinQuality, 'f', -1, 64),
		"max_latency_ms":    strconv.Itoa(c.MaxLatencyMS),
	}
}

// newRequestID generates a correlation id threaded through logs and events.
func newRequestID() string { return uuid.NewString() }
