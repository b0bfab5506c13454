package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/orchestrate-ai/gateway/analytics"
	"github.com/orchestrate-ai/gateway/backend"
	"github.com/orchestrate-ai/gateway/budget"
	"github.com/orchestrate-ai/gateway/routing"
	"github.com/orchestrate-ai/gateway/workflow"
)

const safeFallbackPrompt = "Reply with a single short sentence saying you are available to help."

// Handle runs one buffered (non-streaming) request end to end: budget
// reservation, graph execution, fallback-chain recovery, budget
// settlement, and bandit/analytics bookkeeping.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*Response, error) {
	requestID := newRequestID()
	start := time.Now()

	graph, registry := graphFor(o.graphs, req.TaskType)
	if graph == nil {
		return nil, fmt.Errorf("orchestrator: no graph wired for task type %q", req.TaskType)
	}

	inputTokens := o.tokens.EstimateMessagesTokens(toBudgetMessages(req.Messages)) + o.tokens.EstimateTokens(req.Query)
	estCost := o.pricing.Estimate(o.cfg.DefaultRoute, inputTokens, inputTokens)

	if _, err := o.ledger.Reserve(requestID, req.UserID, o.cfg.DefaultRoute, estCost, o.cfg.DefaultMonthlyCap); err != nil {
		return nil, err
	}

	state := workflow.NewGraphState()
	state.Set(workflow.KeyTaskType, req.TaskType)
	state.Set(workflow.KeyQuery, req.Query)
	state.Set(workflow.KeyMessages, req.Messages)
	state.Set(workflow.KeyConstraints, constraintsToMap(req.Constraints))

	_, runErr := o.executor.Run(ctx, graph, state, registry)

	degraded := false
	wasFailover := false
	answer := state.GetString(workflow.KeyFinalAnswer)

	if state.GetBool(workflow.KeyFailed) && runErr == nil {
		if fallbackAnswer, fallbackRoute, ok := o.tryFailover(ctx, state); ok {
			answer = fallbackAnswer
			wasFailover = true
			state.Set(workflow.KeyFinalAnswer, answer)
			state.Set(workflow.KeyChosenRoute, fallbackRoute)
			state.Set(workflow.KeyFailed, false)
		} else if req.TaskType == "chat" {
			if safeAnswer, ok := o.lastResortSafeCall(ctx); ok {
				answer = safeAnswer
			}
			degraded = true
		} else {
			degraded = true
		}
	}

	// The bounded critic loop (research graph only) leaves KeyCriticApproved
	// set to its last verdict; exhausting every iteration without an APPROVE
	// still yields a best-so-far answer, but it must be flagged degraded.
	// Chat/search graphs never run a critic node, so the key is simply absent
	// there and this has no effect.
	if v, ok := state.Get(workflow.KeyCriticApproved); ok && !degraded {
		if approved, _ := v.(bool); !approved {
			degraded = true
		}
	}

	latency := time.Since(start)
	chosenRoute := state.GetString(workflow.KeyChosenRoute)
	chosenModel := state.GetString(workflow.KeyChosenModel)
	cacheHit := state.GetBool(workflow.KeyCacheHit)
	outputTokens := state.GetInt(workflow.KeyTokens)

	actualCost := 0.0
	if !cacheHit && chosenRoute != "" {
		actualCost = o.pricing.Calculate(chosenRoute, inputTokens, outputTokens)
	}
	if _, err := o.ledger.Commit(req.UserID, requestID, actualCost); err != nil {
		o.logger.Warn().Err(err).Str("request_id", requestID).Msg("budget commit failed")
	}

	o.settleRoute(req, requestID, state, chosenRoute, latency, actualCost, estCost, degraded || wasFailover)

	// A degraded answer is still a 200 with a softened body, never a raw
	// failure surfaced to the client.
	statusCode := 200
	if runErr != nil {
		statusCode = 504
	}

	if o.analyticsPipeline != nil {
		o.analyticsPipeline.TrackRequest(analytics.RequestEvent{
			RequestID:   requestID,
			TaskType:    req.TaskType,
			Complexity:  state.GetString(workflow.KeyComplexity),
			Model:       chosenModel,
			BackendUsed: state.GetString(workflow.KeyBackendUsed),
			LatencyMs:   int(latency.Milliseconds()),
			StatusCode:  statusCode,
			ErrorKind:   state.GetString(workflow.KeyFailureReason),
			CacheHit:    cacheHit,
			CacheSource: state.GetString(workflow.KeySource),
			WasFailover: wasFailover,
			CostUSD:     actualCost,
		})
	}
	if o.metrics != nil {
		o.metrics.TrackRequest(req.TaskType, chosenModel, chosenRoute, statusCode, float64(latency.Milliseconds()), cacheHit)
	}

	return &Response{
		RequestID:   requestID,
		Answer:      answer,
		Model:       chosenModel,
		Route:       chosenRoute,
		BackendUsed: state.GetString(workflow.KeyBackendUsed),
		CacheHit:    cacheHit,
		CacheSource: state.GetString(workflow.KeySource),
		Degraded:    degraded,
		WasFailover: wasFailover,
		Tokens:      inputTokens + outputTokens,
		CostUSD:     actualCost,
		LatencyMS:   latency.Milliseconds(),
	}, nil
}

// tryFailover walks the chosen route's fallback chain exactly once, per the
// invariant that a request attempts at most len(fallback_chain) backend
// calls beyond the primary.
func (o *Orchestrator) tryFailover(ctx context.Context, state *workflow.GraphState) (answer string, fallbackRoute string, ok bool) {
	routeName := state.GetString(workflow.KeyChosenRoute)
	if routeName == "" {
		return "", "", false
	}
	primary, exists := o.catalog.Get(routeName)
	if !exists {
		return "", "", false
	}

	o.failover.RecordFailure(routeName)

	fallback, err := o.catalog.NextFallback(o.failover, primary)
	if err != nil {
		return "", "", false
	}

	prompt := state.GetString(workflow.KeyQuery)
	if retrieved := state.GetString(workflow.KeyRetrievedText); retrieved != "" {
		prompt = retrieved + "\n\nQuestion: " + prompt
	}

	resp, endpoint, err := o.pool.Invoke(ctx, fallback.Model, backend.TaskStandard, &backend.GenerateRequest{Prompt: prompt})
	if err != nil {
		o.failover.RecordFailure(fallback.Name)
		return "", "", false
	}

	o.failover.RecordSuccess(fallback.Name)
	state.Set(workflow.KeyBackendUsed, endpoint)
	return resp.Response, fallback.Name, true
}

// lastResortSafeCall is the chat endpoint's final line of defense once the
// whole fallback chain is exhausted: one minimal call with a fixed safe
// prompt against the configured fallback model.
func (o *Orchestrator) lastResortSafeCall(ctx context.Context) (string, bool) {
	resp, _, err := o.pool.Invoke(ctx, o.cfg.FallbackModel, backend.TaskSimple, &backend.GenerateRequest{Prompt: safeFallbackPrompt})
	if err != nil {
		return "", false
	}
	return resp.Response, true
}

// settleRoute applies the completed request's outcome to the bandit and
// shadow evaluator. Cache hits and failed routes (no invocation happened)
// never update an arm.
func (o *Orchestrator) settleRoute(req Request, requestID string, state *workflow.GraphState, chosenRoute string, latency time.Duration, actualCost, estCost float64, wasDegraded bool) {
	if chosenRoute == "" || state.GetBool(workflow.KeyCacheHit) {
		return
	}

	route, ok := o.catalog.Get(chosenRoute)
	if !ok {
		return
	}

	bucket := routing.Bucket{TaskType: req.TaskType, Complexity: state.GetString(workflow.KeyComplexity)}

	latencyRatio := 1.0
	if route.LatencyClassMS > 0 {
		latencyRatio = float64(latency.Milliseconds()) / float64(route.LatencyClassMS)
	}
	costRatio := 1.0
	if estCost > 0 {
		costRatio = actualCost / estCost
	}

	success := !wasDegraded
	reward := routing.Reward(o.cfg.RewardWeights, success, latencyRatio, costRatio, req.ThumbsUp)
	o.bandit.Update(chosenRoute, bucket, reward)
	if o.shadow != nil {
		o.shadow.RecordProduction(chosenRoute, bucket, reward)
	}
	if o.metrics != nil {
		o.metrics.TrackBanditDecision(chosenRoute, bucket.TaskType+"/"+bucket.Complexity, false)
	}
	if o.analyticsPipeline != nil {
		o.analyticsPipeline.TrackRouteDecision(analytics.RouteDecisionEvent{
			RequestID:  requestID,
			TaskType:   req.TaskType,
			Complexity: bucket.Complexity,
			Route:      chosenRoute,
			Reward:     reward,
		})
	}
}

func toBudgetMessages(msgs []backend.ChatMessage) []budget.Message {
	out := make([]budget.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, budget.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
