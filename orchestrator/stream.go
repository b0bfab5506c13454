package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/orchestrate-ai/gateway/analytics"
	"github.com/orchestrate-ai/gateway/backend"
	"github.com/orchestrate-ai/gateway/budget"
	"github.com/orchestrate-ai/gateway/cache"
	"github.com/orchestrate-ai/gateway/workflow"
)

var errNoRouteAvailable = errors.New("orchestrator: no candidate route satisfies constraints")

// Sink receives streamed output chunks for one request.
type Sink func(workflow.Chunk) error

// StreamResult summarizes a completed streaming request for the handler
// layer's trailing status line.
type StreamResult struct {
	RequestID   string
	Route       string
	Model       string
	BackendUsed string
	CacheHit    bool
	Tokens      int
	CostUSD     float64
	LatencyMS   int64
}

// HandleStream runs the streaming variant of Handle: plan, cache lookup,
// and (on a miss) route + pool.InvokeStream, pacing chunks to sink as they
// arrive. A cache hit is replayed as a synthetic word-paced stream instead
// of a single buffered frame, so streaming clients see consistent behavior
// whether or not the answer was cached.
func (o *Orchestrator) HandleStream(ctx context.Context, req Request, sink Sink) (*StreamResult, error) {
	requestID := newRequestID()
	start := time.Now()

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

	plan := workflow.NewPlanFunc(o.cfg.RouteClass)
	if err := plan(ctx, state); err != nil {
		return nil, err
	}
	lookup := workflow.NewCacheLookupFunc(o.cache)
	if err := lookup(ctx, state); err != nil {
		return nil, err
	}

	minInterval := time.Duration(o.cfg.StreamChunkMinMS) * time.Millisecond

	if state.GetBool(workflow.KeyCacheHit) {
		answer := state.GetString(workflow.KeyCachedResponse)
		o.streamText(ctx, answer, minInterval, sink)
		if _, err := o.ledger.Commit(req.UserID, requestID, 0); err != nil {
			o.logger.Warn().Err(err).Msg("budget commit failed on cache-hit stream")
		}
		return &StreamResult{
			RequestID: requestID,
			CacheHit:  true,
			Tokens:    inputTokens,
			LatencyMS: time.Since(start).Milliseconds(),
		}, nil
	}

	route := workflow.NewRouteFunc(o.catalog, o.bandit, req.Constraints, o.shadow, o.shadowBandit)
	if err := route(ctx, state); err != nil {
		return nil, err
	}
	if state.GetBool(workflow.KeyFailed) {
		return nil, errNoRouteAvailable
	}

	model := state.GetString(workflow.KeyChosenModel)
	stream, endpoint, release, err := o.pool.InvokeStream(ctx, model, &backend.GenerateRequest{Prompt: req.Query})
	if err != nil {
		return nil, err
	}
	defer release()

	var answer strings.Builder
	meter := o.newStreamMeter(inputTokens)
	wrapped := func(c workflow.Chunk) error {
		if c.Delta != "" {
			answer.WriteString(c.Delta)
			meter.AddChunk(c.Delta)
		}
		return sink(c)
	}

	metrics := workflow.StreamBackend(ctx, stream, minInterval, wrapped, o.logger)
	chosenRoute := state.GetString(workflow.KeyChosenRoute)

	if metrics.ClientDisconnect || ctx.Err() != nil {
		// The client is gone before the answer settled: no cache entry, no
		// bandit update, and the budget reservation is refunded rather than
		// committed, since nothing was actually delivered.
		if err := o.ledger.Refund(req.UserID, requestID); err != nil {
			o.logger.Warn().Err(err).Msg("budget refund failed on disconnected stream")
		}
		return &StreamResult{
			RequestID:   requestID,
			Route:       chosenRoute,
			Model:       model,
			BackendUsed: endpoint,
			Tokens:      inputTokens + meter.OutputTokens(),
			LatencyMS:   time.Since(start).Milliseconds(),
		}, nil
	}

	fullAnswer := answer.String()
	if fullAnswer != "" {
		o.cache.Store(ctx, state.GetString(workflow.KeyFingerprint), []byte(fullAnswer), cache.Class(state.GetString(workflow.KeyComplexity)))
	}

	actualCost := o.pricing.Calculate(chosenRoute, inputTokens, meter.OutputTokens())
	if _, err := o.ledger.Commit(req.UserID, requestID, actualCost); err != nil {
		o.logger.Warn().Err(err).Msg("budget commit failed")
	}

	state.Set(workflow.KeyAnswer, fullAnswer)
	o.settleRoute(req, requestID, state, chosenRoute, time.Since(start), actualCost, estCost, false)

	if o.analyticsPipeline != nil {
		o.analyticsPipeline.TrackRequest(analytics.RequestEvent{
			RequestID:   requestID,
			TaskType:    req.TaskType,
			Complexity:  state.GetString(workflow.KeyComplexity),
			Model:       model,
			BackendUsed: endpoint,
			LatencyMs:   int(time.Since(start).Milliseconds()),
			StatusCode:  200,
			CostUSD:     actualCost,
		})
	}

	return &StreamResult{
		RequestID:   requestID,
		Route:       chosenRoute,
		Model:       model,
		BackendUsed: endpoint,
		Tokens:      inputTokens + meter.OutputTokens(),
		CostUSD:     actualCost,
		LatencyMS:   time.Since(start).Milliseconds(),
	}, nil
}

func (o *Orchestrator) newStreamMeter(inputTokens int) *budget.StreamMeter {
	return budget.NewStreamMeter(o.tokens, inputTokens)
}

// streamText replays a buffered answer as a word-paced synthetic stream, for
// cache hits served through the streaming endpoint.
func (o *Orchestrator) streamText(ctx context.Context, text string, minInterval time.Duration, sink Sink) {
	words := strings.Fields(text)
	var lastSend time.Time
	for _, w := range words {
		if !lastSend.IsZero() && minInterval > 0 {
			if wait := minInterval - time.Since(lastSend); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return
				}
			}
		}
		if err := sink(workflow.Chunk{Delta: w + " "}); err != nil {
			return
		}
		lastSend = time.Now()
	}
	_ = sink(workflow.Chunk{Done: true})
}
