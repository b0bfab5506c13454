package workflow

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/orchestrate-ai/gateway/backend"
	"github.com/orchestrate-ai/gateway/cache"
	"github.com/orchestrate-ai/gateway/fingerprint"
	"github.com/orchestrate-ai/gateway/routing"
)

// GraphState keys shared across node constructors. Nodes communicate only
// through these declared fields; there is no hidden coupling.
const (
	KeyTaskType        = "task_type"
	KeyQuery           = "query"
	KeyMessages        = "messages"
	KeyConstraints     = "constraints"
	KeyComplexity      = "complexity"
	KeyFingerprint     = "fingerprint"
	KeyCacheHit        = "cache_hit"
	KeyCachedResponse  = "cached_response"
	KeyRetrievedText   = "retrieved_text"
	KeyChosenRoute     = "chosen_route"
	KeyChosenModel     = "chosen_model"
	KeyEstCost         = "est_cost"
	KeyEstLatencyMS    = "est_latency_ms"
	KeyAnswer          = "answer"
	KeyTokens          = "tokens"
	KeyBackendUsed     = "backend_used"
	KeyCriticApproved  = "critic_approved"
	KeyCriticIteration = "critic_iteration"
	KeyFailed          = "failed"
	KeyFailureReason   = "failure_reason"
	KeyFinalAnswer     = "final_answer"
	KeySource          = "source"
)

// complexityRule is a keyword-weighted vote toward one complexity bucket,
// the same shape the gateway's original prompt classifier used for request
// categories, repurposed here for the Plan node's complexity bucket.
type complexityRule struct {
	bucket   cache.Class
	keywords []string
	weight   float64
}

var complexityRules = []complexityRule{
	{cache.ClassDetailed, []string{"analyze", "explain in depth", "deep dive", "comprehensive", "compare", "pros and cons", "step by step", "architecture"}, 1.0},
	{cache.ClassSearch, []string{"search", "find", "look up", "latest", "news", "current"}, 1.0},
	{cache.ClassUltraFast, []string{"hi", "hello", "thanks", "yes", "no", "ok"}, 1.0},
}

// classifyComplexity buckets a query by length and keyword signal. Long or
// analysis-flavored prompts land in "detailed"; short greetings in
// "ultra_fast"; everything else is "standard".
func classifyComplexity(taskType, query string) cache.Class {
	if taskType == "search" {
		return cache.ClassSearch
	}
	lower := strings.ToLower(query)
	words := len(strings.Fields(lower))

	scores := make(map[cache.Class]float64)
	for _, rule := range complexityRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				scores[rule.bucket] += rule.weight
			}
		}
	}

	if words <= 4 && scores[cache.ClassDetailed] == 0 {
		scores[cache.ClassUltraFast] += 1.0
	}
	if words > 80 {
		scores[cache.ClassDetailed] += 1.0
	}

	best, bestScore := cache.ClassStandard, 0.0
	for bucket, score := range scores {
		if score > bestScore {
			best, bestScore = bucket, score
		}
	}
	return best
}

// NewPlanFunc classifies the inbound query's complexity bucket and computes
// its cache fingerprint.
func NewPlanFunc(routeClass string) NodeFunc {
	return func(ctx context.Context, state *GraphState) error {
		taskType := state.GetString(KeyTaskType)
		query := state.GetString(KeyQuery)

		bucket := classifyComplexity(taskType, query)
		state.Set(KeyComplexity, string(bucket))

		var messages []string
		if raw, ok := state.Get(KeyMessages); ok {
			if msgs, ok := raw.([]backend.ChatMessage); ok {
				for _, m := range msgs {
					messages = append(messages, m.Role+":"+m.Content)
				}
			}
		}
		constraints, _ := state.Get(KeyConstraints)
		constraintMap, _ := constraints.(map[string]string)

		fp := fingerprint.Compute(fingerprint.Request{
			TaskType:    taskType,
			Query:       query,
			Messages:    messages,
			Constraints: constraintMap,
			RouteClass:  routeClass,
		})
		state.Set(KeyFingerprint, fp)
		return nil
	}
}

// NewCacheLookupFunc consults the two-tier cache under the computed
// fingerprint. On a hit it sets cache_hit=true and cached_response, which
// downstream nodes' Conditions use to short-circuit straight to Emit.
func NewCacheLookupFunc(svc *cache.Service) NodeFunc {
	return func(ctx context.Context, state *GraphState) error {
		key := state.GetString(KeyFingerprint)
		class := cache.Class(state.GetString(KeyComplexity))

		value, hit, source := svc.Lookup(ctx, key, class)
		state.Set(KeyCacheHit, hit)
		state.Set(KeySource, source)
		if hit {
			state.Set(KeyCachedResponse, string(value))
		}
		return nil
	}
}

// CacheMiss is the Condition every post-lookup node but Emit is gated by.
func CacheMiss(state *GraphState) bool { return !state.GetBool(KeyCacheHit) }

// RouteDecision bundles what Route selects, shared by Synthesize/Critic/CacheStore.
type RouteDecision struct {
	Route    routing.RouteMeta
	Bandit   *routing.Bandit
	Bucket   routing.Bucket
	Shadow   *routing.Evaluator
	ShadowBandit *routing.Bandit
}

// NewRouteFunc runs the Adaptive Router's FILTER → SAMPLE → CHOOSE pass and
// records the winning route for Synthesize to invoke.
func NewRouteFunc(catalog *routing.Catalog, bandit *routing.Bandit, constraints routing.Constraints, evaluator *routing.Evaluator, shadowBandit *routing.Bandit) NodeFunc {
	return func(ctx context.Context, state *GraphState) error {
		taskType := state.GetString(KeyTaskType)
		bucket := routing.Bucket{TaskType: taskType, Complexity: state.GetString(KeyComplexity)}

		candidates := catalog.Candidates(constraints)
		choice, ok := bandit.Select(candidates, bucket, 0, 0)
		if !ok {
			state.Set(KeyFailed, true)
			state.Set(KeyFailureReason, "no candidate route satisfies constraints")
			return nil
		}

		state.Set(KeyChosenRoute, choice.Route.Name)
		state.Set(KeyChosenModel, choice.Route.Model)
		state.Set(KeyEstCost, choice.Route.CostPerUnit)
		state.Set(KeyEstLatencyMS, float64(choice.Route.LatencyClassMS))

		if evaluator != nil && shadowBandit != nil && evaluator.ShouldShadow() {
			evaluator.RunShadow(shadowBandit, candidates, bucket, 0, 0, func(c routing.Choice) float64 {
				return c.SampledP
			})
		}
		return nil
	}
}

// SearchProvider is the external search/retrieval call used by Retrieve.
type SearchProvider interface {
	Search(ctx context.Context, query string, maxResults int) ([]string, error)
}

// NewRetrieveFunc fetches supporting context for search/research task types,
// bounded by ctx's deadline; partial results on timeout are kept rather than
// discarded.
func NewRetrieveFunc(provider SearchProvider, maxResults int) NodeFunc {
	return func(ctx context.Context, state *GraphState) error {
		query := state.GetString(KeyQuery)
		results, err := provider.Search(ctx, query, maxResults)
		if err != nil && len(results) == 0 {
			state.Set(KeyRetrievedText, "")
			return err
		}
		state.Set(KeyRetrievedText, strings.Join(results, "\n---\n"))
		return nil
	}
}

// NewSynthesizeFunc invokes the backend pool with a prompt built from the
// query plus any retrieved context, recording which endpoint served it.
func NewSynthesizeFunc(pool *backend.Pool, taskClassFor func(taskType, complexity string) backend.TaskClass) NodeFunc {
	return func(ctx context.Context, state *GraphState) error {
		model := state.GetString(KeyChosenModel)
		if model == "" {
			state.Set(KeyFailed, true)
			state.Set(KeyFailureReason, "no route selected")
			return nil
		}

		prompt := state.GetString(KeyQuery)
		if retrieved := state.GetString(KeyRetrievedText); retrieved != "" {
			prompt = retrieved + "\n\nQuestion: " + prompt
		}

		class := taskClassFor(state.GetString(KeyTaskType), state.GetString(KeyComplexity))
		resp, endpoint, err := pool.Invoke(ctx, model, class, &backend.GenerateRequest{Prompt: prompt})
		if err != nil {
			state.Set(KeyFailed, true)
			state.Set(KeyFailureReason, err.Error())
			return err
		}

		state.Set(KeyAnswer, resp.Response)
		state.Set(KeyTokens, resp.Tokens)
		state.Set(KeyBackendUsed, endpoint)
		return nil
	}
}

// NewCriticFunc re-invokes a second route to judge the synthesized answer
// and, if rejected, re-runs synthesize in-process up to maxIterations times.
// This is the graph's one permitted loop: it stays off the static DAG
// by having Critic call Synthesize directly rather than declaring a back
// edge, so Graph.Compile's acyclic in-degree computation is unaffected.
func NewCriticFunc(pool *backend.Pool, criticModel string, maxIterations int, synth NodeFunc) NodeFunc {
	if maxIterations <= 0 {
		maxIterations = 2
	}
	return func(ctx context.Context, state *GraphState) error {
		for iter := 0; iter < maxIterations; iter++ {
			state.Set(KeyCriticIteration, iter)

			answer := state.GetString(KeyAnswer)
			if answer == "" {
				return nil
			}

			verdict, err := pool.Invoke(ctx, criticModel, backend.TaskStandard, &backend.GenerateRequest{
				Prompt: "Evaluate whether this answer is accurate and complete. Reply APPROVE or REVISE.\n\n" + answer,
			})
			if err != nil {
				// A critic failure degrades gracefully: keep the existing
				// synthesized answer rather than failing the whole request.
				state.Set(KeyCriticApproved, true)
				return nil
			}

			approved := strings.Contains(strings.ToUpper(verdict.Response), "APPROVE")
			state.Set(KeyCriticApproved, approved)
			if approved {
				return nil
			}
			if err := synth(ctx, state); err != nil {
				return nil
			}
		}
		return nil
	}
}

// NewCacheStoreFunc writes a successful synthesis to both cache tiers.
func NewCacheStoreFunc(svc *cache.Service) NodeFunc {
	return func(ctx context.Context, state *GraphState) error {
		if state.GetBool(KeyFailed) {
			return nil
		}
		answer := state.GetString(KeyAnswer)
		if answer == "" {
			return nil
		}
		key := state.GetString(KeyFingerprint)
		class := cache.Class(state.GetString(KeyComplexity))
		svc.Store(ctx, key, []byte(answer), class)
		return nil
	}
}

// Emitter finalizes a response: either the cached answer, the freshly
// synthesized one, or (folding graceful-degradation into the graph's
// always-run terminal node) a degraded message if every upstream node
// failed or the request was cancelled.
type Emitter interface {
	Emit(ctx context.Context, state *GraphState) error
}

const degradedAnswer = "I wasn't able to complete that request right now. Please try again shortly."

// NewEmitFunc builds the terminal node. It always runs, cache hit or miss,
// success or failure, because the Executor schedules Emit outside the
// normal in-degree cascade.
func NewEmitFunc(logger zerolog.Logger) NodeFunc {
	log := logger.With().Str("component", "workflow-emit").Logger()
	return func(ctx context.Context, state *GraphState) error {
		if state.GetBool(KeyCacheHit) {
			state.Set(KeyFinalAnswer, state.GetString(KeyCachedResponse))
			return nil
		}
		if ctx.Err() != nil {
			state.Set(KeyFailed, true)
			state.Set(KeyFinalAnswer, "")
			return ctx.Err()
		}
		if state.GetBool(KeyFailed) || state.GetString(KeyAnswer) == "" {
			log.Warn().Str("reason", state.GetString(KeyFailureReason)).Msg("emitting degraded answer")
			state.Set(KeyFinalAnswer, degradedAnswer)
			return nil
		}
		state.Set(KeyFinalAnswer, state.GetString(KeyAnswer))
		return nil
	}
}

// defaultTaskClassFor maps a request's task type and complexity bucket to
// the backend pool's adaptive timeout class. Research requests always get
// the long-running class regardless of complexity bucket: a deep-dive can
// classify as "standard" on keyword/length alone, but still needs the full
// research budget once Retrieve and the critic loop are in play.
func defaultTaskClassFor(taskType, complexity string) backend.TaskClass {
	if taskType == "research" {
		return backend.TaskResearch
	}
	switch cache.Class(complexity) {
	case cache.ClassUltraFast:
		return backend.TaskSimple
	case cache.ClassDetailed:
		return backend.TaskComplex
	default:
		return backend.TaskStandard
	}
}
