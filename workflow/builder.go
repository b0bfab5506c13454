package workflow

import (
	"github.com/rs/zerolog"

	"github.com/orchestrate-ai/gateway/backend"
	"github.com/orchestrate-ai/gateway/cache"
	"github.com/orchestrate-ai/gateway/routing"
)

// Deps bundles the components every static graph wires its nodes to.
type Deps struct {
	Cache        *cache.Service
	Catalog      *routing.Catalog
	Bandit       *routing.Bandit
	ShadowBandit *routing.Bandit
	Shadow       *routing.Evaluator
	Pool         *backend.Pool
	Search       SearchProvider
	Logger       zerolog.Logger

	RouteClass      string
	Constraints     routing.Constraints
	CriticModel     string
	CriticMaxLoops  int
	SearchMaxResults int
}

// nodeTimeouts are per-kind adaptive timeouts, generous enough to cover
// a cold backend warm-up on first use.
const (
	timeoutPlan        DurationMS = 50
	timeoutCacheLookup DurationMS = 500
	timeoutRoute       DurationMS = 50
	timeoutRetrieve    DurationMS = 8000
	timeoutSynthesize  DurationMS = 60000
	timeoutCritic      DurationMS = 30000
	timeoutCacheStore  DurationMS = 500
	timeoutEmit        DurationMS = 2000

	// Research's synthesize node invokes the pool at backend.TaskResearch
	// (120s per call); Critic makes its own verdict call at
	// backend.TaskStandard and can re-invoke Synthesize up to CriticMaxLoops
	// times in-process — the shared chat/search timeouts above would cut the
	// node off mid-invocation long before the backend call itself times out.
	timeoutSynthesizeResearch DurationMS = 130000
	timeoutCriticResearch     DurationMS = 280000
)

// BuildChatGraph wires the chat task type's DAG: Plan → CacheLookup →
// (Route → Synthesize → CacheStore) → Emit. The parenthesized chain is
// skipped entirely on a cache hit via CacheMiss's Condition.
func BuildChatGraph(d Deps) (*Graph, Registry) {
	plan := &Node{ID: "plan", Kind: KindPlan, Timeout: timeoutPlan}
	lookup := &Node{ID: "cache_lookup", Kind: KindCacheLookup, DependsOn: []string{"plan"}, Timeout: timeoutCacheLookup}
	route := &Node{ID: "route", Kind: KindRoute, DependsOn: []string{"cache_lookup"}, Condition: CacheMiss, Timeout: timeoutRoute}
	synth := &Node{ID: "synthesize", Kind: KindSynthesize, DependsOn: []string{"route"}, Condition: CacheMiss, Timeout: timeoutSynthesize}
	store := &Node{ID: "cache_store", Kind: KindCacheStore, DependsOn: []string{"synthesize"}, Condition: CacheMiss, Timeout: timeoutCacheStore}
	emit := &Node{ID: "emit", Kind: KindEmit, DependsOn: []string{"cache_store"}, Timeout: timeoutEmit}

	graph := NewGraph("chat", plan, lookup, route, synth, store, emit)

	synthFunc := NewSynthesizeFunc(d.Pool, defaultTaskClassFor)
	registry := Registry{
		"plan":         NewPlanFunc(d.RouteClass),
		"cache_lookup": NewCacheLookupFunc(d.Cache),
		"route":        NewRouteFunc(d.Catalog, d.Bandit, d.Constraints, d.Shadow, d.ShadowBandit),
		"synthesize":   synthFunc,
		"cache_store":  NewCacheStoreFunc(d.Cache),
		"emit":         NewEmitFunc(d.Logger),
	}
	return graph, registry
}

// BuildSearchGraph wires search: Plan → CacheLookup → (Route → Retrieve →
// Synthesize → CacheStore) → Emit. Retrieve runs before Synthesize since the
// synthesized answer summarizes retrieved results.
func BuildSearchGraph(d Deps) (*Graph, Registry) {
	plan := &Node{ID: "plan", Kind: KindPlan, Timeout: timeoutPlan}
	lookup := &Node{ID: "cache_lookup", Kind: KindCacheLookup, DependsOn: []string{"plan"}, Timeout: timeoutCacheLookup}
	route := &Node{ID: "route", Kind: KindRoute, DependsOn: []string{"cache_lookup"}, Condition: CacheMiss, Timeout: timeoutRoute}
	retrieve := &Node{ID: "retrieve", Kind: KindRetrieve, DependsOn: []string{"route"}, Condition: CacheMiss, Timeout: timeoutRetrieve}
	synth := &Node{ID: "synthesize", Kind: KindSynthesize, DependsOn: []string{"retrieve"}, Condition: CacheMiss, Timeout: timeoutSynthesize}
	store := &Node{ID: "cache_store", Kind: KindCacheStore, DependsOn: []string{"synthesize"}, Condition: CacheMiss, Timeout: timeoutCacheStore}
	emit := &Node{ID: "emit", Kind: KindEmit, DependsOn: []string{"cache_store"}, Timeout: timeoutEmit}

	graph := NewGraph("search", plan, lookup, route, retrieve, synth, store, emit)

	registry := Registry{
		"plan":         NewPlanFunc(d.RouteClass),
		"cache_lookup": NewCacheLookupFunc(d.Cache),
		"route":        NewRouteFunc(d.Catalog, d.Bandit, d.Constraints, d.Shadow, d.ShadowBandit),
		"retrieve":     NewRetrieveFunc(d.Search, d.SearchMaxResults),
		"synthesize":   NewSynthesizeFunc(d.Pool, defaultTaskClassFor),
		"cache_store":  NewCacheStoreFunc(d.Cache),
		"emit":         NewEmitFunc(d.Logger),
	}
	return graph, registry
}

// BuildResearchGraph wires research: Plan → CacheLookup → (Route → Retrieve
// → Synthesize → Critic → CacheStore) → Emit. Critic may loop back into
// Synthesize in-process, bounded by CriticMaxLoops, without the static DAG
// itself containing a cycle.
func BuildResearchGraph(d Deps) (*Graph, Registry) {
	plan := &Node{ID: "plan", Kind: KindPlan, Timeout: timeoutPlan}
	lookup := &Node{ID: "cache_lookup", Kind: KindCacheLookup, DependsOn: []string{"plan"}, Timeout: timeoutCacheLookup}
	route := &Node{ID: "route", Kind: KindRoute, DependsOn: []string{"cache_lookup"}, Condition: CacheMiss, Timeout: timeoutRoute}
	retrieve := &Node{ID: "retrieve", Kind: KindRetrieve, DependsOn: []string{"route"}, Condition: CacheMiss, Timeout: timeoutRetrieve}
	synth := &Node{ID: "synthesize", Kind: KindSynthesize, DependsOn: []string{"retrieve"}, Condition: CacheMiss, Timeout: timeoutSynthesizeResearch}
	critic := &Node{ID: "critic", Kind: KindCritic, DependsOn: []string{"synthesize"}, Condition: CacheMiss, Timeout: timeoutCriticResearch}
	store := &Node{ID: "cache_store", Kind: KindCacheStore, DependsOn: []string{"critic"}, Condition: CacheMiss, Timeout: timeoutCacheStore}
	emit := &Node{ID: "emit", Kind: KindEmit, DependsOn: []string{"cache_store"}, Timeout: timeoutEmit}

	graph := NewGraph("research", plan, lookup, route, retrieve, synth, critic, store, emit)

	synthFunc := NewSynthesizeFunc(d.Pool, defaultTaskClassFor)
	criticModel := d.CriticModel
	if criticModel == "" {
		criticModel = d.RouteClass
	}
	registry := Registry{
		"plan":         NewPlanFunc(d.RouteClass),
		"cache_lookup": NewCacheLookupFunc(d.Cache),
		"route":        NewRouteFunc(d.Catalog, d.Bandit, d.Constraints, d.Shadow, d.ShadowBandit),
		"retrieve":     NewRetrieveFunc(d.Search, d.SearchMaxResults),
		"synthesize":   synthFunc,
		"critic":       NewCriticFunc(d.Pool, criticModel, d.CriticMaxLoops, synthFunc),
		"cache_store":  NewCacheStoreFunc(d.Cache),
		"emit":         NewEmitFunc(d.Logger),
	}
	return graph, registry
}
