// Package routing implements the gateway's adaptive router: a candidate
// route catalog with hard-constraint filtering, a per-route fallback
// chain, and (in bandit.go/shadow.go) the Thompson-sampling arm selection
// and shadow-mode evaluation built on top of it.
package routing

import (
	"fmt"
	"sync"
	"time"
)

// RouteMeta is the static metadata for one candidate route: a (model,
// backend-class) pairing the bandit can choose between.
type RouteMeta struct {
	Name           string
	Model          string
	CostPerUnit    float64 // est. USD per 1K tokens, used by the FILTER stage
	Quality        float64 // 0..1 relative quality score
	LatencyClassMS int     // expected p50 latency, ms
	Fallbacks      []string
}

// Constraints are the hard limits a candidate route must satisfy to survive
// the FILTER stage of a bandit decision.
type Constraints struct {
	MaxCostPerUnit float64
	MinQuality     float64
	MaxLatencyMS   int
}

func (c Constraints) satisfiedBy(r RouteMeta) bool {
	if c.MaxCostPerUnit > 0 && r.CostPerUnit > c.MaxCostPerUnit {
		return false
	}
	if c.MinQuality > 0 && r.Quality < c.MinQuality {
		return false
	}
	if c.MaxLatencyMS > 0 && r.LatencyClassMS > c.MaxLatencyMS {
		return false
	}
	return true
}

// Catalog holds the statically configured routes.
type Catalog struct {
	mu     sync.RWMutex
	routes map[string]RouteMeta
}

// NewCatalog builds a catalog from the given routes.
func NewCatalog(routes ...RouteMeta) *Catalog {
	c := &Catalog{routes: make(map[string]RouteMeta, len(routes))}
	for _, r := range routes {
		c.routes[r.Name] = r
	}
	return c
}

func (c *Catalog) Get(name string) (RouteMeta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.routes[name]
	return r, ok
}

func (c *Catalog) Register(r RouteMeta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[r.Name] = r
}

// Candidates returns every registered route that satisfies constraints —
// the FILTER step of the bandit decision state machine.
func (c *Catalog) Candidates(constraints Constraints) []RouteMeta {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]RouteMeta, 0, len(c.routes))
	for _, r := range c.routes {
		if constraints.satisfiedBy(r) {
			out = append(out, r)
		}
	}
	return out
}

// FailoverState tracks per-route health for fallback-chain decisions: on
// BACKEND_TIMEOUT/BACKEND_ERROR the router walks a route's ordered
// Fallbacks exactly once per request.
type FailoverState struct {
	mu        sync.RWMutex
	failures  map[string]int
	lastFail  map[string]time.Time
	threshold int
	cooldown  time.Duration
}

// NewFailoverState creates a failover tracker. threshold consecutive
// failures marks a route unhealthy; cooldown governs how long before it is
// retried.
func NewFailoverState(threshold int, cooldown time.Duration) *FailoverState {
	if threshold <= 0 {
		threshold = 3
	}
	return &FailoverState{
		failures:  make(map[string]int),
		lastFail:  make(map[string]time.Time),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func (fs *FailoverState) RecordFailure(route string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.failures[route]++
	fs.lastFail[route] = time.Now()
}

func (fs *FailoverState) RecordSuccess(route string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.failures[route] = 0
}

func (fs *FailoverState) IsHealthy(route string) bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	count := fs.failures[route]
	if count < fs.threshold {
		return true
	}
	lastFail, ok := fs.lastFail[route]
	if !ok {
		return true
	}
	return time.Since(lastFail) > fs.cooldown
}

// NextFallback walks route's fallback chain in order, returning the first
// route name judged healthy. Each route is tried at most once.
func (c *Catalog) NextFallback(fs *FailoverState, route RouteMeta) (RouteMeta, error) {
	for _, name := range route.Fallbacks {
		if !fs.IsHealthy(name) {
			continue
		}
		fallback, ok := c.Get(name)
		if !ok {
			continue
		}
		return fallback, nil
	}
	return RouteMeta{}, fmt.Errorf("routing: fallback chain exhausted for %s", route.Name)
}
