package budget

import (
	"math"
	"sync"
)

// RoutePrice holds per-1M-token USD pricing for one route's backend model
// class, carried forward from the teacher's per-vendor pricing table but
// keyed by Route instead of
// cloud vendor, since the pool invokes local backends over one protocol.
type RoutePrice struct {
	InputPer1M  float64
	OutputPer1M float64
	Free        bool
}

// PricingTable maps route name to its pricing entry.
type PricingTable struct {
	mu      sync.RWMutex
	pricing map[string]RoutePrice
}

// DefaultPricingTable returns a pricing table for the default local model
// classes (tiny/small/medium/research), tuned for inexpensive self-hosted
// inference rather than cloud list prices.
func DefaultPricingTable() *PricingTable {
	return &PricingTable{
		pricing: map[string]RoutePrice{
			"tiny-fast":       {InputPer1M: 0.02, OutputPer1M: 0.04},
			"small-standard":  {InputPer1M: 0.08, OutputPer1M: 0.16},
			"medium-detailed": {InputPer1M: 0.25, OutputPer1M: 0.50},
			"research-deep":   {InputPer1M: 0.50, OutputPer1M: 1.00},
			"static-fallback": {Free: true},
		},
	}
}

func (pt *PricingTable) Get(route string) (RoutePrice, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	p, ok := pt.pricing[route]
	return p, ok
}

func (pt *PricingTable) Set(route string, price RoutePrice) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.pricing[route] = price
}

// Calculate computes the USD cost of a completed request on route.
func (pt *PricingTable) Calculate(route string, inputTokens, outputTokens int) float64 {
	p, ok := pt.Get(route)
	if !ok || p.Free {
		return 0
	}
	cost := float64(inputTokens)/1_000_000*p.InputPer1M + float64(outputTokens)/1_000_000*p.OutputPer1M
	return math.Round(cost*1e8) / 1e8
}

// Estimate computes a pre-flight cost estimate from predicted tokens.
func (pt *PricingTable) Estimate(route string, estimatedInputTokens, predictedOutputTokens int) float64 {
	return pt.Calculate(route, estimatedInputTokens, predictedOutputTokens)
}
