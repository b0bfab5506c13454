package routing

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// ShadowDecision is what a shadow evaluation logs: the selection the
// candidate policy *would* have made, with no backend call and no effect
// on production traffic or the live bandit.
type ShadowDecision struct {
	Route           string
	Bucket          Bucket
	SampledP        float64
	Utility         float64
	HypotheticalReward float64
	At              time.Time
}

// variantSample mirrors the teacher's VariantMetrics shape, tracking the
// running mean/variance needed for a two-sample z-test between the
// production arm and its shadowed alternative.
type variantSample struct {
	count        int64
	sum          float64
	sumSq        float64
}

func (v *variantSample) record(x float64) {
	v.count++
	v.sum += x
	v.sumSq += x * x
}

func (v *variantSample) mean() float64 {
	if v.count == 0 {
		return 0
	}
	return v.sum / float64(v.count)
}

func (v *variantSample) variance() float64 {
	if v.count < 2 {
		return 0
	}
	m := v.mean()
	return v.sumSq/float64(v.count) - m*m
}

// ZTestResult is a two-sample z-test outcome between production and shadow
// hypothetical rewards.
type ZTestResult struct {
	ZScore      float64
	PValue      float64
	Significant bool
	ShadowBetter bool
}

// Evaluator runs shadow mode: with probability shadowRate, it also
// computes (but never executes) the selection an alternative candidate
// policy would make, and accumulates its hypothetical reward alongside the
// production arm's actual reward for later comparison.
type Evaluator struct {
	mu         sync.Mutex
	shadowRate float64
	production map[armKey]*variantSample
	shadow     map[armKey]*variantSample
	rng        *rand.Rand
	onDecision func(ShadowDecision)
}

// NewEvaluator builds a shadow evaluator. onDecision, if non-nil, receives
// every shadow decision for logging/analytics (component H).
func NewEvaluator(shadowRate float64, onDecision func(ShadowDecision)) *Evaluator {
	return &Evaluator{
		shadowRate: shadowRate,
		production: make(map[armKey]*variantSample),
		shadow:     make(map[armKey]*variantSample),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		onDecision: onDecision,
	}
}

// ShouldShadow decides, for this request, whether to also run the shadow
// selection. Independent of the production CHOOSE outcome.
func (e *Evaluator) ShouldShadow() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Float64() < e.shadowRate
}

// RunShadow computes the candidate policy's selection in dry-run and
// records its hypothetical reward. It never calls Bandit.Update and never
// triggers a backend invocation.
func (e *Evaluator) RunShadow(shadowBandit *Bandit, candidates []RouteMeta, bucket Bucket, estCost, estLatencyMS float64, hypotheticalReward func(Choice) float64) (ShadowDecision, bool) {
	choice, ok := shadowBandit.Select(candidates, bucket, estCost, estLatencyMS)
	if !ok {
		return ShadowDecision{}, false
	}

	reward := hypotheticalReward(choice)
	decision := ShadowDecision{
		Route:              choice.Route.Name,
		Bucket:             bucket,
		SampledP:           choice.SampledP,
		Utility:            choice.Utility,
		HypotheticalReward: reward,
		At:                 time.Now(),
	}

	k := armKey{route: choice.Route.Name, bucket: bucket.key()}
	e.mu.Lock()
	s, ok := e.shadow[k]
	if !ok {
		s = &variantSample{}
		e.shadow[k] = s
	}
	s.record(reward)
	e.mu.Unlock()

	if e.onDecision != nil {
		e.onDecision(decision)
	}
	return decision, true
}

// RecordProduction records the actual reward observed for a production
// decision, for later comparison against the shadow sample on the same arm.
func (e *Evaluator) RecordProduction(route string, bucket Bucket, reward float64) {
	k := armKey{route: route, bucket: bucket.key()}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.production[k]
	if !ok {
		s = &variantSample{}
		e.production[k] = s
	}
	s.record(reward)
}

// Compare runs a two-sample z-test between the production and shadow
// reward distributions for (route, bucket), grounded on the teacher's
// CompareCosts z-test.
func (e *Evaluator) Compare(route string, bucket Bucket) (ZTestResult, bool) {
	k := armKey{route: route, bucket: bucket.key()}

	e.mu.Lock()
	prod, hasProd := e.production[k]
	shad, hasShad := e.shadow[k]
	e.mu.Unlock()

	if !hasProd || !hasShad || prod.count < 30 || shad.count < 30 {
		return ZTestResult{}, false
	}

	n1, n2 := float64(prod.count), float64(shad.count)
	se := math.Sqrt(prod.variance()/n1 + shad.variance()/n2)
	if se == 0 {
		return ZTestResult{}, false
	}

	z := (shad.mean() - prod.mean()) / se
	pValue := 2 * normalCDF(-math.Abs(z))

	return ZTestResult{
		ZScore:       z,
		PValue:       pValue,
		Significant:  pValue < 0.05,
		ShadowBetter: shad.mean() > prod.mean(),
	}, true
}

// normalCDF approximates the standard normal CDF via the Abramowitz &
// Stegun rational approximation.
func normalCDF(x float64) float64 {
	if x < -8 {
		return 0
	}
	if x > 8 {
		return 1
	}

	t := 1.0 / (1.0 + 0.2316419*math.Abs(x))
	d := 0.3989422804014327
	prob := d * math.Exp(-x*x/2.0) *
		(t * (0.3193815 + t*(-0.3565638+t*(1.781478+t*(-1.821256+t*1.330274)))))

	if x > 0 {
		return 1 - prob
	}
	return prob
}
