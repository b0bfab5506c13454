package routing

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Bucket is the (task_type, complexity_class) pair a bandit decision is
// scoped to.
type Bucket struct {
	TaskType   string
	Complexity string
}

func (b Bucket) key() string { return b.TaskType + "/" + b.Complexity }

type armKey struct {
	route  string
	bucket string
}

type arm struct {
	mu                 sync.Mutex
	alpha, beta        float64
	lastChosenDecision int64
}

// RewardWeights mixes the reward components of the Update step. Defaults
// reflect this gateway's Open Question decision: correctness matters most,
// then staying within the latency target, then cost.
type RewardWeights struct {
	Success float64
	Latency float64
	Cost    float64
}

// DefaultRewardWeights are the gateway's chosen defaults (w_success=0.5,
// w_latency=0.3, w_cost=0.2).
func DefaultRewardWeights() RewardWeights {
	return RewardWeights{Success: 0.5, Latency: 0.3, Cost: 0.2}
}

// Reward computes r ∈ [0,1] from a completed invocation. latencyRatio and
// costRatio are observed/target, so 1.0 means "exactly at target" and values
// above 1 indicate overrun; both are clamped into [0,1] before weighting.
func Reward(w RewardWeights, success bool, latencyRatio, costRatio float64, thumbsUp *bool) float64 {
	successScore := 0.0
	if success {
		successScore = 1.0
	}
	latencyScore := clamp01(2 - latencyRatio) // 1.0 at target, 0 at 2x target or worse
	costScore := clamp01(2 - costRatio)

	r := w.Success*successScore + w.Latency*latencyScore + w.Cost*costScore
	if thumbsUp != nil {
		if *thumbsUp {
			r = clamp01(r + 0.1)
		} else {
			r = clamp01(r - 0.1)
		}
	}
	return clamp01(r)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// UtilityWeights are the utility coefficients: u = p·WQuality −
// CostCoef·est_cost − LatCoef·est_lat.
type UtilityWeights struct {
	WQuality float64
	CostCoef float64
	LatCoef  float64
}

// DefaultUtilityWeights favors the sampled success probability, with mild
// cost and latency penalties.
func DefaultUtilityWeights() UtilityWeights {
	return UtilityWeights{WQuality: 1.0, CostCoef: 0.1, LatCoef: 0.001}
}

// Bandit is a per-(route,bucket) Thompson-sampling Beta bandit.
type Bandit struct {
	mu      sync.Mutex
	arms    map[armKey]*arm
	decided int64

	coldAlpha, coldBeta float64
	utility             UtilityWeights
	weights             RewardWeights

	explorationWindow int64 // K: an arm unseen in the last K decisions is "cold"
	explorationEvery   int64 // M: a cold arm is forced once per M decisions

	rngMu sync.Mutex // guards rng: *rand.Rand is not safe for concurrent use, and Select is called concurrently across in-flight requests
	rng   *rand.Rand
}

// BanditOption configures a Bandit at construction.
type BanditOption func(*Bandit)

func WithUtilityWeights(w UtilityWeights) BanditOption { return func(b *Bandit) { b.utility = w } }
func WithRewardWeights(w RewardWeights) BanditOption    { return func(b *Bandit) { b.weights = w } }
func WithExplorationFloor(k, m int64) BanditOption {
	return func(b *Bandit) { b.explorationWindow = k; b.explorationEvery = m }
}
func WithRand(rng *rand.Rand) BanditOption { return func(b *Bandit) { b.rng = rng } }

// NewBandit builds a Bandit seeded with cold-start priors Beta(coldAlpha,
// coldBeta); a prior that is not positive defaults to 1.
func NewBandit(coldAlpha, coldBeta float64, opts ...BanditOption) *Bandit {
	if coldAlpha <= 0 {
		coldAlpha = 1
	}
	if coldBeta <= 0 {
		coldBeta = 1
	}
	b := &Bandit{
		arms:              make(map[armKey]*arm),
		coldAlpha:         coldAlpha,
		coldBeta:          coldBeta,
		utility:           DefaultUtilityWeights(),
		weights:           DefaultRewardWeights(),
		explorationWindow: 200,
		explorationEvery:  50,
		rng:               rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	return b
}

func (b *Bandit) armFor(route string, bucket Bucket) *arm {
	k := armKey{route: route, bucket: bucket.key()}

	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.arms[k]
	if !ok {
		a = &arm{alpha: b.coldAlpha, beta: b.coldBeta}
		b.arms[k] = a
	}
	return a
}

// Choice is the outcome of a SAMPLE+CHOOSE pass over candidate routes.
type Choice struct {
	Route    RouteMeta
	Bucket   Bucket
	SampledP float64
	Utility  float64
	Forced   bool // true if chosen via the cold-start exploration floor
}

// Select runs SAMPLE → CHOOSE over candidates for bucket: draws p ~
// Beta(α,β) per arm, computes utility, and returns the argmax. If any
// candidate arm has gone unseen for explorationWindow decisions, it is
// forced once every explorationEvery decisions regardless of utility.
func (b *Bandit) Select(candidates []RouteMeta, bucket Bucket, estCost, estLatencyMS float64) (Choice, bool) {
	if len(candidates) == 0 {
		return Choice{}, false
	}

	b.mu.Lock()
	decision := b.decided
	b.decided++
	b.mu.Unlock()

	var forcedRoute *RouteMeta
	if b.explorationEvery > 0 && decision%b.explorationEvery == 0 {
		for i := range candidates {
			a := b.armFor(candidates[i].Name, bucket)
			a.mu.Lock()
			cold := decision-a.lastChosenDecision > b.explorationWindow
			a.mu.Unlock()
			if cold {
				forcedRoute = &candidates[i]
				break
			}
		}
	}

	best := Choice{}
	bestUtility := math.Inf(-1)
	for _, route := range candidates {
		a := b.armFor(route.Name, bucket)
		a.mu.Lock()
		alpha, beta := a.alpha, a.beta
		a.mu.Unlock()

		b.rngMu.Lock()
		p := sampleBeta(b.rng, alpha, beta)
		b.rngMu.Unlock()

		u := p*b.utility.WQuality - b.utility.CostCoef*estCost - b.utility.LatCoef*estLatencyMS
		if forcedRoute != nil && route.Name == forcedRoute.Name {
			best = Choice{Route: route, Bucket: bucket, SampledP: p, Utility: u, Forced: true}
			bestUtility = math.Inf(1)
			continue
		}
		if u > bestUtility {
			bestUtility = u
			best = Choice{Route: route, Bucket: bucket, SampledP: p, Utility: u}
		}
	}

	chosen := b.armFor(best.Route.Name, bucket)
	chosen.mu.Lock()
	chosen.lastChosenDecision = decision
	chosen.mu.Unlock()

	return best, true
}

// Update applies a completed request's reward to the chosen arm: α←α+r,
// β←β+(1−r). Updates for the same arm are serialized; different arms are
// independent.
func (b *Bandit) Update(route string, bucket Bucket, reward float64) {
	reward = clamp01(reward)
	a := b.armFor(route, bucket)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alpha += reward
	a.beta += 1 - reward
}

// Snapshot returns the current (alpha, beta) for one arm, mostly for tests
// and observability.
func (b *Bandit) Snapshot(route string, bucket Bucket) (alpha, beta float64) {
	a := b.armFor(route, bucket)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alpha, a.beta
}

// sampleGamma draws from Gamma(shape, 1) via Marsaglia & Tsang's method.
// For shape<1 it boosts by one and corrects with a uniform power transform.
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		u := rng.Float64()
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)

	for {
		var x, v float64
		for {
			x = rng.NormFloat64()
			v = 1 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// sampleBeta draws from Beta(alpha, beta) via the Gamma-ratio construction:
// X~Gamma(alpha), Y~Gamma(beta), X/(X+Y)~Beta(alpha,beta).
func sampleBeta(rng *rand.Rand, alpha, beta float64) float64 {
	x := sampleGamma(rng, alpha)
	y := sampleGamma(rng, beta)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}
