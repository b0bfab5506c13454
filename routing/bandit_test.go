package routing

import (
	"math/rand"
	"testing"
	"time"
)

func TestCatalogCandidatesFiltersHardConstraints(t *testing.T) {
	cat := NewCatalog(
		RouteMeta{Name: "cheap", CostPerUnit: 0.02, Quality: 0.6, LatencyClassMS: 500},
		RouteMeta{Name: "pricey", CostPerUnit: 0.9, Quality: 0.95, LatencyClassMS: 2000},
	)

	got := cat.Candidates(Constraints{MaxCostPerUnit: 0.1})
	if len(got) != 1 || got[0].Name != "cheap" {
		t.Fatalf("expected only cheap route to survive, got %+v", got)
	}
}

func TestFailoverNextFallbackSkipsUnhealthy(t *testing.T) {
	cat := NewCatalog(
		RouteMeta{Name: "primary", Fallbacks: []string{"secondary", "static-fallback"}},
		RouteMeta{Name: "secondary"},
		RouteMeta{Name: "static-fallback"},
	)
	fs := NewFailoverState(1, time.Minute)
	fs.RecordFailure("secondary")

	primary, _ := cat.Get("primary")
	next, err := cat.NextFallback(fs, primary)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Name != "static-fallback" {
		t.Fatalf("expected static-fallback after skipping unhealthy secondary, got %s", next.Name)
	}
}

func TestBanditUpdatePullsArmTowardObservedReward(t *testing.T) {
	b := NewBandit(1, 1, WithRand(rand.New(rand.NewSource(42))))
	bucket := Bucket{TaskType: "chat", Complexity: "standard"}

	for i := 0; i < 50; i++ {
		b.Update("good-route", bucket, 1.0)
		b.Update("bad-route", bucket, 0.0)
	}

	goodAlpha, goodBeta := b.Snapshot("good-route", bucket)
	badAlpha, badBeta := b.Snapshot("bad-route", bucket)

	if goodAlpha/(goodAlpha+goodBeta) <= badAlpha/(badAlpha+badBeta) {
		t.Fatalf("expected good-route's posterior mean to exceed bad-route's: good=%f/%f bad=%f/%f",
			goodAlpha, goodBeta, badAlpha, badBeta)
	}
}

func TestBanditSelectPicksHighRewardArmMoreOften(t *testing.T) {
	b := NewBandit(1, 1, WithExplorationFloor(0, 0), WithRand(rand.New(rand.NewSource(7))))
	bucket := Bucket{TaskType: "chat", Complexity: "ultra_fast"}
	candidates := []RouteMeta{{Name: "good"}, {Name: "bad"}}

	for i := 0; i < 200; i++ {
		b.Update("good", bucket, 0.95)
		b.Update("bad", bucket, 0.05)
	}

	counts := map[string]int{}
	for i := 0; i < 100; i++ {
		choice, ok := b.Select(candidates, bucket, 0, 0)
		if !ok {
			t.Fatalf("expected a choice")
		}
		counts[choice.Route.Name]++
	}

	if counts["good"] <= counts["bad"] {
		t.Fatalf("expected good arm to be chosen more often, got %+v", counts)
	}
}

func TestRewardClampedToUnitInterval(t *testing.T) {
	w := DefaultRewardWeights()
	r := Reward(w, true, 0, 0, nil)
	if r < 0 || r > 1 {
		t.Fatalf("reward out of [0,1]: %f", r)
	}
	r2 := Reward(w, false, 10, 10, nil)
	if r2 < 0 || r2 > 1 {
		t.Fatalf("reward out of [0,1]: %f", r2)
	}
}

func TestEvaluatorShadowNeverUpdatesProductionArm(t *testing.T) {
	prodBandit := NewBandit(1, 1)
	shadowBandit := NewBandit(1, 1)
	bucket := Bucket{TaskType: "chat", Complexity: "standard"}
	candidates := []RouteMeta{{Name: "alt"}}

	beforeAlpha, beforeBeta := prodBandit.Snapshot("alt", bucket)

	eval := NewEvaluator(1.0, nil)
	_, ok := eval.RunShadow(shadowBandit, candidates, bucket, 0, 0, func(c Choice) float64 { return 0.8 })
	if !ok {
		t.Fatalf("expected shadow decision")
	}

	afterAlpha, afterBeta := prodBandit.Snapshot("alt", bucket)
	if beforeAlpha != afterAlpha || beforeBeta != afterBeta {
		t.Fatalf("shadow run must never mutate the production bandit")
	}
}
