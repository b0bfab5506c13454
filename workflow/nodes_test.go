package workflow

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/orchestrate-ai/gateway/cache"
)

func TestClassifyComplexityBuckets(t *testing.T) {
	cases := []struct {
		taskType, query string
		want            cache.Class
	}{
		{"chat", "hi", cache.ClassUltraFast},
		{"chat", "what's the weather like today in general terms", cache.ClassStandard},
		{"chat", "please analyze and compare the pros and cons of microservices versus a monolith in depth", cache.ClassDetailed},
		{"search", "latest news on rust async runtimes", cache.ClassSearch},
	}
	for _, c := range cases {
		got := classifyComplexity(c.taskType, c.query)
		if got != c.want {
			t.Errorf("classifyComplexity(%q, %q) = %s, want %s", c.taskType, c.query, got, c.want)
		}
	}
}

func TestPlanFuncSetsFingerprintAndComplexity(t *testing.T) {
	state := NewGraphState()
	state.Set(KeyTaskType, "chat")
	state.Set(KeyQuery, "hello there")

	fn := NewPlanFunc("default")
	if err := fn(context.Background(), state); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.GetString(KeyFingerprint) == "" {
		t.Fatalf("expected a fingerprint to be set")
	}
	if state.GetString(KeyComplexity) == "" {
		t.Fatalf("expected a complexity bucket to be set")
	}
}

func TestEmitFuncPrefersCachedAnswerOnHit(t *testing.T) {
	state := NewGraphState()
	state.Set(KeyCacheHit, true)
	state.Set(KeyCachedResponse, "cached answer")
	state.Set(KeyAnswer, "should not be used")

	fn := NewEmitFunc(zerolog.Nop())
	if err := fn(context.Background(), state); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.GetString(KeyFinalAnswer) != "cached answer" {
		t.Fatalf("expected cached answer to win, got %q", state.GetString(KeyFinalAnswer))
	}
}

func TestEmitFuncDegradesOnFailure(t *testing.T) {
	state := NewGraphState()
	state.Set(KeyFailed, true)
	state.Set(KeyFailureReason, "backend unavailable")

	fn := NewEmitFunc(zerolog.Nop())
	if err := fn(context.Background(), state); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.GetString(KeyFinalAnswer) != degradedAnswer {
		t.Fatalf("expected degraded answer, got %q", state.GetString(KeyFinalAnswer))
	}
}

func TestCacheLookupFuncSetsCacheHit(t *testing.T) {
	svc := cache.NewService(cache.Config{L1MaxItems: 4, L1MaxBytes: 1 << 20}, nil, zerolog.Nop())
	svc.Store(context.Background(), "fp-1", []byte("stored answer"), cache.ClassStandard)

	state := NewGraphState()
	state.Set(KeyFingerprint, "fp-1")
	state.Set(KeyComplexity, string(cache.ClassStandard))

	fn := NewCacheLookupFunc(svc)
	if err := fn(context.Background(), state); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !state.GetBool(KeyCacheHit) {
		t.Fatalf("expected cache hit")
	}
	if state.GetString(KeyCachedResponse) != "stored answer" {
		t.Fatalf("unexpected cached response: %q", state.GetString(KeyCachedResponse))
	}
}
