package cache

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func newTestService() *Service {
	return NewService(Config{L1MaxItems: 4, L1MaxBytes: 1 << 20}, nil, zerolog.Nop())
}

func TestLookupMissThenStoreThenHit(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	if _, hit, _ := s.Lookup(ctx, "k1", ClassStandard); hit {
		t.Fatalf("expected miss on empty cache")
	}

	s.Store(ctx, "k1", []byte("hello"), ClassStandard)

	v, hit, source := s.Lookup(ctx, "k1", ClassStandard)
	if !hit || source != "l1" {
		t.Fatalf("expected l1 hit, got hit=%v source=%s", hit, source)
	}
	if string(v) != "hello" {
		t.Fatalf("unexpected value %q", v)
	}

	stats := s.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestL1EvictsLeastRecentlyUsed(t *testing.T) {
	l := newL1(2, 1<<20)
	l.set("a", []byte("1"), TTLFor(ClassStandard))
	l.set("b", []byte("2"), TTLFor(ClassStandard))

	// Touch "a" so "b" becomes the LRU victim.
	if _, ok := l.get("a"); !ok {
		t.Fatalf("expected a present")
	}
	l.set("c", []byte("3"), TTLFor(ClassStandard))

	if _, ok := l.get("b"); ok {
		t.Fatalf("expected b evicted as least recently used")
	}
	if _, ok := l.get("a"); !ok {
		t.Fatalf("expected a to survive eviction")
	}
	if _, ok := l.get("c"); !ok {
		t.Fatalf("expected c present")
	}
}

func TestGetOrProduceCoalescesAndCaches(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	calls := 0

	produce := func() ([]byte, error) {
		calls++
		return []byte("produced-value"), nil
	}

	v, source, err := s.GetOrProduce(ctx, "k2", ClassSearch, produce)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(v) != "produced-value" || source != "produced" {
		t.Fatalf("unexpected result %q / %s", v, source)
	}

	v2, source2, err := s.GetOrProduce(ctx, "k2", ClassSearch, produce)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(v2) != "produced-value" || source2 != "l1" {
		t.Fatalf("expected l1 hit on second call, got %s", source2)
	}
	if calls != 1 {
		t.Fatalf("expected producer called exactly once, got %d", calls)
	}
}

func TestTTLForUnknownClassDefaultsToStandard(t *testing.T) {
	if TTLFor(Class("bogus")) != TTLFor(ClassStandard) {
		t.Fatalf("expected unknown class to fall back to standard TTL")
	}
}
