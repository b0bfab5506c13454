// Package ratelimit implements the sliding-window, bounded-memory rate
// limiter of: per-identifier request buckets, a periodic sweeper that
// reclaims idle buckets, and a global cap on the number of tracked
// identifiers.
package ratelimit

import (
	"sort"
	"sync"
	"time"
)

// Tier is a user tier; each has its own default requests-per-minute cap.
type Tier string

const (
	TierAnonymous Tier = "anonymous"
	TierFree      Tier = "free"
	TierPro       Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// DefaultCaps returns the default requests-per-minute caps per tier.
func DefaultCaps() map[Tier]int {
	return map[Tier]int{
		TierAnonymous:  5,
		TierFree:       20,
		TierPro:        120,
		TierEnterprise: 600,
	}
}

type bucket struct {
	mu        sync.Mutex
	tokens    []time.Time
	lastSeen  time.Time
}

// Limiter is a sliding-window-log limiter bounded by identifier count.
type Limiter struct {
	caps map[Tier]int

	mu          sync.Mutex
	buckets     map[string]*bucket
	maxIdents   int
	idleTTL     time.Duration
	sweepEvery  time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
}

// Config controls the bounded-memory behavior: how many identifiers to
// track and how long an idle one survives before the sweeper evicts it.
type Config struct {
	Caps          map[Tier]int
	MaxIdentities int
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

func NewLimiter(cfg Config) *Limiter {
	if cfg.Caps == nil {
		cfg.Caps = DefaultCaps()
	}
	if cfg.MaxIdentities <= 0 {
		cfg.MaxIdentities = 100000
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	l := &Limiter{
		caps:       cfg.Caps,
		buckets:    make(map[string]*bucket),
		maxIdents:  cfg.MaxIdentities,
		idleTTL:    cfg.IdleTTL,
		sweepEvery: cfg.SweepInterval,
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
	go l.sweepLoop()
	return l
}

// Result is the outcome of an Allow check.
type Result struct {
	Allowed          bool
	Limit            int
	Remaining        int
	RetryAfterSeconds int
}

// Allow checks identifier against tier's cap, recording the attempt if
// allowed. Suspension-free; safe to call from a hot path.
func (l *Limiter) Allow(identifier string, tier Tier) Result {
	cap := l.caps[tier]
	if cap <= 0 {
		cap = l.caps[TierFree]
	}

	b := l.bucketFor(identifier)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	windowStart := now.Add(-60 * time.Second)
	b.lastSeen = now

	kept := b.tokens[:0]
	for _, t := range b.tokens {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}
	b.tokens = kept

	if len(b.tokens) >= cap {
		retryAfter := 60
		if len(b.tokens) > 0 {
			retryAfter = int(time.Until(b.tokens[0].Add(60*time.Second)).Seconds()) + 1
			if retryAfter < 0 {
				retryAfter = 1
			}
			if retryAfter > 60 {
				retryAfter = 60
			}
		}
		return Result{Allowed: false, Limit: cap, Remaining: 0, RetryAfterSeconds: retryAfter}
	}

	b.tokens = append(b.tokens, now)
	return Result{Allowed: true, Limit: cap, Remaining: cap - len(b.tokens)}
}

func (l *Limiter) bucketFor(identifier string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[identifier]
	if ok {
		return b
	}

	if len(l.buckets) >= l.maxIdents {
		l.evictOldestLocked(1)
	}

	b = &bucket{lastSeen: l.now()}
	l.buckets[identifier] = b
	return b
}

// evictOldestLocked removes the n identifiers with the oldest lastSeen.
// Caller must hold l.mu.
func (l *Limiter) evictOldestLocked(n int) {
	type kv struct {
		key  string
		seen time.Time
	}
	all := make([]kv, 0, len(l.buckets))
	for k, b := range l.buckets {
		all = append(all, kv{k, b.lastSeen})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seen.Before(all[j].seen) })
	for i := 0; i < n && i < len(all); i++ {
		delete(l.buckets, all[i].key)
	}
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep deletes every bucket idle for longer than idleTTL in one pass,
// holding the map lock throughout.
func (l *Limiter) sweep() {
	cutoff := l.now().Add(-l.idleTTL)

	l.mu.Lock()
	var stale []string
	for k, b := range l.buckets {
		b.mu.Lock()
		idle := b.lastSeen.Before(cutoff)
		b.mu.Unlock()
		if idle {
			stale = append(stale, k)
		}
	}
	for _, k := range stale {
		delete(l.buckets, k)
	}
	l.mu.Unlock()
}

// Stop halts the sweeper goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// TrackedIdentities returns the current number of tracked buckets (for tests/metrics).
func (l *Limiter) TrackedIdentities() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
