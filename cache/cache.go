// Package cache implements the gateway's two-tier response cache: an
// in-process L1 LRU backed by an optional Redis L2, with single-flight
// producer coalescing and TTLs keyed by query complexity class.
package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Class is the query complexity class that determines TTL.
type Class string

const (
	ClassUltraFast Class = "ultra_fast"
	ClassStandard  Class = "standard"
	ClassDetailed  Class = "detailed"
	ClassSearch    Class = "search"
)

var classTTLs = map[Class]time.Duration{
	ClassUltraFast: 7200 * time.Second,
	ClassStandard:  3600 * time.Second,
	ClassDetailed:  1800 * time.Second,
	ClassSearch:    900 * time.Second,
}

// TTLFor returns the configured TTL for class, defaulting to ClassStandard's
// TTL for an unrecognized class.
func TTLFor(class Class) time.Duration {
	if ttl, ok := classTTLs[class]; ok {
		return ttl
	}
	return classTTLs[ClassStandard]
}

// Config controls L1 sizing and the optional L2 endpoint.
type Config struct {
	L1MaxItems int
	L1MaxBytes int
	L2URL      string
}

// Stats is a snapshot of cumulative cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	L1Hits    int64
	L2Hits    int64
	L2Errors  int64
	Entries   int
	HitRate   float64
}

// Service is the top-level two-tier cache used by the orchestrator.
type Service struct {
	l1     *l1
	l2     RemoteCache
	l2ok   bool
	group  singleflight.Group
	logger zerolog.Logger

	hits, misses, l1Hits, l2Hits, l2Errors int64
}

// NewService builds a cache service. l2 may be nil (L1-only mode).
func NewService(cfg Config, l2 RemoteCache, logger zerolog.Logger) *Service {
	return &Service{
		l1:     newL1(cfg.L1MaxItems, cfg.L1MaxBytes),
		l2:     l2,
		l2ok:   l2 != nil,
		logger: logger.With().Str("component", "cache").Logger(),
	}
}

// Lookup checks L1 then, on miss, L2 (promoting an L2 hit back into L1).
// A corrupted L2 payload is treated as a miss rather than an error.
func (s *Service) Lookup(ctx context.Context, key string, class Class) ([]byte, bool, string) {
	if v, ok := s.l1.get(key); ok {
		atomic.AddInt64(&s.hits, 1)
		atomic.AddInt64(&s.l1Hits, 1)
		return v, true, "l1"
	}

	if s.l2 != nil {
		data, ok, err := s.l2.Get(ctx, key)
		if err != nil {
			atomic.AddInt64(&s.l2Errors, 1)
			s.noteL2Failure(err)
		} else if ok && len(data) > 0 {
			atomic.AddInt64(&s.hits, 1)
			atomic.AddInt64(&s.l2Hits, 1)
			s.l1.set(key, data, TTLFor(class))
			return data, true, "l2"
		}
	}

	atomic.AddInt64(&s.misses, 1)
	return nil, false, ""
}

// Store writes through to both tiers. An L2 write failure is logged but
// never fails the call — L1 stays authoritative.
func (s *Service) Store(ctx context.Context, key string, value []byte, class Class) {
	ttl := TTLFor(class)
	s.l1.set(key, value, ttl)

	if s.l2 != nil {
		if err := s.l2.Set(ctx, key, value, ttl); err != nil {
			atomic.AddInt64(&s.l2Errors, 1)
			s.noteL2Failure(err)
		}
	}
}

// GetOrProduce coalesces concurrent callers sharing the same key: at most
// one producer runs per key at a time, with the rest blocking on its result.
// A successful produce is stored under class's TTL.
func (s *Service) GetOrProduce(ctx context.Context, key string, class Class, produce func() ([]byte, error)) ([]byte, string, error) {
	if v, hit, source := s.Lookup(ctx, key, class); hit {
		return v, source, nil
	}

	v, err, shared := s.group.Do(key, func() (interface{}, error) {
		if cached, hit, source := s.Lookup(ctx, key, class); hit {
			return struct {
				data   []byte
				source string
			}{cached, source}, nil
		}
		data, err := produce()
		if err != nil {
			return nil, err
		}
		s.Store(ctx, key, data, class)
		return struct {
			data   []byte
			source string
		}{data, "produced"}, nil
	})
	if err != nil {
		return nil, "", err
	}

	result := v.(struct {
		data   []byte
		source string
	})
	source := result.source
	if shared && source == "produced" {
		source = "produced-shared"
	}
	return result.data, source, nil
}

// Invalidate removes key from both tiers.
func (s *Service) Invalidate(ctx context.Context, key string) {
	s.l1.delete(key)
	if s.l2 != nil {
		if err := s.l2.Delete(ctx, key); err != nil {
			s.noteL2Failure(err)
		}
	}
}

func (s *Service) noteL2Failure(err error) {
	if s.l2ok {
		s.logger.Warn().Err(err).Msg("L2 cache unavailable, continuing L1-only")
	}
	s.l2ok = false
}

// Stats returns a snapshot of cumulative counters.
func (s *Service) Stats() Stats {
	hits := atomic.LoadInt64(&s.hits)
	misses := atomic.LoadInt64(&s.misses)
	total := hits + misses
	rate := 0.0
	if total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Hits:     hits,
		Misses:   misses,
		L1Hits:   atomic.LoadInt64(&s.l1Hits),
		L2Hits:   atomic.LoadInt64(&s.l2Hits),
		L2Errors: atomic.LoadInt64(&s.l2Errors),
		Entries:  s.l1.len(),
		HitRate:  rate,
	}
}
