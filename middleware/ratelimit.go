package middleware

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/orchestrate-ai/gateway/ratelimit"
)

// RateLimiter adapts ratelimit.Limiter into chi middleware, resolving a
// per-request identifier and tier from context.
type RateLimiter struct {
	logger  zerolog.Logger
	enabled bool
	limiter *ratelimit.Limiter
	tierOf  func(r *http.Request) ratelimit.Tier
}

func NewRateLimiter(logger zerolog.Logger, enabled bool, limiter *ratelimit.Limiter, tierOf func(r *http.Request) ratelimit.Tier) *RateLimiter {
	if tierOf == nil {
		tierOf = func(*http.Request) ratelimit.Tier { return ratelimit.TierFree }
	}
	return &RateLimiter{logger: logger, enabled: enabled, limiter: limiter, tierOf: tierOf}
}

func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.enabled {
			next.ServeHTTP(w, r)
			return
		}

		key := GetAPIKey(r.Context())
		if key == "" {
			key = r.RemoteAddr
		}
		tier := rl.tierOf(r)

		result := rl.limiter.Allow(key, tier)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))

		if !result.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfterSeconds))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":"RATE_LIMITED","retry_after_seconds":%d}`, result.RetryAfterSeconds)
			rl.logger.Warn().Str("tier", string(tier)).Int("limit", result.Limit).Msg("rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}
