package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// RateLimitConfig sets the sustained rate and burst allowance applied per
// caller on the command intake surface.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// RateLimitFor derives a config from the configured requests-per-second,
// allowing bursts of twice the sustained rate.
func RateLimitFor(rps float64) RateLimitConfig {
	if rps <= 0 {
		rps = 100
	}
	return RateLimitConfig{
		RequestsPerSecond: rps,
		BurstSize:         int(rps * 2),
	}
}

// tokenBucket refills at a fixed rate up to a burst ceiling.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (b *tokenBucket) retryAfter() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refillRate <= 0 {
		return 1
	}
	return int((1-b.tokens)/b.refillRate) + 1
}

type limiterStore struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
	cfg     RateLimitConfig
}

func (s *limiterStore) bucket(key string) *tokenBucket {
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[key]; ok {
		return b
	}
	b = newTokenBucket(s.cfg.RequestsPerSecond, s.cfg.BurstSize)
	s.buckets[key] = b
	return b
}

// RateLimit throttles requests per tenant and client IP with a token bucket.
// Requests from an authenticated tenant share a bucket across that tenant's
// address, so one noisy integration cannot starve the rest of the intake.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := &limiterStore{buckets: make(map[string]*tokenBucket), cfg: cfg}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP()
			if tenant, ok := c.Get("auth_tenant").(string); ok && tenant != "" {
				key = tenant + ":" + key
			}

			b := store.bucket(key)
			limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)
			if !b.allow() {
				c.Response().Header().Set("Retry-After", strconv.Itoa(b.retryAfter()))
				c.Response().Header().Set("X-RateLimit-Limit", limit)
				c.Response().Header().Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}

			c.Response().Header().Set("X-RateLimit-Limit", limit)
			return next(c)
		}
	}
}
