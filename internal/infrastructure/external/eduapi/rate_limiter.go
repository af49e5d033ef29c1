package eduapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ══════════════════════════════════════════════════════════════════════════════
// RATE LIMITER
// ══════════════════════════════════════════════════════════════════════════════

// RateLimiterConfig contains configuration for the client-side rate limiter.
type RateLimiterConfig struct {
	// RequestsPerSecond is the sustained request rate. Zero disables limiting.
	RequestsPerSecond float64

	// BurstSize is how many requests may go out back to back.
	BurstSize int

	// DefaultRetryAfter is used when the backend answers 429 without a
	// Retry-After header.
	DefaultRetryAfter time.Duration
}

// DefaultRateLimiterConfig returns settings comfortable for an interactive client.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 10,
		BurstSize:         20,
		DefaultRetryAfter: 5 * time.Second,
	}
}

// RateLimiter wraps a token bucket and a cool-down window set by 429 answers.
type RateLimiter struct {
	limiter *rate.Limiter
	config  RateLimiterConfig

	mu           sync.Mutex
	blockedUntil time.Time
	hits         int
	now          func() time.Time
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	burst := config.BurstSize
	if burst <= 0 {
		burst = 1
	}
	if config.DefaultRetryAfter <= 0 {
		config.DefaultRetryAfter = 5 * time.Second
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(limit, burst),
		config:  config,
		now:     time.Now,
	}
}

// Wait blocks until a request may be sent. While a 429 cool-down is active
// it fails fast instead of queueing behind it.
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	until := r.blockedUntil
	r.mu.Unlock()

	if remaining := until.Sub(r.now()); remaining > 0 {
		return fmt.Errorf("rate limited by backend, retry in %s", remaining.Round(time.Second))
	}
	return r.limiter.Wait(ctx)
}

// RecordRateLimitHit starts a cool-down after the backend answered 429.
func (r *RateLimiter) RecordRateLimitHit(retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = r.config.DefaultRetryAfter
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hits++
	if until := r.now().Add(retryAfter); until.After(r.blockedUntil) {
		r.blockedUntil = until
	}
}

// RateLimiterStatus is a point-in-time view of the limiter.
type RateLimiterStatus struct {
	Limit        float64   `json:"limit"`
	Burst        int       `json:"burst"`
	Tokens       float64   `json:"tokens"`
	BlockedUntil time.Time `json:"blocked_until,omitempty"`
	Hits         int       `json:"rate_limit_hits"`
}

func (r *RateLimiter) Status() RateLimiterStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RateLimiterStatus{
		Limit:        float64(r.limiter.Limit()),
		Burst:        r.limiter.Burst(),
		Tokens:       r.limiter.Tokens(),
		BlockedUntil: r.blockedUntil,
		Hits:         r.hits,
	}
}

// Reset clears the cool-down window.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blockedUntil = time.Time{}
	r.hits = 0
}
