package webhook

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ══════════════════════════════════════════════════════════════════════════════
// RATE LIMITER - Token Bucket
// ══════════════════════════════════════════════════════════════════════════════

// ErrRateLimitWaitTimeout is returned when no token frees up within WaitTimeout.
var ErrRateLimitWaitTimeout = errors.New("timeout waiting for rate limit")

// RateLimiterConfig contains configuration for the rate limiter.
type RateLimiterConfig struct {
	// RequestsPerSecond is the sustained rate. Zero disables limiting.
	RequestsPerSecond float64

	// BurstSize is the bucket capacity.
	BurstSize int

	// WaitTimeout is the maximum time to wait for a token.
	WaitTimeout time.Duration
}

// DefaultRateLimiterConfig returns defaults sized for a single collaborator
// endpoint.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 20,
		BurstSize:         40,
		WaitTimeout:       2 * time.Second,
	}
}

// RateLimiter is a token bucket. A 429 from the endpoint holds it closed
// until Retry-After has passed.
type RateLimiter struct {
	mu sync.Mutex

	bucket      *rate.Limiter
	blockedTill time.Time
	waitTimeout time.Duration
	now         func() time.Time
}

// NewRateLimiter creates a token bucket that starts full. A zero
// RequestsPerSecond leaves it disabled.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.BurstSize <= 0 {
		config.BurstSize = 1
	}
	rl := &RateLimiter{waitTimeout: config.WaitTimeout, now: time.Now}
	if config.RequestsPerSecond > 0 {
		rl.bucket = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.BurstSize)
	}
	return rl
}

// Allow blocks until a token is available, the wait would exceed
// WaitTimeout, or ctx ends.
func (rl *RateLimiter) Allow(ctx context.Context) error {
	if rl.bucket == nil {
		return nil
	}
	deadline := rl.now().Add(rl.waitTimeout)
	for {
		wait, ok := rl.tryAcquire()
		if ok {
			return nil
		}
		if rl.now().Add(wait).After(deadline) {
			return ErrRateLimitWaitTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// TryAllow takes a token without blocking.
func (rl *RateLimiter) TryAllow() bool {
	if rl.bucket == nil {
		return true
	}
	_, ok := rl.tryAcquire()
	return ok
}

func (rl *RateLimiter) tryAcquire() (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Before(rl.blockedTill) {
		return rl.blockedTill.Sub(now), false
	}
	r := rl.bucket.ReserveN(now, 1)
	if !r.OK() {
		return rl.waitTimeout + time.Second, false
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return wait, false
	}
	return 0, true
}

// RecordRateLimitHit closes the bucket for retryAfter.
func (rl *RateLimiter) RecordRateLimitHit(retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if until := rl.now().Add(retryAfter); until.After(rl.blockedTill) {
		rl.blockedTill = until
	}
}
