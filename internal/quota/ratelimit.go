package quota

import (
	"sync"
	"time"
)

// bucket is a per-user token bucket.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// RateLimiter enforces per-user request rates with in-memory token
// buckets. Tokens refill continuously at rpm/60 per second.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewRateLimiter creates a rate limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: make(map[string]*bucket)}
}

// Allow reports whether the user may make a request under the given
// requests-per-minute ceiling. rpm=0 means unlimited.
func (rl *RateLimiter) Allow(user string, rpm int) bool {
	if rpm <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[user]
	now := time.Now()
	if !ok {
		b = &bucket{tokens: float64(rpm), lastRefill: now}
		rl.buckets[user] = b
	}

	refill := now.Sub(b.lastRefill).Seconds() * float64(rpm) / 60.0
	b.tokens += refill
	if b.tokens > float64(rpm) {
		b.tokens = float64(rpm)
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RetryAfter returns the number of seconds until the user's next token,
// rounded up. Returns at least 1 when the user is currently limited.
func (rl *RateLimiter) RetryAfter(user string, rpm int) int {
	if rpm <= 0 {
		return 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[user]
	if !ok || b.tokens >= 1 {
		return 0
	}
	secondsPerToken := 60.0 / float64(rpm)
	wait := (1 - b.tokens) * secondsPerToken
	retry := int(wait)
	if wait > float64(retry) {
		retry++
	}
	if retry < 1 {
		retry = 1
	}
	return retry
}

// Cleanup removes buckets idle for longer than maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for user, b := range rl.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(rl.buckets, user)
		}
	}
}
