// Package dispatch provides the outbound call machinery: per-pool
// token-bucket rate limiting, weighted account routing, and a
// bounded-concurrency dispatcher with classified retry.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/scttfrdmn/chatmesh/chatmesh-go/chatmesh"
)

// Default per-minute budgets for the two pools.
const (
	DefaultChatRPM   = 250
	DefaultMemoryRPM = 400
)

// RateLimiter is a token-bucket limiter for one rate pool.
//
// Tokens refill continuously at capacityPerMinute/60 per second, capped
// at one second's worth of slack, so that across any rolling 60-second
// window the number of permits granted never exceeds capacityPerMinute
// (plus at most the burst ceiling). Each pool has its own bucket; a
// burst on one pool never starves or inflates another.
//
// RateLimiter is safe for concurrent use. The refill/decrement pair is
// a single locked operation and the lock is never held while waiting.
type RateLimiter struct {
	pool string
	rate float64 // tokens per second
	cap  float64 // burst ceiling

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time

	granted  int64
	timedOut int64
}

// RateLimiterStats is a point-in-time snapshot of limiter counters.
type RateLimiterStats struct {
	Pool     string
	Granted  int64
	TimedOut int64
	Tokens   float64
}

// NewRateLimiter creates a limiter for the named pool.
//
// capacityPerMinute <= 0 falls back to DefaultChatRPM.
func NewRateLimiter(pool string, capacityPerMinute int) *RateLimiter {
	if capacityPerMinute <= 0 {
		capacityPerMinute = DefaultChatRPM
	}
	rate := float64(capacityPerMinute) / 60.0
	return &RateLimiter{
		pool:       pool,
		rate:       rate,
		cap:        rate,
		tokens:     rate,
		lastRefill: time.Now(),
	}
}

// Pool returns the pool name this limiter guards.
func (r *RateLimiter) Pool() string {
	return r.pool
}

// Acquire blocks until a token is available or ctx expires.
//
// On expiry it returns a chatmesh.TimeoutError; the caller reports it
// rather than retrying internally.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	for {
		r.mu.Lock()
		r.refill()

		if r.tokens >= 1 {
			r.tokens--
			r.granted++
			r.mu.Unlock()
			return nil
		}

		// Wait for the deficit to refill, outside the lock.
		wait := time.Duration((1 - r.tokens) / r.rate * float64(time.Second))
		r.mu.Unlock()

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			r.mu.Lock()
			r.timedOut++
			r.mu.Unlock()
			return chatmesh.NewTimeoutError("permit", r.pool, ctx.Err())
		}
	}
}

// refill adds tokens for the elapsed interval. Caller must hold r.mu.
func (r *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	r.tokens += elapsed * r.rate
	if r.tokens > r.cap {
		r.tokens = r.cap
	}
	r.lastRefill = now
}

// Stats returns a snapshot of the limiter counters.
func (r *RateLimiter) Stats() RateLimiterStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	return RateLimiterStats{
		Pool:     r.pool,
		Granted:  r.granted,
		TimedOut: r.timedOut,
		Tokens:   r.tokens,
	}
}
