package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Per-IP token bucket in front of the credential endpoints. Agents are not
// limited here; node credentials gate them and legitimate bursts are normal.
//
// Buckets idle longer than sweepInterval are removed by a background
// goroutine so transient IPs cannot grow the map without bound.

const sweepInterval = 10 * time.Minute

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

type RateLimiter struct {
	rate    float64 // tokens replenished per second
	burst   float64 // bucket capacity
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewRateLimiter allows bursts of `burst` requests per IP, replenished at
// `perSecond` tokens a second.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		rate:    perSecond,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
	}
	go rl.sweep()
	return rl
}

func (rl *RateLimiter) allow(ip string) (bool, time.Duration) {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[ip]
	if !ok {
		b = &bucket{tokens: rl.burst, lastSeen: now}
		rl.buckets[ip] = b
	}

	b.tokens += now.Sub(b.lastSeen).Seconds() * rl.rate
	if b.tokens > rl.burst {
		b.tokens = rl.burst
	}
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	retryAfter := time.Duration((1-b.tokens)/rl.rate*float64(time.Second)) + time.Millisecond
	return false, retryAfter
}

// Middleware rejects over-limit callers with 429 and a Retry-After hint.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, retryAfter := rl.allow(c.ClientIP())
		if !allowed {
			c.Header("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
			abortError(c, http.StatusTooManyRequests, "rate_limited", "too many attempts, slow down")
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-sweepInterval)
		rl.mu.Lock()
		for ip, b := range rl.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(rl.buckets, ip)
			}
		}
		rl.mu.Unlock()
	}
}
