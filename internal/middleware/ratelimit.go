package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-live/internal/response"
)

// RateLimiter is a per-key token bucket. Keys default to the client IP.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int           // Tokens per interval
	interval time.Duration // Refill interval
	clock    clock.Clock
	key      func(c *gin.Context) string
}

type visitor struct {
	tokens   int
	lastSeen time.Time
}

// RateLimitOption customizes a RateLimiter.
type RateLimitOption func(*RateLimiter)

// WithClock replaces the wall clock, for tests.
func WithClock(clk clock.Clock) RateLimitOption {
	return func(rl *RateLimiter) { rl.clock = clk }
}

// WithKey buckets requests by fn instead of client IP.
func WithKey(fn func(c *gin.Context) string) RateLimitOption {
	return func(rl *RateLimiter) { rl.key = fn }
}

// NewRateLimiter creates a RateLimiter (e.g., 10 requests per minute).
func NewRateLimiter(rate int, interval time.Duration, opts ...RateLimitOption) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		interval: interval,
		clock:    clock.New(),
		key:      func(c *gin.Context) string { return c.ClientIP() },
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Run drops stale visitors every minute until ctx is done. Call in a goroutine.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := rl.clock.Ticker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

// Middleware returns a Gin middleware that rate-limits requests.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.allow(rl.key(c)) {
			response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{tokens: rl.rate, lastSeen: now}
		rl.visitors[key] = v
	}

	// Refill tokens based on elapsed time.
	refill := int(now.Sub(v.lastSeen)/rl.interval) * rl.rate
	if refill > 0 {
		v.tokens += refill
		if v.tokens > rl.rate {
			v.tokens = rl.rate
		}
		v.lastSeen = now
	}

	if v.tokens <= 0 {
		return false
	}
	v.tokens--
	return true
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.clock.Now()
	for key, v := range rl.visitors {
		if now.Sub(v.lastSeen) > 3*rl.interval && now.Sub(v.lastSeen) > 3*time.Minute {
			delete(rl.visitors, key)
		}
	}
}
