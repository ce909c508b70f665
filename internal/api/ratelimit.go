package api

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	// rateWindow mirrors the per-connection message window on the stream
	// side: RATE_LIMIT_MAX requests per fixed one-minute window per IP.
	rateWindow = time.Minute

	// Idle visitors are swept so the table does not grow with one-off
	// callers.
	visitorIdleTTL = 10 * time.Minute
	sweepInterval  = 10 * time.Minute
)

type visitor struct {
	mu       sync.Mutex
	count    int
	resetAt  time.Time
	lastSeen time.Time
}

// RateLimiter holds per-IP request counters for the REST surface.
type RateLimiter struct {
	max int

	mu       sync.Mutex
	visitors map[string]*visitor

	now func() time.Time
}

// NewRateLimiter allows maxPerWindow requests per IP per rateWindow and
// starts the background sweep of stale visitors.
func NewRateLimiter(maxPerWindow int) *RateLimiter {
	rl := &RateLimiter{
		max:      maxPerWindow,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
	go rl.sweepLoop()
	return rl
}

// allow counts a request against the IP's current window. The Nth request is
// accepted while N <= max; the next one is rejected until the window resets.
func (rl *RateLimiter) allow(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{}
		rl.visitors[ip] = v
	}
	rl.mu.Unlock()

	now := rl.now()
	v.mu.Lock()
	defer v.mu.Unlock()

	if now.After(v.resetAt) {
		v.count = 0
		v.resetAt = now.Add(rateWindow)
	}
	v.lastSeen = now
	v.count++
	if v.count <= rl.max {
		return true, 0
	}
	return false, v.resetAt.Sub(now)
}

// Middleware enforces the limit, answering over-budget requests with 429 and
// a Retry-After header.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, retryAfter := rl.allow(c.ClientIP())
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			fail(c, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED",
				fmt.Sprintf("rate limit of %d requests per minute exceeded", rl.max),
				"retry after "+retryAfter.Round(time.Second).String(), true)
			return
		}
		c.Next()
	}
}

// sweepLoop drops visitors idle for longer than visitorIdleTTL.
func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := rl.now().Add(-visitorIdleTTL)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			v.mu.Lock()
			stale := v.lastSeen.Before(cutoff)
			v.mu.Unlock()
			if stale {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}
