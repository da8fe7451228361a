package middleware

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"

	apperrors "telecare-signaling/pkg/errors"
	"telecare-signaling/pkg/response"
)

// RateLimiter is a fixed-window, in-process request limiter keyed by user or client IP
type RateLimiter struct {
	requests int
	window   time.Duration
	clock    clock.Clock

	mu     sync.Mutex
	limits map[string]*windowCount
}

type windowCount struct {
	count int
	start time.Time
}

// NewRateLimiter allows requests per window for each identifier. A nil clock uses wall time.
func NewRateLimiter(requests int, window time.Duration, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &RateLimiter{
		requests: requests,
		window:   window,
		clock:    clk,
		limits:   make(map[string]*windowCount),
	}
}

// Check counts one request for identifier and reports whether it is allowed
func (rl *RateLimiter) Check(identifier string) (allowed bool, remaining int, resetAt time.Time) {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, exists := rl.limits[identifier]
	if !exists || now.Sub(w.start) >= rl.window {
		w = &windowCount{start: now}
		rl.limits[identifier] = w
	}
	w.count++

	remaining = rl.requests - w.count
	if remaining < 0 {
		remaining = 0
	}
	return w.count <= rl.requests, remaining, w.start.Add(rl.window)
}

// Prune drops windows that have already expired
func (rl *RateLimiter) Prune() {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for id, w := range rl.limits {
		if now.Sub(w.start) >= rl.window {
			delete(rl.limits, id)
		}
	}
}

// Middleware returns a Gin middleware enforcing the limit
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID, exists := c.Get("user_id"); exists {
			identifier = fmt.Sprintf("user:%v", userID)
		} else if userID := c.Query("userId"); userID != "" {
			identifier = "user:" + userID
		}

		allowed, remaining, resetAt := rl.Check(identifier)

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			response.AppError(c, apperrors.RateLimitedError())
			c.Abort()
			return
		}

		c.Next()
	}
}
