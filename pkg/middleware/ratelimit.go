package middleware

import (
	"net/http"
	"sync"
	"time"

	"frameworks/crowsnest/pkg/logging"
)

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	// Logger for rate limit events
	Logger logging.Logger
	// PerSecond is the request budget per source per wall-clock second (default: 100)
	PerSecond int
	// CleanupInterval is how often to clean up idle sources (default: 1 minute)
	CleanupInterval time.Duration
}

// RateLimiter implements a fixed one-second-window rate limiter keyed by
// request source. The window boundary is the wall-clock second, so a burst
// straddling a boundary can briefly see up to 2x the budget.
type RateLimiter struct {
	config  RateLimitConfig
	mu      sync.Mutex
	windows map[string]*sourceWindow
	stopCh  chan struct{}
	now     func() time.Time
}

// sourceWindow tracks request counts for one source within the current second
type sourceWindow struct {
	windowSec int64
	count     int
	lastSeen  time.Time
}

// NewRateLimiter creates a new rate limiter and starts its cleanup loop
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.PerSecond <= 0 {
		config.PerSecond = 100
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Minute
	}

	rl := &RateLimiter{
		config:  config,
		windows: make(map[string]*sourceWindow),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}

	go rl.cleanupLoop()

	return rl
}

// Stop stops the rate limiter cleanup goroutine
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// cleanupLoop periodically removes idle sources
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup removes sources that haven't been seen in 5 minutes
func (rl *RateLimiter) cleanup() {
	threshold := rl.now().Add(-5 * time.Minute)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for source, window := range rl.windows {
		if window.lastSeen.Before(threshold) {
			delete(rl.windows, source)
		}
	}
}

// Allow reports whether a request from the given source fits the current
// one-second window's budget.
func (rl *RateLimiter) Allow(source string) bool {
	now := rl.now()
	sec := now.Unix()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	window := rl.windows[source]
	if window == nil || window.windowSec != sec {
		rl.windows[source] = &sourceWindow{windowSec: sec, count: 1, lastSeen: now}
		return true
	}

	window.lastSeen = now
	if window.count >= rl.config.PerSecond {
		return false
	}
	window.count++
	return true
}

// Middleware rejects requests over the per-source budget with 429
func (rl *RateLimiter) Middleware() HandlerFunc {
	return func(c Context) {
		source := c.ClientIP()
		if !rl.Allow(source) {
			if rl.config.Logger != nil {
				rl.config.Logger.WithFields(logging.Fields{
					"source": source,
					"path":   c.Request.URL.Path,
				}).Debug("Rate limit exceeded")
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
