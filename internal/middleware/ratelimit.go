package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

type RateLimiter struct {
	mu       sync.Mutex
	requests map[string]*requestInfo
	limit    int
	window   time.Duration
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

type requestInfo struct {
	count   int
	resetAt time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return NewRateLimiterWithNow(limit, window, time.Now)
}

func NewRateLimiterWithNow(limit int, window time.Duration, now func() time.Time) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string]*requestInfo),
		limit:    limit,
		window:   window,
		now:      now,
		stop:     make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) cleanup() {
	if rl.window <= 0 {
		return
	}

	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
		}
		rl.mu.Lock()
		now := rl.now()
		for key, info := range rl.requests {
			if now.After(info.resetAt) {
				delete(rl.requests, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Close stops the cleanup goroutine.
func (rl *RateLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) Allow(key string) bool {
	_, ok := rl.Reserve(key)
	return ok
}

// Reserve counts one request for key. When the limit is reached it returns
// false and the time left until the window resets.
func (rl *RateLimiter) Reserve(key string) (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	info, exists := rl.requests[key]
	if !exists || now.After(info.resetAt) {
		rl.requests[key] = &requestInfo{count: 1, resetAt: now.Add(rl.window)}
		return 0, true
	}

	if info.count >= rl.limit {
		return info.resetAt.Sub(now), false
	}

	info.count++
	return 0, true
}

func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return rateLimit(rl, func(c *gin.Context) string { return c.ClientIP() })
}

// RateLimitPerUser keys the limiter by authenticated user, falling back to
// the client IP. Must run after RequireAuth.
func RateLimitPerUser(rl *RateLimiter) gin.HandlerFunc {
	return rateLimit(rl, func(c *gin.Context) string {
		if userID, ok := UserIDFromContext(c); ok {
			return "user:" + userID
		}
		return "ip:" + c.ClientIP()
	})
}

func rateLimit(rl *RateLimiter, key func(c *gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		wait, ok := rl.Reserve(key(c))
		if !ok {
			secs := int(wait.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded", "error_code": "transient"})
			return
		}
		c.Next()
	}
}
