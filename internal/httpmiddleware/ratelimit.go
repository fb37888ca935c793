package httpmiddleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// RateLimiter enforces a fixed-window per-IP request limit backed by Redis so
// the limit holds across api replicas.
type RateLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

// NewRateLimiter creates a limiter allowing perWindow requests per window.
func NewRateLimiter(rdb *redis.Client, perWindow int, window time.Duration) *RateLimiter {
	if perWindow <= 0 {
		perWindow = 120
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{rdb: rdb, limit: perWindow, window: window}
}

// GinMiddleware returns a gin handler enforcing the limit. Redis errors fail
// open: an unreachable limiter must not take check-ins down with it.
func (l *RateLimiter) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		key := fmt.Sprintf("ratelimit:%s:%d", ip, time.Now().Unix()/int64(l.window.Seconds()))

		count, err := l.rdb.Incr(c.Request.Context(), key).Result()
		if err != nil {
			c.Next()
			return
		}
		if count == 1 {
			l.rdb.Expire(c.Request.Context(), key, l.window)
		}
		if count > int64(l.limit) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}
