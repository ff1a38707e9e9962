package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 5 * time.Minute

type clientLimiter struct {
	limiter *rate.Limiter
	expires time.Time
}

// newRateLimitMiddleware applies a per-client-IP token bucket. Idle
// limiters are dropped after limiterIdleTTL so the map stays bounded.
func newRateLimitMiddleware(perMinute int) gin.HandlerFunc {
	if perMinute < 1 {
		perMinute = 1
	}
	limit := rate.Every(time.Minute / time.Duration(perMinute))
	burst := perMinute/2 + 1

	var mu sync.Mutex
	limiters := map[string]*clientLimiter{}

	acquire := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		for existing, entry := range limiters {
			if now.After(entry.expires) {
				delete(limiters, existing)
			}
		}

		entry, ok := limiters[key]
		if !ok {
			entry = &clientLimiter{limiter: rate.NewLimiter(limit, burst)}
			limiters[key] = entry
		}
		entry.expires = now.Add(limiterIdleTTL)
		return entry.limiter
	}

	return func(c *gin.Context) {
		if !acquire(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limit_exceeded"})
			return
		}
		c.Next()
	}
}
