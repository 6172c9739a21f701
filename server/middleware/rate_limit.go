package middleware

import (
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	clients    map[string]*clientLimiter
	mutex      sync.RWMutex
	cleanup    *time.Ticker
	done       chan struct{}
	logger     *zap.Logger
	defaultRPS int
	burst      int
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(defaultRPS, burst int, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	rl := &RateLimiter{
		clients:    make(map[string]*clientLimiter),
		defaultRPS: defaultRPS,
		burst:      burst,
		logger:     logger,
		done:       make(chan struct{}),
	}

	rl.cleanup = time.NewTicker(5 * time.Minute)
	go rl.cleanupExpiredClients()

	return rl
}

func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return rl.RateLimitWithConfig(rl.defaultRPS, rl.burst)
}

// RateLimitWithConfig limits a route group with its own rate. Buckets are
// keyed by rate as well as IP so groups do not share tokens.
func (rl *RateLimiter) RateLimitWithConfig(rps int, burst int) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		limiter := rl.getLimiter(clientIP, rps, burst)

		reservation := limiter.Reserve()
		if !reservation.OK() || reservation.Delay() > 0 {
			retryAfter := 60
			if reservation.OK() {
				retryAfter = int(math.Ceil(reservation.Delay().Seconds()))
				reservation.Cancel()
			}

			rl.logger.Warn("Rate limit exceeded",
				zap.String("client_ip", clientIP),
				zap.String("path", c.Request.URL.Path),
				zap.Int("rps", rps))

			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retryAfter,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func limiterKey(clientIP string, rps, burst int) string {
	return fmt.Sprintf("%s|%d|%d", clientIP, rps, burst)
}

func (rl *RateLimiter) getLimiter(clientIP string, rps, burst int) *rate.Limiter {
	key := limiterKey(clientIP, rps, burst)
	now := time.Now()

	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	client, exists := rl.clients[key]
	if !exists {
		client = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
		rl.clients[key] = client
	}
	client.lastSeen = now
	return client.limiter
}

func (rl *RateLimiter) cleanupExpiredClients() {
	for {
		select {
		case <-rl.cleanup.C:
			rl.mutex.Lock()
			now := time.Now()
			for key, client := range rl.clients {
				if now.Sub(client.lastSeen) > 10*time.Minute {
					delete(rl.clients, key)
				}
			}
			rl.mutex.Unlock()
		case <-rl.done:
			return
		}
	}
}

func (rl *RateLimiter) GetGlobalStats() map[string]interface{} {
	rl.mutex.RLock()
	defer rl.mutex.RUnlock()

	return map[string]interface{}{
		"active_clients": len(rl.clients),
		"default_rps":    rl.defaultRPS,
		"burst_capacity": rl.burst,
	}
}

func (rl *RateLimiter) Shutdown() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	if rl.cleanup != nil {
		rl.cleanup.Stop()
		close(rl.done)
		rl.cleanup = nil
	}
}
