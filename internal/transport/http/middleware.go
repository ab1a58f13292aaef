package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Muhadev/lendsqr-wallet-service-sub001/internal/config"
)

// LoggingMiddleware emits one structured line per request.
func LoggingMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Infow("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// RateLimitMiddleware applies a per-client token bucket sized from the
// service config. Limited requests get the same error envelope the
// handlers produce.
func RateLimitMiddleware(rl config.RateLimitConfig, log *zap.SugaredLogger) gin.HandlerFunc {
	var mu sync.Mutex
	buckets := make(map[string]*rate.Limiter)
	return func(c *gin.Context) {
		ip := c.ClientIP()
		mu.Lock()
		lim, ok := buckets[ip]
		if !ok {
			lim = rate.NewLimiter(rate.Limit(rl.RPS), rl.Burst)
			buckets[ip] = lim
		}
		mu.Unlock()
		if !lim.Allow() {
			log.Warnw("rate limit exceeded", "client_ip", ip, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
