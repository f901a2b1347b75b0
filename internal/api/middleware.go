package api

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"tradeguard/internal/monitor"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Rate limiting runs in tiers. Reads are generous; requests that feed the
// decision loop are tighter, since every proposal occupies a tick slot.
// Emergency controls are exempt entirely: an operator reaching for the kill
// switch must never see a 429.
type limiterTier struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

var (
	readTier  = &limiterTier{limit: 20, burst: 50, limiters: make(map[string]*rate.Limiter)}
	tradeTier = &limiterTier{limit: 2, burst: 5, limiters: make(map[string]*rate.Limiter)}
)

func (t *limiterTier) allow(ip string) bool {
	t.mu.Lock()
	l, ok := t.limiters[ip]
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		t.limiters[ip] = l
	}
	t.mu.Unlock()
	return l.Allow()
}

func (t *limiterTier) reset() {
	t.mu.Lock()
	t.limiters = make(map[string]*rate.Limiter)
	t.mu.Unlock()
}

// Drop idle per-IP limiters periodically so the maps cannot grow unbounded.
func init() {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			readTier.reset()
			tradeTier.reset()
		}
	}()
}

func tierFor(path string) *limiterTier {
	switch {
	case strings.HasPrefix(path, "/api/emergency/"):
		return nil
	case path == "/api/trades/propose" || path == "/api/fills":
		return tradeTier
	default:
		return readTier
	}
}

// CORSMiddleware admits the operator dashboard origin. The API only serves
// GET and POST, so that is all the preflight advertises.
func CORSMiddleware(origin string) gin.HandlerFunc {
	if origin == "" {
		origin = "*"
	}
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, Origin, Cache-Control, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// RequestIDMiddleware adds unique request ID for tracking
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("RequestID", requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// RateLimitMiddleware throttles per IP, by tier.
func RateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tier := tierFor(c.Request.URL.Path)
		if tier == nil {
			c.Next()
			return
		}

		ip := c.ClientIP()
		if !tier.allow(ip) {
			log.Printf("[RATE_LIMIT] IP %s throttled on %s", ip, c.Request.URL.Path)
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate limit exceeded",
				"message": "too many requests, please slow down",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// TimeoutMiddleware prevents long-running requests from blocking resources.
// The event stream is exempt: dashboard sockets stay open for hours.
func TimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/ws" {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)

		finished := make(chan struct{})
		panicChan := make(chan interface{}, 1)

		go func() {
			defer func() {
				if p := recover(); p != nil {
					panicChan <- p
				}
			}()
			c.Next()
			finished <- struct{}{}
		}()

		select {
		case <-panicChan:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "internal server error",
			})
			c.Abort()
		case <-finished:
			return
		case <-ctx.Done():
			log.Printf("[TIMEOUT] Request timeout: %s %s", c.Request.Method, c.Request.URL.Path)
			c.JSON(http.StatusRequestTimeout, gin.H{
				"error":   "request timeout",
				"message": "request took too long to process",
			})
			c.Abort()
		}
	}
}

// RequestLogger logs all API requests with timing and status; optionally records metrics.
func RequestLogger(metrics *monitor.SystemMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method
		requestID := c.GetString("RequestID")
		if requestID == "" {
			requestID = "unknown!"
		}

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		clientIP := c.ClientIP()

		if metrics != nil {
			metrics.APILatency.RecordDuration(latency)
			if statusCode >= 500 {
				metrics.IncrementErrors()
			}
		}

		log.Printf("[API] %s | %s %s | %d | %v | %s",
			requestID[:8], // first 8 chars of the UUID
			method,
			path,
			statusCode,
			latency,
			clientIP,
		)
		if latency > 2*time.Second && path != "/ws" {
			log.Printf("[API] SLOW request: %s %s took %v", method, path, latency)
		}
	}
}
