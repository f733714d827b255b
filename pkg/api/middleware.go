package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
	"gopkg.in/op/go-logging.v1"
)

// maxTrackedClients bounds the per-client limiter table
const maxTrackedClients = 4096

// RateLimiter tracks request rates per IP
type RateLimiter struct {
	perMinute int
	limiters  *lru.Cache[string, *rate.Limiter]
}

// NewRateLimiter creates a new rate limiter. Each client gets a token
// bucket refilled at requestsPerMinute with an equal burst.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	// only fails for a non-positive size
	limiters, _ := lru.New[string, *rate.Limiter](maxTrackedClients)
	return &RateLimiter{
		perMinute: requestsPerMinute,
		limiters:  limiters,
	}
}

// Allow checks if a request should be allowed
func (rl *RateLimiter) Allow(ip string) bool {
	limiter, ok := rl.limiters.Get(ip)
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rl.perMinute)), rl.perMinute)
		if prev, found, _ := rl.limiters.PeekOrAdd(ip, limiter); found {
			limiter = prev
		}
	}
	return limiter.Allow()
}

// RateLimitMiddleware applies rate limiting
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error:   "Rate limit exceeded",
				Message: fmt.Sprintf("Maximum %d requests per minute", rl.perMinute),
			})
			return
		}
		c.Next()
	}
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(l *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		msg := fmt.Sprintf("%d | %s | %s %s | %v", status, c.ClientIP(), c.Request.Method, c.Request.URL.Path, time.Since(start))
		switch {
		case status >= 500:
			l.Error(msg)
		case status >= 400:
			l.Info(msg)
		default:
			l.Debug(msg)
		}
	}
}

// ErrorResponse is a standard error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
