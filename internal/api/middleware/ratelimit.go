package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/robcowart/ocm-ca/internal/api/response"
)

type window struct {
	start time.Time
	count int
}

// RateLimiter counts requests per client IP in fixed windows
type RateLimiter struct {
	limit  int
	period time.Duration
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]*window
}

// NewRateLimiter allows limit requests per client IP in each period
func NewRateLimiter(limit int, period time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		period:  period,
		now:     time.Now,
		clients: make(map[string]*window),
	}
}

// Allow records a request from ip and reports whether it is within the limit,
// together with the time until the current window ends.
func (r *RateLimiter) Allow(ip string) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w, ok := r.clients[ip]
	if !ok || now.Sub(w.start) >= r.period {
		if len(r.clients) > 10000 {
			r.sweep(now)
		}
		w = &window{start: now}
		r.clients[ip] = w
	}

	w.count++
	return w.count <= r.limit, w.start.Add(r.period).Sub(now)
}

// sweep drops finished windows. Callers hold mu.
func (r *RateLimiter) sweep(now time.Time) {
	for ip, w := range r.clients {
		if now.Sub(w.start) >= r.period {
			delete(r.clients, ip)
		}
	}
}

// RateLimitMiddleware rejects clients exceeding limiter with 429
func RateLimitMiddleware(limiter *RateLimiter, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		ok, retry := limiter.Allow(ip)
		if !ok {
			logger.Warn("Rate limit exceeded", zap.String("ip", ip), zap.String("path", c.Request.URL.Path))
			c.Header("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, response.Body{
				Success: false,
				Message: "Too many requests",
				Code:    "rate_limited",
			})
			return
		}
		c.Next()
	}
}
