package mw

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// PerClientLimiter hands out one token bucket per client address.
type PerClientLimiter struct {
	mu      sync.Mutex
	clients map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

// NewPerClientLimiter creates a limiter table with the given refill rate
// and burst size.
func NewPerClientLimiter(r rate.Limit, burst int) *PerClientLimiter {
	return &PerClientLimiter{
		clients: make(map[string]*rate.Limiter),
		limit:   r,
		burst:   burst,
	}
}

// Limiter returns the bucket for addr, creating it on first sight.
func (l *PerClientLimiter) Limiter(addr string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.clients[addr]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.clients[addr] = lim
	}
	return lim
}

// RateLimit rejects clients that exceed their per-IP budget with 429.
func RateLimit(r rate.Limit, burst int) gin.HandlerFunc {
	table := NewPerClientLimiter(r, burst)
	return func(c *gin.Context) {
		if !table.Limiter(c.ClientIP()).Allow() {
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}
		c.Next()
	}
}
