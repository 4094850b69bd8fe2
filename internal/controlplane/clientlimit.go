package controlplane

import (
	"sync"

	"golang.org/x/time/rate"
)

// DefaultRequestsPerSecond and DefaultBurst bound how fast a single
// control-plane client may issue requests, so one runaway local client
// can't starve others of CPU inside the manager's locks. Grounded on
// the request-rate shape of a net/http rate limiter, adapted to a
// single persistent connection rather than per-HTTP-request dispatch.
const (
	DefaultRequestsPerSecond = 1000
	DefaultBurst             = 200
)

// clientLimiter wraps a token-bucket limiter per connected client.
type clientLimiter struct {
	mu sync.Mutex
	l  *rate.Limiter
}

func newClientLimiter() *clientLimiter {
	return &clientLimiter{l: rate.NewLimiter(rate.Limit(DefaultRequestsPerSecond), DefaultBurst)}
}

// Allow reports whether the caller may proceed with its next request
// without blocking.
func (c *clientLimiter) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.l.Allow()
}
