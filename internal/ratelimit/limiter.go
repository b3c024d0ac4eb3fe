package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

const (
	defaultPerMinute = 60
	defaultBurst     = 10
)

// Limiter tracks one token bucket per project.
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

// NewLimiter builds a per-project limiter refilling at requestsPerMinute,
// allowing bursts of burst requests. Non-positive arguments fall back to
// 60/min and a burst of 10.
func NewLimiter(requestsPerMinute, burst int) *Limiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = defaultPerMinute
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:    burst,
	}
}

func (l *Limiter) limiter(projectID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[projectID]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[projectID] = limiter
	}
	return limiter
}

// Allow reports whether the project may make a request right now.
func (l *Limiter) Allow(projectID string) bool {
	return l.limiter(projectID).Allow()
}

// Tokens returns the project's remaining burst allowance.
func (l *Limiter) Tokens(projectID string) float64 {
	return l.limiter(projectID).Tokens()
}
