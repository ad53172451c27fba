// Package ratelimit provides token bucket rate limiting for the daemon API.
// The primary backend runs the bucket in Redis so that limits hold across
// daemon restarts; an in-memory fallback keeps the API usable when Redis is
// briefly unreachable.
package ratelimit

import (
	"context"
	"time"
)

// Backend performs an atomic token bucket check.
type Backend interface {
	// CheckRateLimit refills the bucket for key, attempts to take requested
	// tokens, and returns whether the take succeeded plus the remaining
	// token count.
	CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error)
}

// Limits bounds one client's request rate.
type Limits struct {
	RequestsPerSecond float64
	Burst             int
}

// Limiter applies a single Limits policy to keyed clients.
type Limiter struct {
	backend Backend
	limits  Limits
}

// NewLimiter creates a limiter over the given backend.
func NewLimiter(backend Backend, limits Limits) *Limiter {
	if limits.RequestsPerSecond <= 0 {
		limits.RequestsPerSecond = 1
	}
	if limits.Burst <= 0 {
		limits.Burst = int(limits.RequestsPerSecond)
	}
	if limits.Burst <= 0 {
		limits.Burst = 1
	}
	return &Limiter{backend: backend, limits: limits}
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Allow checks whether one request is allowed for the given key.
func (l *Limiter) Allow(ctx context.Context, key string) (Result, error) {
	allowed, remaining, err := l.backend.CheckRateLimit(ctx, key, l.limits.Burst, l.limits.RequestsPerSecond, 1)
	if err != nil {
		return Result{}, err
	}

	// When the bucket will be full again, for the Retry-After header.
	tokensNeeded := float64(l.limits.Burst - remaining)
	refillSeconds := tokensNeeded / l.limits.RequestsPerSecond
	resetAt := time.Now().Add(time.Duration(refillSeconds * float64(time.Second)))

	return Result{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// KeyForIP returns the rate limit key for a client IP address.
func KeyForIP(ip string) string {
	return "ip:" + ip
}
