package ratelimit

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/cleanroom/internal/logging"
)

// FallbackBackend layers a local in-memory bucket under the primary backend.
// The first primary error flips it into degraded mode: checks run against the
// local buckets so the API keeps answering while Redis is away, and the
// primary is probed in the background until it comes back.
type FallbackBackend struct {
	primary   Backend
	local     *LocalTokenBucketBackend
	degraded  atomic.Bool
	probeMu   sync.Mutex
	lastProbe atomic.Value // time.Time
}

func NewFallbackBackend(primary Backend) *FallbackBackend {
	fb := &FallbackBackend{
		primary: primary,
		local:   NewLocalTokenBucketBackend(),
	}
	fb.lastProbe.Store(time.Time{})
	return fb
}

// probeInterval spaces out recovery probes so a dead Redis is not hammered
// on every request.
const probeInterval = 5 * time.Second

func (f *FallbackBackend) CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error) {
	if f.degraded.Load() {
		if last, ok := f.lastProbe.Load().(time.Time); ok && time.Since(last) > probeInterval {
			go f.probePrimary(ctx)
		}
		return f.local.CheckRateLimit(ctx, key, maxTokens, refillRate, requested)
	}

	allowed, remaining, err := f.primary.CheckRateLimit(ctx, key, maxTokens, refillRate, requested)
	if err != nil {
		logging.Op().Warn("rate limit backend unavailable, serving from local buckets", "error", err)
		f.degraded.Store(true)
		f.lastProbe.Store(time.Now())
		return f.local.CheckRateLimit(ctx, key, maxTokens, refillRate, requested)
	}
	return allowed, remaining, nil
}

// probePrimary issues a zero-token check against the primary and leaves
// degraded mode once it answers. Only one probe runs at a time.
func (f *FallbackBackend) probePrimary(ctx context.Context) {
	if !f.probeMu.TryLock() {
		return
	}
	defer f.probeMu.Unlock()

	f.lastProbe.Store(time.Now())
	_, _, err := f.primary.CheckRateLimit(ctx, "probe:health", 1000, 1000, 0)
	if err == nil {
		logging.Op().Info("rate limit backend recovered")
		f.degraded.Store(false)
	}
}

// Degraded reports whether checks are currently served from local buckets.
func (f *FallbackBackend) Degraded() bool {
	return f.degraded.Load()
}

// LocalTokenBucketBackend keeps per-key token buckets in process memory.
// Limits enforced here reset on restart and are per-instance, which is
// acceptable for the short windows the fallback is expected to cover.
type LocalTokenBucketBackend struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
}

type localBucket struct {
	tokens     float64
	lastRefill time.Time
}

func NewLocalTokenBucketBackend() *LocalTokenBucketBackend {
	return &LocalTokenBucketBackend{
		buckets: make(map[string]*localBucket),
	}
}

func (l *LocalTokenBucketBackend) CheckRateLimit(_ context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &localBucket{
			tokens:     float64(maxTokens),
			lastRefill: now,
		}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(float64(maxTokens), b.tokens+elapsed*refillRate)
		b.lastRefill = now
	}

	if b.tokens >= float64(requested) {
		b.tokens -= float64(requested)
		return true, int(b.tokens), nil
	}
	return false, int(b.tokens), nil
}
