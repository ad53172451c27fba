package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisBackendAllowRequest(t *testing.T) {
	b := NewRedisBackend(newTestRedisClient(t))
	ctx := context.Background()

	allowed, remaining, err := b.CheckRateLimit(ctx, "test:allow", 10, 10.0, 1)
	if err != nil {
		t.Fatalf("CheckRateLimit failed: %v", err)
	}
	if !allowed {
		t.Fatal("first request should be allowed")
	}
	if remaining != 9 {
		t.Fatalf("expected 9 remaining, got %d", remaining)
	}
}

func TestRedisBackendDenyWhenExhausted(t *testing.T) {
	b := NewRedisBackend(newTestRedisClient(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.CheckRateLimit(ctx, "test:deny", 5, 1.0, 1)
	}

	allowed, remaining, err := b.CheckRateLimit(ctx, "test:deny", 5, 1.0, 1)
	if err != nil {
		t.Fatalf("CheckRateLimit failed: %v", err)
	}
	if allowed {
		t.Fatal("request should be denied when tokens exhausted")
	}
	if remaining != 0 {
		t.Fatalf("expected 0 remaining, got %d", remaining)
	}
}

func TestRedisBackendBurstRequests(t *testing.T) {
	b := NewRedisBackend(newTestRedisClient(t))
	ctx := context.Background()

	allowed, remaining, err := b.CheckRateLimit(ctx, "test:burst", 10, 5.0, 5)
	if err != nil {
		t.Fatalf("CheckRateLimit failed: %v", err)
	}
	if !allowed {
		t.Fatal("burst request should be allowed")
	}
	if remaining != 5 {
		t.Fatalf("expected 5 remaining, got %d", remaining)
	}
}

func TestRedisBackendRefill(t *testing.T) {
	b := NewRedisBackend(newTestRedisClient(t))
	ctx := context.Background()

	// Exhaust all tokens
	b.CheckRateLimit(ctx, "test:refill", 2, 100.0, 2)

	// Wait for refill (100 tokens/sec, need 1)
	time.Sleep(50 * time.Millisecond)

	allowed, _, err := b.CheckRateLimit(ctx, "test:refill", 2, 100.0, 1)
	if err != nil {
		t.Fatalf("CheckRateLimit failed: %v", err)
	}
	if !allowed {
		t.Fatal("request should be allowed after refill period")
	}
}

type failingBackend struct{}

func (failingBackend) CheckRateLimit(context.Context, string, int, float64, int) (bool, int, error) {
	return false, 0, errors.New("backend down")
}

func TestFallbackDegradesToLocal(t *testing.T) {
	fb := NewFallbackBackend(failingBackend{})
	ctx := context.Background()

	allowed, _, err := fb.CheckRateLimit(ctx, "test:fb", 5, 1.0, 1)
	if err != nil {
		t.Fatalf("fallback should absorb primary error: %v", err)
	}
	if !allowed {
		t.Fatal("local bucket should allow the first request")
	}
	if !fb.Degraded() {
		t.Fatal("backend should report degraded mode")
	}

	// Local bucket still enforces the limit.
	for i := 0; i < 4; i++ {
		fb.CheckRateLimit(ctx, "test:fb", 5, 1.0, 1)
	}
	allowed, _, _ = fb.CheckRateLimit(ctx, "test:fb", 5, 1.0, 1)
	if allowed {
		t.Fatal("local bucket should deny once exhausted")
	}
}

func TestMiddlewareLimitsPerIP(t *testing.T) {
	limiter := NewLimiter(NewLocalTokenBucketBackend(), Limits{RequestsPerSecond: 1, Burst: 2})
	handler := Middleware(limiter, []string{"/api/health"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	do := func(path, ip string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = ip + ":12345"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := do("/api/jobs", "10.0.0.1"); code != http.StatusOK {
		t.Fatalf("first request: %d", code)
	}
	if code := do("/api/jobs", "10.0.0.1"); code != http.StatusOK {
		t.Fatalf("second request within burst: %d", code)
	}
	if code := do("/api/jobs", "10.0.0.1"); code != http.StatusTooManyRequests {
		t.Fatalf("exhausted client should get 429, got %d", code)
	}

	// A different client has its own bucket.
	if code := do("/api/jobs", "10.0.0.2"); code != http.StatusOK {
		t.Fatalf("other client: %d", code)
	}

	// Public paths are never throttled.
	for i := 0; i < 5; i++ {
		if code := do("/api/health", "10.0.0.1"); code != http.StatusOK {
			t.Fatalf("health probe throttled: %d", code)
		}
	}
}
