package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestFixedWindowBlocksOverQuota(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewFixedWindow(redis.Addr(), "", "test:ratelimit:login", 2, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	if !limiter.Allow("/api/auth/login|203.0.113.5") {
		t.Fatalf("first hit should pass")
	}
	if !limiter.Allow("/api/auth/login|203.0.113.5") {
		t.Fatalf("second hit should pass")
	}
	if limiter.Allow("/api/auth/login|203.0.113.5") {
		t.Fatalf("third hit should be blocked")
	}
	// Other callers keep their own budget.
	if !limiter.Allow("/api/auth/login|203.0.113.9") {
		t.Fatalf("unrelated key should pass")
	}
	if got := limiter.RetryAfter(); got != time.Minute {
		t.Fatalf("retry-after = %v, want the window", got)
	}
}

func TestFixedWindowFailsClosed(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewFixedWindow(redis.Addr(), "", "test:ratelimit:login", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	redis.Close()
	if limiter.Allow("/api/auth/login|203.0.113.5") {
		t.Fatalf("limiter should fail closed when redis is down")
	}
}

func TestFixedWindowRequiresRedisAddr(t *testing.T) {
	if limiter, err := NewFixedWindow("", "", "test:ratelimit", 1, time.Minute); err == nil || limiter != nil {
		t.Fatalf("expected constructor error for empty redis addr")
	}
}
