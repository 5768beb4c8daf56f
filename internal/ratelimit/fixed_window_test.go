package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newChatLimiter(t *testing.T, limit int) (*FixedWindowLimiter, *miniredis.Miniredis) {
	t.Helper()
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "parishai:ratelimit:chat", limit, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return limiter, redis
}

func TestFixedWindowLimiterBlocksOverQuota(t *testing.T) {
	limiter, _ := newChatLimiter(t, 2)

	// Keys mirror what the server feeds: route plus caller ip.
	const member = "/api/chat|203.0.113.40"
	for i := 0; i < 2; i++ {
		if !limiter.Allow(member) {
			t.Fatalf("request %d should be within quota", i+1)
		}
	}
	if limiter.Allow(member) {
		t.Fatalf("request over quota should be blocked")
	}

	// A different caller has its own counter.
	if !limiter.Allow("/api/chat|203.0.113.41") {
		t.Fatalf("other caller should start with a fresh window")
	}
}

func TestFixedWindowLimiterWindowResets(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "parishai:ratelimit:chat", 1, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}

	if !limiter.Allow("member") {
		t.Fatalf("first request should pass")
	}
	if limiter.Allow("member") {
		t.Fatalf("window is exhausted")
	}
	time.Sleep(60 * time.Millisecond)
	if !limiter.Allow("member") {
		t.Fatalf("next window should start fresh")
	}
}

func TestFixedWindowLimiterFailsClosed(t *testing.T) {
	limiter, redis := newChatLimiter(t, 5)
	redis.Close()
	if limiter.Allow("member") {
		t.Fatalf("redis outage must not open the gate")
	}

	var nilLimiter *FixedWindowLimiter
	if nilLimiter.Allow("member") {
		t.Fatalf("nil limiter must deny")
	}
}

func TestFixedWindowLimiterConstructorValidation(t *testing.T) {
	if _, err := NewRedisFixedWindowLimiter("", "", "parishai:ratelimit:chat", 1, time.Minute); err == nil {
		t.Fatalf("expected error for missing redis addr")
	}
	if _, err := NewRedisFixedWindowLimiter("localhost:6379", "", "parishai:ratelimit:chat", 0, time.Minute); err == nil {
		t.Fatalf("expected error for a zero limit")
	}
}
