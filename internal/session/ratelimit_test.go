package session

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(testRedis(t), 2)
	now := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)

	allowed, used, _, err := rl.Allow(context.Background(), 1, now)
	if err != nil {
		t.Fatalf("allow#1: %v", err)
	}
	if !allowed || used != 1 {
		t.Fatalf("expected first call allowed with used=1, got allowed=%v used=%d", allowed, used)
	}

	allowed, used, _, err = rl.Allow(context.Background(), 1, now)
	if err != nil {
		t.Fatalf("allow#2: %v", err)
	}
	if !allowed || used != 2 {
		t.Fatalf("expected second call allowed with used=2, got allowed=%v used=%d", allowed, used)
	}

	allowed, used, resetAt, err := rl.Allow(context.Background(), 1, now)
	if err != nil {
		t.Fatalf("allow#3: %v", err)
	}
	if allowed || used != 3 {
		t.Fatalf("expected third call denied with used=3, got allowed=%v used=%d", allowed, used)
	}
	if !resetAt.Equal(time.Date(2026, 8, 23, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected reset time %v", resetAt)
	}

	// Other entries keep their own window.
	allowed, _, _, err = rl.Allow(context.Background(), 2, now)
	if err != nil {
		t.Fatalf("allow other entry: %v", err)
	}
	if !allowed {
		t.Fatalf("expected other entry to be allowed")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(testRedis(t), 0)
	for i := 0; i < 5; i++ {
		allowed, _, _, err := rl.Allow(context.Background(), 1, time.Now())
		if err != nil {
			t.Fatalf("allow#%d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected limiter with zero limit to always allow")
		}
	}
}
