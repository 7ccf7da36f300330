package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	allowed, _, err := bucket.Allow(ctx, "rl:job-starts")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "rl:job-starts")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "rl:job-starts")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}

	// Note: Cannot test refill with miniredis.FastForward() because the Lua script
	// receives time from Go's time.Now(), not Redis's internal clock.
	// The capacity limit test above is sufficient to validate rate limiting behavior.
}

func TestWaitBlocksUntilTokenAvailable(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	// Refill slower than the poll interval so the drained bucket forces
	// at least one denied poll before recovering.
	bucket := NewTokenBucket(client, 1, 20, time.Minute)

	if waits, err := bucket.Wait(ctx, "rl:job-starts"); err != nil || waits != 0 {
		t.Fatalf("expected immediate token, waits=%d err=%v", waits, err)
	}

	waits, err := bucket.Wait(ctx, "rl:job-starts")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if waits == 0 {
		t.Fatalf("expected at least one denied poll on a drained bucket")
	}
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	// Zero refill: a drained bucket never recovers.
	bucket := NewTokenBucket(client, 1, 0, time.Minute)

	ctx := context.Background()
	if _, err := bucket.Wait(ctx, "rl:job-starts"); err != nil {
		t.Fatalf("drain: %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	if _, err := bucket.Wait(cancelCtx, "rl:job-starts"); err == nil {
		t.Fatalf("expected context error from exhausted bucket")
	}
}
