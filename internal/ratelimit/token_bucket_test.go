package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucketPerActor(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	allowed, _, err := bucket.Allow(ctx, "admin-1")
	if err != nil || !allowed {
		t.Fatalf("expected first request allowed, got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "admin-1")
	if !allowed {
		t.Fatalf("expected second request allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "admin-1")
	if allowed {
		t.Fatalf("expected third request rejected")
	}

	// Buckets are keyed per actor: a different admin has a full budget.
	allowed, _, _ = bucket.Allow(ctx, "admin-2")
	if !allowed {
		t.Fatalf("expected an unrelated actor to be allowed")
	}

	// Refill cannot be tested against miniredis.FastForward because the
	// Lua script takes its clock from Go, not from Redis.
}
