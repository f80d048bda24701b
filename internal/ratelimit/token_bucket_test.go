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

	allowed, _, err := bucket.Allow(ctx, "tenant")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
}

func TestAllowSourceRefillsPerSource(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	now := time.Unix(1_700_000_000, 0)
	bucket := NewTokenBucket(client, 1, 1, time.Minute, WithClock(func() time.Time { return now }))

	if ok, err := bucket.AllowSource(ctx, "lidarr"); err != nil || !ok {
		t.Fatalf("expected first lidarr request allowed, ok=%v err=%v", ok, err)
	}
	if ok, _ := bucket.AllowSource(ctx, "lidarr"); ok {
		t.Fatalf("expected lidarr bucket to be empty")
	}
	if ok, _ := bucket.AllowSource(ctx, "slskd"); !ok {
		t.Fatalf("expected another source to have its own bucket")
	}
	if !mr.Exists("ratelimit:webhook:lidarr") {
		t.Fatalf("expected per-source key")
	}

	now = now.Add(1500 * time.Millisecond)
	if ok, _ := bucket.AllowSource(ctx, "lidarr"); !ok {
		t.Fatalf("expected refill after 1.5s")
	}
}
