package ratelimit

import (
	"context"
	"net"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestSubmitLimiter(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewSubmitLimiter(client, 2, 0.001, time.Minute)

	peer := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 50000}
	samePeerOtherPort := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 50001}
	other := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 8), Port: 50000}

	allowed, _, err := limiter.Allow(ctx, peer)
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = limiter.Allow(ctx, samePeerOtherPort)
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = limiter.Allow(ctx, peer)
	if allowed {
		t.Fatalf("expected third token from the same host to be rejected")
	}
	allowed, _, _ = limiter.Allow(ctx, other)
	if !allowed {
		t.Fatalf("expected a different host to have its own bucket")
	}
	if ttl := mr.TTL(Key(peer)); ttl <= 0 {
		t.Fatalf("expected bucket key to expire, ttl=%v", ttl)
	}

	// Refill cannot be exercised with miniredis.FastForward: the script gets
	// its clock from the caller, not from Redis.
}

func TestNilLimiterAllows(t *testing.T) {
	var l *SubmitLimiter
	allowed, _, err := l.Allow(context.Background(), nil)
	if err != nil || !allowed {
		t.Fatalf("nil limiter should allow, got allowed=%v err=%v", allowed, err)
	}
}

func TestDefaultTTL(t *testing.T) {
	l := NewSubmitLimiter(nil, 10, 2, 0)
	if l.ttl != 6*time.Second {
		t.Fatalf("expected 6s ttl, got %v", l.ttl)
	}
}

func TestKey(t *testing.T) {
	if got := Key(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}); got != "quiqcl:submit:127.0.0.1" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := Key(nil); got != "quiqcl:submit:unknown" {
		t.Fatalf("unexpected key %q", got)
	}
}
