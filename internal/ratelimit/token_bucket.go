package ratelimit

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "quiqcl:submit:"

// SubmitLimiter is a Redis token bucket keyed by peer host. A nil
// *SubmitLimiter allows everything, so callers need no separate off switch.
type SubmitLimiter struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewSubmitLimiter constructs a bucket with the provided capacity/refill.
// A zero ttl keeps idle buckets for as long as a full refill takes.
func NewSubmitLimiter(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *SubmitLimiter {
	if ttl == 0 && refillPerSecond > 0 {
		ttl = time.Duration(float64(capacity)/refillPerSecond*float64(time.Second)) + time.Second
	}
	return &SubmitLimiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

// Allow consumes a token for the submitting peer if one is available and
// returns the tokens left.
func (l *SubmitLimiter) Allow(ctx context.Context, peer net.Addr) (bool, float64, error) {
	if l == nil {
		return true, 0, nil
	}
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, l.client, []string{Key(peer)}, l.capacity, l.refill, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("run bucket script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected bucket reply %v", res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		tokens, _ = strconv.ParseFloat(v, 64)
	}
	return allowed == 1, tokens, nil
}

// Key is the bucket key for a peer; connections from one host share a bucket.
func Key(peer net.Addr) string {
	if peer == nil {
		return keyPrefix + "unknown"
	}
	host, _, err := net.SplitHostPort(peer.String())
	if err != nil {
		host = peer.String()
	}
	return keyPrefix + host
}

// The remaining token count is returned as a string; Lua numbers are
// truncated to integers on the way back to the client.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
