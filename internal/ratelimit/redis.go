package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store with server-side Lua so the read-modify-write
// is atomic across gateway instances sharing the same Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "rl:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

var bucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
  tokens = capacity
  last = now
end

local elapsed = now - last
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * refill)
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last', tostring(now))
redis.call('EXPIRE', KEYS[1], ttl)
return {allowed, tostring(tokens)}
`)

var windowScript = redis.NewScript(`
local ttl = tonumber(ARGV[1])
local curr = redis.call('INCR', KEYS[1])
if curr == 1 then
  redis.call('EXPIRE', KEYS[1], ttl)
end
local prev = tonumber(redis.call('GET', KEYS[2])) or 0
return {curr, prev}
`)

func (s *RedisStore) TokenBucketConsume(ctx context.Context, key string, capacity, refillRate float64, now time.Time) (bool, float64, error) {
	ttl := int(idleTTL(capacity, refillRate).Seconds())
	res, err := bucketScript.Run(ctx, s.client,
		[]string{s.prefix + key},
		capacity, refillRate,
		float64(now.UnixNano())/float64(time.Second), ttl,
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit bucket: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("rate limit bucket: unexpected reply %v", res)
	}
	allowed, _ := res[0].(int64)
	raw, _ := res[1].(string)
	remaining, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, 0, fmt.Errorf("rate limit bucket: bad remaining %v", res[1])
	}
	return allowed == 1, remaining, nil
}

func (s *RedisStore) WindowIncrement(ctx context.Context, key string, window time.Duration, now time.Time) (int64, int64, error) {
	idx := windowIndex(now, window)
	ttl := int((2 * window).Seconds())
	if ttl < 1 {
		ttl = 1
	}
	res, err := windowScript.Run(ctx, s.client,
		[]string{
			fmt.Sprintf("%s%s#%d", s.prefix, key, idx),
			fmt.Sprintf("%s%s#%d", s.prefix, key, idx-1),
		},
		ttl,
	).Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("rate limit window: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("rate limit window: unexpected reply %v", res)
	}
	curr, _ := res[0].(int64)
	prev, _ := res[1].(int64)
	return curr, prev, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var _ Store = (*RedisStore)(nil)
