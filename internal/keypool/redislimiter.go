package keypool

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter spaces requests on one credential across processes using a
// Redis-side timestamp check. It implements IntervalLimiter for deployments
// where several broker processes share the credential pool.
type RedisLimiter struct {
	client   redis.UniversalClient
	script   *redis.Script
	interval time.Duration
	prefix   string
}

// NewRedisLimiter creates a distributed interval limiter. interval is the
// minimum spacing between requests on the same credential.
func NewRedisLimiter(client redis.UniversalClient, interval time.Duration) *RedisLimiter {
	luaScript := `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local interval_ms = tonumber(ARGV[2])

local last = redis.call('GET', key)
if last and (now_ms - tonumber(last)) < interval_ms then
    -- Milliseconds remaining until the next slot opens
    return interval_ms - (now_ms - tonumber(last))
end

redis.call('SET', key, tostring(now_ms), 'PX', interval_ms * 2)
return 0
`
	return &RedisLimiter{
		client:   client,
		script:   redis.NewScript(luaScript),
		interval: interval,
		prefix:   "modelmux:interval",
	}
}

// Reserve claims the next request slot for the credential. When the
// interval has not elapsed it returns false with the remaining wait.
func (r *RedisLimiter) Reserve(ctx context.Context, credentialID string) (bool, time.Duration, error) {
	if r.interval <= 0 {
		return true, 0, nil
	}

	key := fmt.Sprintf("%s:{%s}", r.prefix, credentialID)
	now := time.Now().UnixMilli()

	val, err := r.script.Run(ctx, r.client, []string{key}, now, r.interval.Milliseconds()).Int64()
	if err != nil {
		return false, 0, fmt.Errorf("run interval script: %w", err)
	}
	if val > 0 {
		return false, time.Duration(val) * time.Millisecond, nil
	}
	return true, 0, nil
}
