package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/saiset-co/sai-cache/types"
)

const DefaultOperationTimeout = 200 * time.Millisecond

// takeScript runs one fixed-window decision atomically. The window starts at
// the first counted request (PEXPIRE on the first INCR) and rejected requests
// are not counted. Returns {count, ttl_ms, allowed}.
var takeScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local ttl = redis.call("PTTL", KEYS[1])
local current = 0

if ttl <= 0 then
	redis.call("DEL", KEYS[1])
	ttl = window
else
	current = tonumber(redis.call("GET", KEYS[1]) or "0")
end

if current >= limit then
	return {current, ttl, 0}
end

current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("PEXPIRE", KEYS[1], window)
end

return {current, ttl, 1}
`)

// RedisBackend keeps the counters in redis so every instance sees the same
// windows.
type RedisBackend struct {
	client    *redis.Client
	keyPrefix string
	timeout   time.Duration
	now       func() time.Time
}

func NewRedisBackend(client *redis.Client, redisConfig *types.RedisConfig) *RedisBackend {
	backend := &RedisBackend{
		client:  client,
		timeout: DefaultOperationTimeout,
		now:     time.Now,
	}

	if redisConfig != nil {
		backend.keyPrefix = redisConfig.KeyPrefix
		if redisConfig.OperationTimeout > 0 {
			backend.timeout = redisConfig.OperationTimeout
		}
	}

	return backend
}

func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) Take(ctx context.Context, identifier string, limit int, window time.Duration) (types.RateLimitResult, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	windowMs := window.Milliseconds()
	if windowMs < 1 {
		windowMs = 1
	}

	raw, err := takeScript.Run(opCtx, r.client, []string{r.key(identifier)}, limit, windowMs).Int64Slice()
	if err != nil {
		return types.RateLimitResult{}, errors.WithStack(fmt.Errorf("%w: redis rate limit %q: %v", types.ErrBackendUnavailable, identifier, err))
	}
	if len(raw) != 3 {
		return types.RateLimitResult{}, errors.Errorf("unexpected rate limit script reply: %v", raw)
	}

	count, ttlMs, allowed := int(raw[0]), raw[1], raw[2] == 1

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	return types.RateLimitResult{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   r.now().Add(time.Duration(ttlMs) * time.Millisecond),
	}, nil
}

func (r *RedisBackend) HealthCheck(ctx context.Context) types.HealthCheck {
	start := time.Now()
	check := types.HealthCheck{
		Name:      "rate_limit_redis",
		Status:    types.StatusHealthy,
		LastCheck: start,
	}

	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.client.Ping(opCtx).Err(); err != nil {
		check.Status = types.StatusUnhealthy
		check.Message = err.Error()
	}

	check.Duration = time.Since(start)
	return check
}

const windowSegment = "rl:"

func (r *RedisBackend) key(identifier string) string {
	if r.keyPrefix != "" {
		return r.keyPrefix + ":" + windowSegment + identifier
	}
	return windowSegment + identifier
}
