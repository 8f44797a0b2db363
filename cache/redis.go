package cache

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

const (
	DefaultOperationTimeout = 500 * time.Millisecond
	invalidateBatchSize     = 100
)

// DefaultRedisConfig returns the connection settings used when the service
// config leaves a field empty.
func DefaultRedisConfig() *types.RedisConfig {
	return &types.RedisConfig{
		Host:               "localhost",
		Port:               6379,
		PoolSize:           10,
		MinIdleConnections: 2,
		DialTimeout:        5 * time.Second,
		ReadTimeout:        3 * time.Second,
		WriteTimeout:       3 * time.Second,
		KeyPrefix:          "sai-cache",
		OperationTimeout:   DefaultOperationTimeout,
	}
}

// NewRedisClient builds the client shared by the redis store and the redis
// rate-limit backend.
func NewRedisClient(config *types.RedisConfig) *redis.Client {
	if config == nil {
		config = DefaultRedisConfig()
	}

	return redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConnections,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})
}

// RedisStore is the shared CacheStore for multi-instance deployments. Entries
// are sonic-encoded CacheEntry documents; values come back as generic JSON
// trees. Every round trip is bounded by OperationTimeout and failures are
// reported as ErrBackendUnavailable.
type RedisStore struct {
	logger     types.Logger
	client     *redis.Client
	keyPrefix  string
	defaultTTL time.Duration
	opTimeout  time.Duration
	started    int32
}

func NewRedisStore(ctx context.Context, logger types.Logger, client *redis.Client, redisConfig *types.RedisConfig, cacheConfig *types.CacheConfig) (*RedisStore, error) {
	if client == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "redis client is nil")
	}

	if redisConfig == nil {
		redisConfig = DefaultRedisConfig()
	}

	store := &RedisStore{
		logger:     logger,
		client:     client,
		keyPrefix:  redisConfig.KeyPrefix,
		defaultTTL: DefaultTTL,
		opTimeout:  redisConfig.OperationTimeout,
	}

	if store.opTimeout <= 0 {
		store.opTimeout = DefaultOperationTimeout
	}

	if cacheConfig != nil && cacheConfig.DefaultTTL > 0 {
		store.defaultTTL = cacheConfig.DefaultTTL
	}

	if err := store.Ping(ctx); err != nil {
		logger.Warn("Redis store is not reachable, reads will miss until it recovers",
			zap.String("addr", client.Options().Addr),
			zap.Error(err))
	}

	return store, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (interface{}, bool, error) {
	if key == "" {
		return nil, false, nil
	}

	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	data, err := r.client.Get(opCtx, r.buildFullKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, r.unavailable("get", key, err)
	}

	var entry types.CacheEntry
	if err := utils.Unmarshal(data, &entry); err != nil {
		r.client.Del(opCtx, r.buildFullKey(key))
		return nil, false, errors.Wrapf(err, "decode cache entry %s", key)
	}

	if entry.Expired(time.Now()) {
		r.client.Del(opCtx, r.buildFullKey(key))
		return nil, false, nil
	}

	return entry.Value, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	if ttl == 0 {
		ttl = r.defaultTTL
	}

	now := time.Now()
	entry := &types.CacheEntry{
		Key:       key,
		Value:     value,
		TTL:       ttl,
		CreatedAt: now,
	}

	expiration := time.Duration(0)
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
		expiration = ttl
	}

	data, err := utils.Marshal(entry)
	if err != nil {
		return errors.Wrapf(err, "encode cache entry %s", key)
	}

	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	if err := r.client.Set(opCtx, r.buildFullKey(key), data, expiration).Err(); err != nil {
		return r.unavailable("set", key, err)
	}

	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	if err := r.client.Del(opCtx, r.buildFullKey(key)).Err(); err != nil {
		return r.unavailable("delete", key, err)
	}

	return nil
}

// Invalidate scans for every key under the given prefixes and unlinks them in
// batches. Each SCAN and UNLINK call gets its own timeout.
func (r *RedisStore) Invalidate(ctx context.Context, patterns ...string) error {
	prefixList, all := prefixes(patterns)
	if all {
		prefixList = []string{""}
	}

	for _, prefix := range prefixList {
		if err := r.invalidatePrefix(ctx, prefix); err != nil {
			return err
		}
	}

	return nil
}

func (r *RedisStore) invalidatePrefix(ctx context.Context, prefix string) error {
	match := escapeGlob(r.buildFullKey(prefix)) + "*"

	var cursor uint64
	removed := 0

	for {
		opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
		keys, next, err := r.client.Scan(opCtx, cursor, match, invalidateBatchSize).Result()
		cancel()
		if err != nil {
			return r.unavailable("invalidate", prefix, err)
		}

		if len(keys) > 0 {
			opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
			err := r.client.Unlink(opCtx, keys...).Err()
			cancel()
			if err != nil {
				return r.unavailable("invalidate", prefix, err)
			}
			removed += len(keys)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if removed > 0 {
		r.logger.Debug("Redis cache entries invalidated",
			zap.String("prefix", prefix),
			zap.Int("removed", removed))
	}

	return nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	if err := r.client.Ping(opCtx).Err(); err != nil {
		return r.unavailable("ping", "", err)
	}
	return nil
}

// HealthCheck reports the reachability of the redis server.
func (r *RedisStore) HealthCheck(ctx context.Context) types.HealthCheck {
	start := time.Now()
	check := types.HealthCheck{
		Name:      "cache_redis",
		Status:    types.StatusHealthy,
		LastCheck: start,
	}

	if err := r.Ping(ctx); err != nil {
		check.Status = types.StatusUnhealthy
		check.Message = errors.Cause(err).Error()
	}

	check.Duration = time.Since(start)
	return check
}

func (r *RedisStore) Start() error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	r.logger.Info("Redis store started",
		zap.String("addr", r.client.Options().Addr),
		zap.String("key_prefix", r.keyPrefix))
	return nil
}

// Stop does not close the client; it is shared with the rate limiter and
// owned by the service.
func (r *RedisStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.started, 1, 0) {
		return types.ErrServerNotRunning
	}

	r.logger.Info("Redis store stopped")
	return nil
}

func (r *RedisStore) IsRunning() bool {
	return atomic.LoadInt32(&r.started) == 1
}

// Cache entries live under their own segment so that Invalidate never reaches
// keys owned by other components sharing the prefix, such as rate windows.
const entrySegment = "c:"

func (r *RedisStore) buildFullKey(key string) string {
	if r.keyPrefix != "" {
		return r.keyPrefix + ":" + entrySegment + key
	}
	return entrySegment + key
}

func (r *RedisStore) unavailable(operation, key string, err error) error {
	return errors.WithStack(fmt.Errorf("%w: redis %s %q: %v", types.ErrBackendUnavailable, operation, key, err))
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
