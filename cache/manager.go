package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/saiset-co/sai-cache/types"
)

var (
	customStoreCreators   = make(map[string]types.CacheStoreCreator)
	customStoreCreatorsMu sync.RWMutex
)

func RegisterStore(storeName string, creator types.CacheStoreCreator) {
	customStoreCreatorsMu.Lock()
	defer customStoreCreatorsMu.Unlock()
	customStoreCreators[storeName] = creator
}

// StatsProvider is implemented by stores that can report their size.
type StatsProvider interface {
	Stats() types.CacheStats
}

// NewStore builds the store selected by config.Cache.Type and wraps it with
// operation metrics. client is required only for the redis store.
func NewStore(ctx context.Context, config *types.ServiceConfig, client *redis.Client, logger types.Logger, metrics types.MetricsManager, health types.HealthManager) (types.CacheStore, error) {
	cacheConfig := config.Cache
	if cacheConfig == nil {
		cacheConfig = &types.CacheConfig{Type: "memory"}
	}

	var impl types.CacheStore
	var err error

	switch cacheConfig.Type {
	case "", "memory":
		impl, err = NewMemoryStore(ctx, logger, cacheConfig)
	case "redis":
		var store *RedisStore
		store, err = NewRedisStore(ctx, logger, client, config.Redis, cacheConfig)
		if err == nil {
			if health != nil {
				health.RegisterChecker("cache_redis", store.HealthCheck)
			}
			impl = store
		}
	default:
		customStoreCreatorsMu.RLock()
		creator, exists := customStoreCreators[cacheConfig.Type]
		customStoreCreatorsMu.RUnlock()

		if !exists {
			return nil, types.Errorf(types.ErrCacheTypeUnknown, "type: %s", cacheConfig.Type)
		}
		impl, err = creator(cacheConfig)
	}

	if err != nil {
		return nil, err
	}

	return NewInstrumentedStore(metrics, impl), nil
}

type instrumentedStore struct {
	impl    types.CacheStore
	metrics types.MetricsManager
	hits    uint64
	misses  uint64
}

// NewInstrumentedStore records cache_operations_total and
// cache_operation_duration_seconds for every call on impl.
func NewInstrumentedStore(metrics types.MetricsManager, impl types.CacheStore) types.CacheStore {
	return &instrumentedStore{
		impl:    impl,
		metrics: metrics,
	}
}

func (is *instrumentedStore) Get(ctx context.Context, key string) (interface{}, bool, error) {
	start := time.Now()
	value, exists, err := is.impl.Get(ctx, key)
	duration := time.Since(start)

	result := "miss"
	switch {
	case err != nil:
		result = "error"
		atomic.AddUint64(&is.misses, 1)
	case exists:
		result = "hit"
		atomic.AddUint64(&is.hits, 1)
	default:
		atomic.AddUint64(&is.misses, 1)
	}

	is.recordMetric("get", result, duration)
	return value, exists, err
}

func (is *instrumentedStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	start := time.Now()
	err := is.impl.Set(ctx, key, value, ttl)
	is.recordMetric("set", resultOf(err), time.Since(start))
	return err
}

func (is *instrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := is.impl.Delete(ctx, key)
	is.recordMetric("delete", resultOf(err), time.Since(start))
	return err
}

func (is *instrumentedStore) Invalidate(ctx context.Context, patterns ...string) error {
	start := time.Now()
	err := is.impl.Invalidate(ctx, patterns...)
	is.recordMetric("invalidate", resultOf(err), time.Since(start))
	return err
}

func (is *instrumentedStore) Stats() types.CacheStats {
	stats := types.CacheStats{
		Hits:   atomic.LoadUint64(&is.hits),
		Misses: atomic.LoadUint64(&is.misses),
	}

	if provider, ok := is.impl.(StatsProvider); ok {
		inner := provider.Stats()
		stats.Entries = inner.Entries
		stats.Evictions = inner.Evictions
	}

	return stats
}

func (is *instrumentedStore) Start() error {
	start := time.Now()
	err := is.impl.Start()
	is.recordMetric("start", resultOf(err), time.Since(start))
	return err
}

func (is *instrumentedStore) Stop() error {
	return is.impl.Stop()
}

func (is *instrumentedStore) IsRunning() bool {
	return is.impl.IsRunning()
}

func (is *instrumentedStore) recordMetric(operation, result string, duration time.Duration) {
	if is.metrics == nil {
		return
	}

	is.metrics.Counter("cache_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	}).Inc()

	is.metrics.Histogram("cache_operation_duration_seconds",
		[]float64{0.0001, 0.001, 0.01, 0.1, 1.0},
		map[string]string{"operation": operation},
	).Observe(duration.Seconds())
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
