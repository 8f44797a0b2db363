package health

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-cache/cache"
	"github.com/saiset-co/sai-cache/logger"
	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

func healthy(context.Context) types.HealthCheck {
	return types.HealthCheck{Status: types.StatusHealthy}
}

func unhealthy(context.Context) types.HealthCheck {
	return types.HealthCheck{Status: types.StatusUnhealthy, Message: "down"}
}

func newRequestCtx(uri string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.SetRequestURI(uri)

	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)
	return ctx
}

func TestManager_CheckAggregates(t *testing.T) {
	hm := NewManager(context.Background(), logger.NewNop())
	hm.RegisterChecker("a", healthy)
	hm.RegisterChecker("b", healthy)

	report := hm.Check(context.Background())
	assert.Equal(t, types.StatusHealthy, report.Status)
	assert.Equal(t, 2, report.Summary.Total)
	assert.Equal(t, 2, report.Summary.Healthy)
	assert.Equal(t, "a", report.Checks["a"].Name)
	assert.False(t, report.Checks["a"].LastCheck.IsZero())

	hm.RegisterChecker("c", unhealthy)
	hm.RegisterChecker("d", func(context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusUnknown}
	})

	report = hm.Check(context.Background())
	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Equal(t, 1, report.Summary.Unhealthy)
	assert.Equal(t, 1, report.Summary.Unknown)
	assert.Len(t, hm.LastResults(), 4)
}

func TestManager_PanicAndTimeout(t *testing.T) {
	hm := NewManager(context.Background(), logger.NewNop())
	hm.checkTimeout = 50 * time.Millisecond

	hm.RegisterChecker("panics", func(context.Context) types.HealthCheck {
		panic("boom")
	})
	hm.RegisterChecker("slow", func(ctx context.Context) types.HealthCheck {
		time.Sleep(time.Second)
		return types.HealthCheck{Status: types.StatusHealthy}
	})

	report := hm.Check(context.Background())
	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Contains(t, report.Checks["panics"].Message, "panicked: boom")
	assert.Equal(t, "Health check timeout", report.Checks["slow"].Message)
}

func TestManager_Handler(t *testing.T) {
	hm := NewManager(context.Background(), logger.NewNop())
	hm.RegisterChecker("a", healthy)

	ctx := newRequestCtx("/health")
	hm.Handler()(ctx)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var report types.HealthReport
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &report))
	assert.Equal(t, types.StatusHealthy, report.Status)

	hm.RegisterChecker("b", unhealthy)
	ctx = newRequestCtx("/health")
	hm.Handler()(ctx)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
}

func TestManager_VersionHandler(t *testing.T) {
	t.Setenv("BUILD_VERSION", "1.4.2")
	t.Setenv("BUILD_COMMIT", "abcdef0123456")

	hm := NewManager(context.Background(), logger.NewNop())
	ctx := newRequestCtx("/version")
	hm.VersionHandler("1.0.0")(ctx)

	var info types.VersionInfo
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &info))
	assert.Equal(t, "1.0.0", info.Version)
	assert.Contains(t, info.BuildInfo, "1.4.2-abcdef0")
}

func TestManager_Lifecycle(t *testing.T) {
	hm := NewManager(context.Background(), logger.NewNop())

	require.NoError(t, hm.Start())
	assert.True(t, hm.IsRunning())
	assert.ErrorIs(t, hm.Start(), types.ErrServerAlreadyRunning)

	require.NoError(t, hm.Stop())
	assert.False(t, hm.IsRunning())
	assert.ErrorIs(t, hm.Stop(), types.ErrServerNotRunning)
}

func TestManager_RedisStoreCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	hm := NewManager(context.Background(), logger.NewNop())
	_, err := cache.NewStore(context.Background(), &types.ServiceConfig{
		Cache: &types.CacheConfig{Type: "redis"},
		Redis: &types.RedisConfig{KeyPrefix: "health", OperationTimeout: 200 * time.Millisecond},
	}, client, logger.NewNop(), nil, hm)
	require.NoError(t, err)

	report := hm.Check(context.Background())
	assert.Equal(t, types.StatusHealthy, report.Checks["cache_redis"].Status)

	mr.Close()

	report = hm.Check(context.Background())
	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.NotEmpty(t, report.Checks["cache_redis"].Message)
}
