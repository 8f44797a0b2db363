package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-cache/cache"
	"github.com/saiset-co/sai-cache/logger"
	"github.com/saiset-co/sai-cache/metrics"
	"github.com/saiset-co/sai-cache/ratelimit"
	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

type recordingTags struct {
	mu   sync.Mutex
	tags []string
}

func (r *recordingTags) InvalidateTags(_ context.Context, tags ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = append(r.tags, tags...)
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *recordingSink) Emit(event types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) kinds() []types.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.EventKind, 0, len(r.events))
	for _, event := range r.events {
		out = append(out, event.Kind)
	}
	return out
}

type unavailableStore struct{}

func (unavailableStore) Start() error    { return nil }
func (unavailableStore) Stop() error     { return nil }
func (unavailableStore) IsRunning() bool { return true }

func (unavailableStore) Get(context.Context, string) (interface{}, bool, error) {
	return nil, false, fmt.Errorf("%w: dial tcp: connection refused", types.ErrBackendUnavailable)
}

func (unavailableStore) Set(context.Context, string, interface{}, time.Duration) error {
	return fmt.Errorf("%w: dial tcp: connection refused", types.ErrBackendUnavailable)
}

func (unavailableStore) Delete(context.Context, string) error { return nil }

func (unavailableStore) Invalidate(context.Context, ...string) error {
	return fmt.Errorf("%w: dial tcp: connection refused", types.ErrBackendUnavailable)
}

type fixture struct {
	boundary *Boundary
	store    types.CacheStore
	tags     *recordingTags
	sink     *recordingSink
	recorder *metrics.Recorder
}

func newFixture(t *testing.T, store types.CacheStore, requests int) *fixture {
	t.Helper()

	if store == nil {
		memory, err := cache.NewMemoryStore(context.Background(), logger.NewNop(), &types.CacheConfig{})
		require.NoError(t, err)
		store = memory
	}

	f := &fixture{
		store:    store,
		tags:     &recordingTags{},
		sink:     &recordingSink{},
		recorder: metrics.NewRecorder(nil, nil),
	}

	manager := NewManager(logger.NewNop(), nil)
	err := manager.RegisterMiddlewares(&types.MiddlewaresConfig{
		Recovery:  &types.MiddlewareItemConfig{Enabled: true},
		Logging:   &types.MiddlewareItemConfig{Enabled: true},
		RateLimit: &types.MiddlewareItemConfig{Enabled: true},
		Cache:     &types.MiddlewareItemConfig{Enabled: true},
	}, Components{
		Limiter:   ratelimit.NewLimiter(context.Background(), logger.NewNop(), nil, nil, nil),
		RateLimit: &types.RateLimitConfig{Requests: requests, Window: time.Minute},
		Store:     store,
		Tags:      f.tags,
		Recorder:  f.recorder,
		Sink:      f.sink,
	})
	require.NoError(t, err)

	f.boundary = NewBoundary(manager, logger.NewNop())
	return f
}

func (f *fixture) serve(method, uri string, op types.Operation, route *types.RouteConfig) *fasthttp.RequestCtx {
	ctx := newRequestCtx(method, uri)
	f.boundary.Handle(ctx, op, route)
	return ctx
}

func countingOp(calls *int, result interface{}) types.Operation {
	return func(*fasthttp.RequestCtx) (interface{}, error) {
		*calls++
		return result, nil
	}
}

func decodeBody(t *testing.T, ctx *fasthttp.RequestCtx) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &body))
	return body
}

func cachedRoute() *types.RouteConfig {
	return &types.RouteConfig{
		Cache: &types.CacheHandlerConfig{Enabled: true, TTL: time.Minute},
	}
}

func TestBoundary_CachesReads(t *testing.T) {
	f := newFixture(t, nil, 100)
	calls := 0
	op := countingOp(&calls, []string{"alpha", "beta"})

	first := f.serve("GET", "/api/voiceovers?limit=2&sort=name", op, cachedRoute())
	assert.Equal(t, fasthttp.StatusOK, first.Response.StatusCode())
	assert.Equal(t, "MISS", string(first.Response.Header.Peek("X-Cache")))

	second := f.serve("GET", "/api/voiceovers?sort=name&limit=2", op, cachedRoute())
	assert.Equal(t, fasthttp.StatusOK, second.Response.StatusCode())
	assert.Equal(t, "HIT", string(second.Response.Header.Peek("X-Cache")))
	assert.Equal(t, string(first.Response.Body()), string(second.Response.Body()))
	assert.Equal(t, "application/json", string(second.Response.Header.ContentType()))
	assert.Equal(t, 1, calls)

	stats := f.recorder.Aggregate(0)
	assert.Equal(t, 2, stats.TotalOps)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
	assert.Equal(t, 4, stats.TotalResults)
}

func TestBoundary_KeyOverrides(t *testing.T) {
	f := newFixture(t, nil, 100)
	calls := 0
	op := countingOp(&calls, map[string]string{"ok": "yes"})

	route := &types.RouteConfig{
		Cache: &types.CacheHandlerConfig{Enabled: true, Key: "homepage"},
	}
	f.serve("GET", "/a?x=1", op, route)
	hit := f.serve("GET", "/b?y=2", op, route)
	assert.Equal(t, "HIT", string(hit.Response.Header.Peek("X-Cache")))
	assert.Equal(t, 1, calls)

	_, found, err := f.store.Get(context.Background(), "homepage")
	require.NoError(t, err)
	assert.True(t, found)

	route = &types.RouteConfig{
		Cache: &types.CacheHandlerConfig{
			Enabled: true,
			KeyFunc: func(ctx *fasthttp.RequestCtx) string { return "by-path:" + string(ctx.Path()) },
		},
	}
	f.serve("GET", "/c?page=1", op, route)
	hit = f.serve("GET", "/c?page=2", op, route)
	assert.Equal(t, "HIT", string(hit.Response.Header.Peek("X-Cache")))
	assert.Equal(t, 2, calls)
}

func TestBoundary_VariesByUser(t *testing.T) {
	f := newFixture(t, nil, 100)
	calls := 0
	op := countingOp(&calls, []int{1})

	for _, user := range []string{"u1", "u2", "u1"} {
		ctx := newRequestCtx("GET", "/api/favorites")
		ctx.Request.Header.Set("X-User-ID", user)
		f.boundary.Handle(ctx, op, cachedRoute())
	}

	assert.Equal(t, 2, calls)
}

func TestBoundary_DisabledCacheRunsEveryTime(t *testing.T) {
	f := newFixture(t, nil, 100)
	calls := 0
	op := countingOp(&calls, "value")

	route := &types.RouteConfig{Cache: &types.CacheHandlerConfig{Enabled: false}}
	f.serve("GET", "/x", op, route)
	ctx := f.serve("GET", "/x", op, route)

	assert.Equal(t, 2, calls)
	assert.Empty(t, ctx.Response.Header.Peek("X-Cache"))
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
}

func TestBoundary_ValidationFailureIsNotCached(t *testing.T) {
	f := newFixture(t, nil, 100)
	calls := 0
	op := countingOp(&calls, []string{})

	route := cachedRoute()
	route.Validate = func(result interface{}) error {
		if len(result.([]string)) == 0 {
			return errors.New("empty catalog")
		}
		return nil
	}

	ctx := f.serve("GET", "/api/voiceovers", op, route)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())

	body := decodeBody(t, ctx)
	assert.Equal(t, "validation_failed", body["code"])
	assert.EqualValues(t, 400, body["status"])
	assert.Contains(t, body["message"], "empty catalog")
	assert.Equal(t, "MISS", string(ctx.Response.Header.Peek("X-Cache")))

	f.serve("GET", "/api/voiceovers", op, route)
	assert.Equal(t, 2, calls)
}

func TestBoundary_TransformShapesPayload(t *testing.T) {
	f := newFixture(t, nil, 100)
	calls := 0
	op := countingOp(&calls, []string{"a", "b", "c"})

	route := cachedRoute()
	route.Transform = func(result interface{}) (interface{}, error) {
		items := result.([]string)
		return map[string]interface{}{"items": items, "total": len(items)}, nil
	}

	ctx := f.serve("GET", "/api/voiceovers", op, route)
	body := decodeBody(t, ctx)
	assert.EqualValues(t, 3, body["total"])
}

func TestBoundary_OperationErrors(t *testing.T) {
	f := newFixture(t, nil, 100)

	failing := func(*fasthttp.RequestCtx) (interface{}, error) {
		return nil, errors.New("content store offline")
	}
	ctx := f.serve("GET", "/api/voiceovers", failing, cachedRoute())
	assert.Equal(t, fasthttp.StatusInternalServerError, ctx.Response.StatusCode())
	body := decodeBody(t, ctx)
	assert.Equal(t, "internal_error", body["code"])
	assert.Equal(t, "content store offline", body["message"])
	assert.Equal(t, "MISS", string(ctx.Response.Header.Peek("X-Cache")))

	ctx = f.serve("GET", "/api/voiceovers", failing, cachedRoute())
	assert.Equal(t, fasthttp.StatusInternalServerError, ctx.Response.StatusCode())
	assert.Equal(t, "MISS", string(ctx.Response.Header.Peek("X-Cache")))

	notFound := func(*fasthttp.RequestCtx) (interface{}, error) {
		return nil, types.NewAPIError(fasthttp.StatusNotFound, "not_found", "voiceover not found")
	}
	ctx = f.serve("GET", "/api/voiceovers/42", notFound, nil)
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
	assert.Equal(t, "not_found", decodeBody(t, ctx)["code"])

	panicking := func(*fasthttp.RequestCtx) (interface{}, error) {
		panic("boom")
	}
	ctx = f.serve("POST", "/api/voiceovers", panicking, nil)
	assert.Equal(t, fasthttp.StatusInternalServerError, ctx.Response.StatusCode())
	assert.Equal(t, "internal_error", decodeBody(t, ctx)["code"])

	ctx = f.serve("GET", "/x", nil, nil)
	assert.Equal(t, fasthttp.StatusInternalServerError, ctx.Response.StatusCode())
}

func TestBoundary_MutationInvalidates(t *testing.T) {
	f := newFixture(t, nil, 100)
	reads := 0
	read := countingOp(&reads, []string{"a"})

	f.serve("GET", "/api/voiceovers?page=1", read, cachedRoute())
	f.serve("GET", "/api/voiceovers?page=2", read, cachedRoute())
	f.serve("GET", "/api/other", read, cachedRoute())
	require.Equal(t, 3, reads)

	write := &types.RouteConfig{
		Cache: &types.CacheHandlerConfig{
			InvalidatePatterns: []string{"/api/voiceovers*"},
			InvalidateTags:     []string{"voiceovers"},
		},
	}
	create := func(ctx *fasthttp.RequestCtx) (interface{}, error) {
		ctx.SetStatusCode(fasthttp.StatusCreated)
		return map[string]string{"id": "v-1"}, nil
	}
	ctx := f.serve("POST", "/api/voiceovers", create, write)
	assert.Equal(t, fasthttp.StatusCreated, ctx.Response.StatusCode())
	assert.Empty(t, ctx.Response.Header.Peek("X-Cache"))
	assert.Equal(t, []string{"voiceovers"}, f.tags.tags)

	miss := f.serve("GET", "/api/voiceovers?page=1", read, cachedRoute())
	assert.Equal(t, "MISS", string(miss.Response.Header.Peek("X-Cache")))
	hit := f.serve("GET", "/api/other", read, cachedRoute())
	assert.Equal(t, "HIT", string(hit.Response.Header.Peek("X-Cache")))
	assert.Equal(t, 4, reads)
}

func TestBoundary_FailedMutationKeepsCache(t *testing.T) {
	f := newFixture(t, nil, 100)
	reads := 0
	read := countingOp(&reads, []string{"a"})
	f.serve("GET", "/api/voiceovers", read, cachedRoute())

	write := &types.RouteConfig{
		Cache: &types.CacheHandlerConfig{InvalidatePatterns: []string{"/api/voiceovers"}, InvalidateTags: []string{"voiceovers"}},
	}
	rejected := func(*fasthttp.RequestCtx) (interface{}, error) {
		return nil, fmt.Errorf("%w: title is required", types.ErrValidationFailed)
	}
	ctx := f.serve("POST", "/api/voiceovers", rejected, write)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
	assert.Empty(t, f.tags.tags)

	hit := f.serve("GET", "/api/voiceovers", read, cachedRoute())
	assert.Equal(t, "HIT", string(hit.Response.Header.Peek("X-Cache")))
}

func TestBoundary_RateLimit(t *testing.T) {
	f := newFixture(t, nil, 2)
	calls := 0
	op := countingOp(&calls, "ok")

	first := f.serve("GET", "/api/ping", op, nil)
	assert.Equal(t, "2", string(first.Response.Header.Peek("X-RateLimit-Limit")))
	assert.Equal(t, "1", string(first.Response.Header.Peek("X-RateLimit-Remaining")))
	assert.NotEmpty(t, first.Response.Header.Peek("X-RateLimit-Reset"))

	second := f.serve("GET", "/api/ping", op, nil)
	assert.Equal(t, "0", string(second.Response.Header.Peek("X-RateLimit-Remaining")))

	third := f.serve("GET", "/api/ping", op, nil)
	assert.Equal(t, fasthttp.StatusTooManyRequests, third.Response.StatusCode())
	assert.Equal(t, "0", string(third.Response.Header.Peek("X-RateLimit-Remaining")))
	assert.NotEmpty(t, third.Response.Header.Peek("Retry-After"))

	body := decodeBody(t, third)
	assert.Equal(t, "rate_limited", body["code"])
	assert.EqualValues(t, 429, body["status"])
	assert.NotEmpty(t, body["reset_at"])
	assert.Equal(t, 2, calls)
}

func TestBoundary_RouteRateLimitAndAPIKey(t *testing.T) {
	f := newFixture(t, nil, 100)
	calls := 0
	op := countingOp(&calls, "ok")
	route := &types.RouteConfig{RateLimit: &types.RateLimitHandlerConfig{Requests: 1, Window: time.Minute}}

	f.serve("GET", "/api/search", op, route)
	blocked := f.serve("GET", "/api/search", op, route)
	assert.Equal(t, fasthttp.StatusTooManyRequests, blocked.Response.StatusCode())

	ctx := newRequestCtx("GET", "/api/search")
	ctx.Request.Header.Set("X-API-Key", "partner")
	f.boundary.Handle(ctx, op, route)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	ctx = newRequestCtx("GET", "/api/search")
	ctx.Request.Header.Set("X-Real-IP", "203.0.113.7")
	f.boundary.Handle(ctx, op, route)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	assert.Equal(t, 3, calls)
}

func TestBoundary_StoreUnavailableDegradesToMiss(t *testing.T) {
	f := newFixture(t, unavailableStore{}, 100)
	calls := 0
	op := countingOp(&calls, []string{"a"})

	first := f.serve("GET", "/api/voiceovers", op, cachedRoute())
	second := f.serve("GET", "/api/voiceovers", op, cachedRoute())

	assert.Equal(t, fasthttp.StatusOK, first.Response.StatusCode())
	assert.Equal(t, "MISS", string(second.Response.Header.Peek("X-Cache")))
	assert.Equal(t, 2, calls)

	write := &types.RouteConfig{Cache: &types.CacheHandlerConfig{InvalidatePatterns: []string{"/api/voiceovers"}}}
	ctx := f.serve("DELETE", "/api/voiceovers/1", countingOp(&calls, "deleted"), write)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	assert.Equal(t, []types.EventKind{
		types.EventBackendUnavailable,
		types.EventWriteFailed,
		types.EventBackendUnavailable,
		types.EventWriteFailed,
		types.EventInvalidateFailed,
	}, f.sink.kinds())
}

func TestBoundary_RequestID(t *testing.T) {
	f := newFixture(t, nil, 100)
	calls := 0

	ctx := f.serve("GET", "/api/ping", countingOp(&calls, "ok"), nil)
	assert.Len(t, string(ctx.Response.Header.Peek("X-Request-ID")), 36)

	ctx = newRequestCtx("GET", "/api/ping")
	ctx.Request.Header.Set("X-Request-ID", "req-1")
	f.boundary.Handle(ctx, countingOp(&calls, "ok"), nil)
	assert.Equal(t, "req-1", string(ctx.Response.Header.Peek("X-Request-ID")))
}

func TestBoundary_WithoutChain(t *testing.T) {
	boundary := NewBoundary(nil, logger.NewNop())
	ctx := newRequestCtx("GET", "/")

	boundary.Wrap(func(*fasthttp.RequestCtx) (interface{}, error) {
		return []int{1, 2, 3}, nil
	}, nil)(ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "[1,2,3]", string(ctx.Response.Body()))
	assert.Equal(t, 3, ctx.UserValue(ResultCountKey))
}

func TestRecoveryMiddleware_Panic(t *testing.T) {
	recovery := NewRecoveryMiddleware(&types.MiddlewareItemConfig{Enabled: true, Params: map[string]interface{}{"stack_trace": false}}, logger.NewNop(), metrics.NewMemoryMetrics(logger.NewNop()))
	ctx := newRequestCtx("GET", "/boom")

	recovery.Handle(ctx, func(*fasthttp.RequestCtx) {
		panic(errors.New("handler exploded"))
	}, nil)

	assert.Equal(t, fasthttp.StatusInternalServerError, ctx.Response.StatusCode())
	body := decodeBody(t, ctx)
	assert.Equal(t, "internal_error", body["code"])
	assert.Equal(t, "An unexpected error occurred", body["message"])
}
