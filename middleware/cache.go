package middleware

import (
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/keycodec"
	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

const (
	cacheStatusHeader = "X-Cache"
	cacheHit          = "HIT"
	cacheMiss         = "MISS"

	// ResultCountKey is the user value the boundary stores the operation's
	// result count under.
	ResultCountKey = "result_count"

	cacheComponent = "response_cache"
)

// CacheMiddleware serves read-like requests from the store and invalidates
// patterns and tags after successful mutations.
type CacheMiddleware struct {
	logger      types.Logger
	store       types.CacheStore
	tags        types.TagInvalidator
	recorder    types.SampleRecorder
	sink        types.EventSink
	cacheConfig *CacheConfig
	weight      int
}

type CacheConfig struct {
	// DefaultTTLSeconds applies to routes that leave TTL at zero. Zero defers
	// to the store default.
	DefaultTTLSeconds int  `json:"default_ttl_seconds"`
	VaryByUser        bool `json:"vary_by_user"`
}

func NewCacheMiddleware(item *types.MiddlewareItemConfig, logger types.Logger, store types.CacheStore, tags types.TagInvalidator, recorder types.SampleRecorder, sink types.EventSink) *CacheMiddleware {
	var cacheConfig = &CacheConfig{
		VaryByUser: true,
	}

	if item != nil && item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, cacheConfig); err != nil {
			logger.Error("Failed to unmarshal Cache middleware config", zap.Error(err))
		}
	}

	return &CacheMiddleware{
		logger:      logger,
		store:       store,
		tags:        tags,
		recorder:    recorder,
		sink:        sink,
		cacheConfig: cacheConfig,
		weight:      weightOr(item, CacheWeight),
	}
}

func (c *CacheMiddleware) Name() string { return "cache" }
func (c *CacheMiddleware) Weight() int  { return c.weight }

func (c *CacheMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), config *types.RouteConfig) {
	if config == nil || config.Cache == nil {
		next(ctx)
		return
	}

	if !isReadLike(ctx) {
		next(ctx)
		c.invalidate(ctx, config.Cache)
		return
	}

	if !config.Cache.Enabled {
		next(ctx)
		return
	}

	start := time.Now()
	key := c.buildCacheKey(ctx, config.Cache)

	if cached, ok := c.lookup(ctx, key); ok {
		restoreResponse(ctx, cached)
		ctx.Response.Header.Set(cacheStatusHeader, cacheHit)
		c.record(key, start, true, cached.ResultCount)

		c.logger.Debug("Cache hit",
			zap.String("cache_key", key),
			zap.Duration("duration", time.Since(start)))
		return
	}

	next(ctx)
	ctx.Response.Header.Set(cacheStatusHeader, cacheMiss)

	if status := ctx.Response.StatusCode(); status < 200 || status >= 300 {
		return
	}

	resultCount, _ := ctx.UserValue(ResultCountKey).(int)
	if !shouldCacheResponse(ctx) {
		c.record(key, start, false, resultCount)
		return
	}

	response := types.CachedResponse{
		Status:      ctx.Response.StatusCode(),
		ContentType: string(ctx.Response.Header.ContentType()),
		Body:        string(ctx.Response.Body()),
		ResultCount: resultCount,
	}

	if err := c.store.Set(ctx, key, response, c.ttl(config.Cache)); err != nil {
		c.emit(types.EventWriteFailed, "set", key, err, time.Since(start))
	}

	c.record(key, start, false, resultCount)
}

func (c *CacheMiddleware) lookup(ctx *fasthttp.RequestCtx, key string) (types.CachedResponse, bool) {
	start := time.Now()

	value, found, err := c.store.Get(ctx, key)
	if err != nil {
		kind := types.EventBackendUnavailable
		if !types.IsError(err, types.ErrBackendUnavailable) {
			kind = types.EventDecodeFailed
		}
		c.emit(kind, "get", key, err, time.Since(start))
		return types.CachedResponse{}, false
	}

	if !found {
		return types.CachedResponse{}, false
	}

	cached, err := utils.Convert[types.CachedResponse](value)
	if err != nil {
		c.emit(types.EventDecodeFailed, "get", key, err, time.Since(start))
		return types.CachedResponse{}, false
	}

	return cached, true
}

func (c *CacheMiddleware) invalidate(ctx *fasthttp.RequestCtx, config *types.CacheHandlerConfig) {
	status := ctx.Response.StatusCode()
	if status < 200 || status >= 300 {
		return
	}

	if len(config.InvalidatePatterns) > 0 {
		start := time.Now()
		if err := c.store.Invalidate(ctx, config.InvalidatePatterns...); err != nil {
			c.emit(types.EventInvalidateFailed, "invalidate", strings.Join(config.InvalidatePatterns, ","), err, time.Since(start))
		}
	}

	if len(config.InvalidateTags) > 0 && c.tags != nil {
		start := time.Now()
		if err := c.tags.InvalidateTags(ctx, config.InvalidateTags...); err != nil {
			c.emit(types.EventInvalidateFailed, "invalidate_tags", strings.Join(config.InvalidateTags, ","), err, time.Since(start))
		}
	}
}

// buildCacheKey prefers the route's explicit key, then its key function, then
// the request path with its sorted query.
func (c *CacheMiddleware) buildCacheKey(ctx *fasthttp.RequestCtx, config *types.CacheHandlerConfig) string {
	if config.Key != "" {
		return config.Key
	}

	if config.KeyFunc != nil {
		if key := config.KeyFunc(ctx); key != "" {
			return key
		}
	}

	query := make(map[string][]string)
	ctx.QueryArgs().VisitAll(func(key, value []byte) {
		name := string(key)
		query[name] = append(query[name], string(value))
	})

	key := keycodec.EncodeResponse(string(ctx.Path()), query)

	if c.cacheConfig.VaryByUser {
		if userID := ctx.Request.Header.Peek("X-User-ID"); len(userID) > 0 {
			key += "#user=" + string(userID)
		}
	}

	return key
}

func (c *CacheMiddleware) ttl(config *types.CacheHandlerConfig) time.Duration {
	if config.TTL != 0 {
		return config.TTL
	}
	return time.Duration(c.cacheConfig.DefaultTTLSeconds) * time.Second
}

func (c *CacheMiddleware) record(key string, start time.Time, hit bool, resultCount int) {
	if c.recorder == nil {
		return
	}

	c.recorder.Record(types.MetricSample{
		Key:         key,
		DurationMs:  float64(time.Since(start)) / float64(time.Millisecond),
		Hit:         hit,
		ResultCount: resultCount,
		Timestamp:   time.Now(),
	})
}

func (c *CacheMiddleware) emit(kind types.EventKind, operation, key string, err error, duration time.Duration) {
	if c.sink == nil {
		c.logger.Warn("Response cache degraded",
			zap.String("operation", operation),
			zap.String("cache_key", key),
			zap.Error(err))
		return
	}

	c.sink.Emit(types.Event{
		Kind:      kind,
		Component: cacheComponent,
		Operation: operation,
		Key:       key,
		Err:       err,
		Duration:  duration,
		Timestamp: time.Now(),
	})
}

func isReadLike(ctx *fasthttp.RequestCtx) bool {
	return ctx.IsGet() || ctx.IsHead()
}

func shouldCacheResponse(ctx *fasthttp.RequestCtx) bool {
	status := ctx.Response.StatusCode()
	if status < 200 || status >= 300 {
		return false
	}

	if len(ctx.Response.Body()) == 0 {
		return false
	}

	cacheControl := strings.ToLower(string(ctx.Response.Header.Peek("Cache-Control")))
	return !strings.Contains(cacheControl, "no-cache") && !strings.Contains(cacheControl, "no-store")
}

func restoreResponse(ctx *fasthttp.RequestCtx, cached types.CachedResponse) {
	status := cached.Status
	if status == 0 {
		status = fasthttp.StatusOK
	}

	ctx.SetStatusCode(status)
	if cached.ContentType != "" {
		ctx.SetContentType(cached.ContentType)
	}
	ctx.SetBodyString(cached.Body)
	ctx.SetUserValue(ResultCountKey, cached.ResultCount)
}
