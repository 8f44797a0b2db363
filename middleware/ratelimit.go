package middleware

import (
	"bytes"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

const (
	DefaultRateLimitRequests = 100
	DefaultRateLimitWindow   = time.Minute
)

var (
	apiKeyHeader    = []byte("X-API-Key")
	realIPHeader    = []byte("X-Real-IP")
	forwardedHeader = []byte("X-Forwarded-For")
	commaBytes      = []byte(",")
)

type RateLimitMiddleware struct {
	logger          types.Logger
	limiter         types.RateLimiter
	rateLimitConfig *RateLimitConfig
	weight          int
}

// RateLimitConfig is the default budget applied to routes that do not carry
// their own. Routes override it through RouteConfig.RateLimit.
type RateLimitConfig struct {
	Requests      int `json:"requests"`
	WindowSeconds int `json:"window_seconds"`
}

func NewRateLimitMiddleware(item *types.MiddlewareItemConfig, defaults *types.RateLimitConfig, logger types.Logger, limiter types.RateLimiter) *RateLimitMiddleware {
	var rateLimitConfig = &RateLimitConfig{
		Requests:      DefaultRateLimitRequests,
		WindowSeconds: int(DefaultRateLimitWindow / time.Second),
	}

	if defaults != nil {
		if defaults.Requests > 0 {
			rateLimitConfig.Requests = defaults.Requests
		}
		if defaults.Window >= time.Second {
			rateLimitConfig.WindowSeconds = int(defaults.Window / time.Second)
		}
	}

	if item != nil && item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, rateLimitConfig); err != nil {
			logger.Error("Failed to unmarshal RateLimit middleware config", zap.Error(err))
		}
	}

	return &RateLimitMiddleware{
		logger:          logger,
		limiter:         limiter,
		rateLimitConfig: rateLimitConfig,
		weight:          weightOr(item, RateLimitWeight),
	}
}

func (rl *RateLimitMiddleware) Name() string { return "rate_limit" }
func (rl *RateLimitMiddleware) Weight() int  { return rl.weight }

func (rl *RateLimitMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), config *types.RouteConfig) {
	limit, window := rl.budget(config)
	identifier := extractIdentifier(ctx)

	result, err := rl.limiter.CheckLimit(ctx, identifier, limit, window)
	if err != nil {
		rl.logger.Error("Rate limit check failed, admitting request",
			zap.String("identifier", identifier),
			zap.Error(err))
		next(ctx)
		return
	}

	if !result.Allowed {
		setRateLimitHeaders(ctx, result)

		apiErr := types.AsAPIError(types.ErrRateLimitExceeded)
		resetAt := result.ResetAt
		apiErr.ResetAt = &resetAt
		utils.WriteError(ctx, apiErr)
		return
	}

	next(ctx)

	setRateLimitHeaders(ctx, result)
}

func (rl *RateLimitMiddleware) budget(config *types.RouteConfig) (int, time.Duration) {
	limit := rl.rateLimitConfig.Requests
	window := time.Duration(rl.rateLimitConfig.WindowSeconds) * time.Second

	if config != nil && config.RateLimit != nil {
		if config.RateLimit.Requests > 0 {
			limit = config.RateLimit.Requests
		}
		if config.RateLimit.Window > 0 {
			window = config.RateLimit.Window
		}
	}

	return limit, window
}

func setRateLimitHeaders(ctx *fasthttp.RequestCtx, result types.RateLimitResult) {
	ctx.Response.Header.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	ctx.Response.Header.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

// extractIdentifier keys the window on the API key when present, otherwise on
// the client address.
func extractIdentifier(ctx *fasthttp.RequestCtx) string {
	if apiKey := ctx.Request.Header.PeekBytes(apiKeyHeader); len(apiKey) > 0 {
		return "key:" + string(apiKey)
	}
	return "ip:" + string(extractRealIP(ctx))
}

func extractRealIP(ctx *fasthttp.RequestCtx) []byte {
	if realIP := ctx.Request.Header.PeekBytes(realIPHeader); len(realIP) > 0 {
		return realIP
	}

	if forwarded := ctx.Request.Header.PeekBytes(forwardedHeader); len(forwarded) > 0 {
		if comma := bytes.Index(forwarded, commaBytes); comma > 0 {
			return bytes.TrimSpace(forwarded[:comma])
		}
		return bytes.TrimSpace(forwarded)
	}

	return []byte(ctx.RemoteIP().String())
}
