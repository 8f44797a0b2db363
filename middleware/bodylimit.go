package middleware

import (
	"fmt"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

const DefaultMaxBodySize = 1024 * 1024

type BodyLimitMiddleware struct {
	logger          types.Logger
	bodyLimitConfig *BodyLimitConfig
	weight          int
	tooLarge        *types.APIError
}

type BodyLimitConfig struct {
	MaxBodySize int64 `json:"max_body_size"`
}

func NewBodyLimitMiddleware(item *types.MiddlewareItemConfig, logger types.Logger) *BodyLimitMiddleware {
	var bodyLimitConfig = &BodyLimitConfig{
		MaxBodySize: DefaultMaxBodySize,
	}

	if item != nil && item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, bodyLimitConfig); err != nil {
			logger.Error("Failed to unmarshal BodyLimit middleware config", zap.Error(err))
		}
	}

	if bodyLimitConfig.MaxBodySize <= 0 {
		bodyLimitConfig.MaxBodySize = DefaultMaxBodySize
	}

	return &BodyLimitMiddleware{
		logger:          logger,
		bodyLimitConfig: bodyLimitConfig,
		weight:          weightOr(item, BodyLimitWeight),
		tooLarge: types.NewAPIError(fasthttp.StatusRequestEntityTooLarge, "body_too_large",
			fmt.Sprintf("Request body exceeds maximum size of %d bytes", bodyLimitConfig.MaxBodySize)),
	}
}

func (bl *BodyLimitMiddleware) Name() string { return "body_limit" }
func (bl *BodyLimitMiddleware) Weight() int  { return bl.weight }

// Handle rejects mutations whose declared or received body is over the limit.
// Reads pass through untouched.
func (bl *BodyLimitMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	if isReadLike(ctx) {
		next(ctx)
		return
	}

	size := int64(ctx.Request.Header.ContentLength())
	if size <= 0 {
		size = int64(len(ctx.PostBody()))
	}

	if size > bl.bodyLimitConfig.MaxBodySize {
		bl.logger.Warn("Request body too large",
			zap.String("path", string(ctx.Path())),
			zap.Int64("size", size),
			zap.Int64("max_size", bl.bodyLimitConfig.MaxBodySize))

		ctx.SetConnectionClose()
		utils.WriteError(ctx, bl.tooLarge)
		return
	}

	next(ctx)
}
