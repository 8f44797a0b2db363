package middleware

import (
	"fmt"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/querycache"
	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

// Boundary adapts an Operation to a fasthttp handler. The middleware chain
// runs around it; whatever the operation returns leaves as either a JSON
// payload or an APIError body.
type Boundary struct {
	chain  types.MiddlewareManager
	logger types.Logger
}

func NewBoundary(chain types.MiddlewareManager, logger types.Logger) *Boundary {
	return &Boundary{
		chain:  chain,
		logger: logger,
	}
}

func (b *Boundary) Wrap(op types.Operation, route *types.RouteConfig) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		b.Handle(ctx, op, route)
	}
}

func (b *Boundary) Handle(ctx *fasthttp.RequestCtx, op types.Operation, route *types.RouteConfig) {
	if op == nil {
		utils.WriteError(ctx, types.ErrHandlerIsNil)
		return
	}

	handler := func(ctx *fasthttp.RequestCtx) {
		b.execute(ctx, op, route)
	}

	if b.chain == nil {
		handler(ctx)
		return
	}

	b.chain.Execute(ctx, handler, route)
}

func (b *Boundary) execute(ctx *fasthttp.RequestCtx, op types.Operation, route *types.RouteConfig) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("Operation panicked",
				zap.Any("panic", rec),
				zap.ByteString("path", ctx.Path()))
			b.fail(ctx, types.NewAPIError(fasthttp.StatusInternalServerError, "internal_error", "An unexpected error occurred"))
		}
	}()

	result, err := op(ctx)
	if err != nil {
		b.fail(ctx, err)
		return
	}

	if route != nil && route.Validate != nil {
		if err := route.Validate(result); err != nil {
			if !types.IsError(err, types.ErrValidationFailed) {
				err = fmt.Errorf("%w: %v", types.ErrValidationFailed, err)
			}
			b.fail(ctx, err)
			return
		}
	}

	if route != nil && route.Transform != nil {
		result, err = route.Transform(result)
		if err != nil {
			b.fail(ctx, err)
			return
		}
	}

	status := ctx.Response.StatusCode()
	if status < 200 || status >= 300 {
		status = fasthttp.StatusOK
	}

	ctx.SetUserValue(ResultCountKey, querycache.ResultCount(result))

	if err := utils.WriteJSON(ctx, status, result); err != nil {
		b.fail(ctx, types.WrapError(err, "failed to encode response"))
	}
}

func (b *Boundary) fail(ctx *fasthttp.RequestCtx, err error) {
	apiErr := types.AsAPIError(err)

	if apiErr.Status >= fasthttp.StatusInternalServerError {
		b.logger.Error("Operation failed",
			zap.ByteString("method", ctx.Method()),
			zap.ByteString("path", ctx.Path()),
			zap.Error(err))
	} else {
		b.logger.Debug("Operation rejected",
			zap.ByteString("path", ctx.Path()),
			zap.String("code", apiErr.Code))
	}

	ctx.Response.ResetBody()
	utils.WriteError(ctx, apiErr)
}
