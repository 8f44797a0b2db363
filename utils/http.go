package utils

import (
	"math"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-cache/types"
)

const jsonContentType = "application/json"

func WriteJSON(ctx *fasthttp.RequestCtx, status int, payload interface{}) error {
	body, err := Marshal(payload)
	if err != nil {
		return err
	}

	ctx.SetStatusCode(status)
	ctx.SetContentType(jsonContentType)
	ctx.SetBody(body)
	return nil
}

// WriteError writes err as a structured APIError body. Raw errors never reach
// the client.
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	apiErr := types.AsAPIError(err)
	if apiErr == nil {
		apiErr = types.AsAPIError(types.ErrInternalError)
	}

	ctx.Response.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")

	if requestID := ctx.Request.Header.Peek("X-Request-ID"); len(requestID) > 0 {
		ctx.Response.Header.SetBytesV("X-Request-ID", requestID)
	}

	if apiErr.ResetAt != nil {
		retryAfter := int(math.Ceil(time.Until(*apiErr.ResetAt).Seconds()))
		if retryAfter < 0 {
			retryAfter = 0
		}
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfter))
	}

	if writeErr := WriteJSON(ctx, apiErr.Status, apiErr); writeErr != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetContentType(jsonContentType)
		ctx.SetBodyString(`{"message":"An unexpected error occurred","code":"internal_error","status":500}`)
	}
}
