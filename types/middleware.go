package types

import (
	"context"
	"time"

	"github.com/valyala/fasthttp"
)

type MiddlewareManager interface {
	Register(middleware Middleware) error
	Finalize() error
	Execute(ctx *fasthttp.RequestCtx, handler func(*fasthttp.RequestCtx), config *RouteConfig)
	Clear()
}

type Middleware interface {
	Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), config *RouteConfig)
	Name() string
	Weight() int
}

type MiddlewareEntry struct {
	Name       string
	Middleware Middleware
	Weight     int
}

// Operation is the unit of work wrapped by the HTTP boundary. Its result is
// encoded as JSON; its error is turned into an APIError.
type Operation func(ctx *fasthttp.RequestCtx) (interface{}, error)

// RouteConfig carries the per-route options of the HTTP boundary.
type RouteConfig struct {
	Cache               *CacheHandlerConfig
	RateLimit           *RateLimitHandlerConfig
	Validate            func(result interface{}) error
	Transform           func(result interface{}) (interface{}, error)
	DisabledMiddlewares []string
}

type CacheHandlerConfig struct {
	Enabled bool
	TTL     time.Duration
	// Key replaces the generated key when set. KeyFunc is consulted when Key is empty.
	Key                string
	KeyFunc            func(ctx *fasthttp.RequestCtx) string
	InvalidatePatterns []string
	InvalidateTags     []string
}

type RateLimitHandlerConfig struct {
	Requests int
	Window   time.Duration
}

// TagInvalidator is implemented by the query cache; mutating routes use it to
// drop tagged data-layer entries.
type TagInvalidator interface {
	InvalidateTags(ctx context.Context, tags ...string) error
}
