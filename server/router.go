package server

import (
	"strings"
	"sync"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

var errRouteNotFound = types.NewAPIError(fasthttp.StatusNotFound, "not_found", "Route not found")

// Router dispatches on exact method and path. Paths are normalized so that
// "/a/" and "/a" resolve to the same route.
type Router struct {
	routes map[string]fasthttp.RequestHandler
	mu     sync.RWMutex
}

type Group struct {
	router *Router
	prefix string
}

func NewRouter() *Router {
	return &Router{
		routes: make(map[string]fasthttp.RequestHandler),
	}
}

func (r *Router) Add(method, path string, handler fasthttp.RequestHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.routes[routeKey(method, path)] = handler
}

func (r *Router) GET(path string, handler fasthttp.RequestHandler) {
	r.Add(fasthttp.MethodGet, path, handler)
}

func (r *Router) POST(path string, handler fasthttp.RequestHandler) {
	r.Add(fasthttp.MethodPost, path, handler)
}

func (r *Router) PUT(path string, handler fasthttp.RequestHandler) {
	r.Add(fasthttp.MethodPut, path, handler)
}

func (r *Router) DELETE(path string, handler fasthttp.RequestHandler) {
	r.Add(fasthttp.MethodDelete, path, handler)
}

func (r *Router) Group(prefix string) *Group {
	return &Group{router: r, prefix: prefix}
}

// Routes lists the registered "METHOD:path" keys.
func (r *Router) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.routes))
	for key := range r.routes {
		out = append(out, key)
	}
	return out
}

// Handler resolves the route for each request. HEAD falls back to the GET
// handler.
func (r *Router) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		method := string(ctx.Method())
		path := utils.BytesToString(ctx.Path())

		r.mu.RLock()
		handler := r.routes[routeKey(method, path)]
		if handler == nil && method == fasthttp.MethodHead {
			handler = r.routes[routeKey(fasthttp.MethodGet, path)]
		}
		r.mu.RUnlock()

		if handler != nil {
			handler(ctx)
			return
		}

		if method == fasthttp.MethodOptions {
			ctx.SetStatusCode(fasthttp.StatusNoContent)
			return
		}

		utils.WriteError(ctx, errRouteNotFound)
	}
}

func (g *Group) GET(path string, handler fasthttp.RequestHandler) {
	g.router.GET(g.prefix+path, handler)
}

func (g *Group) POST(path string, handler fasthttp.RequestHandler) {
	g.router.POST(g.prefix+path, handler)
}

func (g *Group) PUT(path string, handler fasthttp.RequestHandler) {
	g.router.PUT(g.prefix+path, handler)
}

func (g *Group) DELETE(path string, handler fasthttp.RequestHandler) {
	g.router.DELETE(g.prefix+path, handler)
}

func (g *Group) Group(prefix string) *Group {
	return &Group{router: g.router, prefix: g.prefix + prefix}
}

func routeKey(method, path string) string {
	return method + ":" + normalizePath(path)
}

func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if path[0] != '/' {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	return path
}
