package middleware

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
)

const MaxMiddlewares = 64

const (
	RecoveryWeight    = 10
	CompressionWeight = 15
	LoggingWeight     = 20
	BodyLimitWeight   = 25
	RateLimitWeight   = 30
	CacheWeight       = 40
)

// Components are the collaborators the built-in middlewares need. Nil members
// disable the middleware that depends on them.
type Components struct {
	Limiter   types.RateLimiter
	RateLimit *types.RateLimitConfig
	Store     types.CacheStore
	Tags      types.TagInvalidator
	Recorder  types.SampleRecorder
	Sink      types.EventSink
}

type Manager struct {
	logger             types.Logger
	metrics            types.MetricsManager
	middlewareMap      map[string]types.Middleware
	orderedMiddlewares []types.MiddlewareEntry
	nameToIndex        map[string]int
	defaultMask        uint64
	compiledChains     map[uint64]*CompiledChain
	chainsMu           sync.RWMutex
	mu                 sync.Mutex
	initialized        int32
}

type CompiledChain struct {
	mask        uint64
	middlewares []types.Middleware
	handler     func(*fasthttp.RequestCtx, func(*fasthttp.RequestCtx), *types.RouteConfig)
}

func NewManager(logger types.Logger, metrics types.MetricsManager) *Manager {
	return &Manager{
		logger:         logger,
		metrics:        metrics,
		middlewareMap:  make(map[string]types.Middleware),
		nameToIndex:    make(map[string]int),
		compiledChains: make(map[uint64]*CompiledChain),
	}
}

// RegisterMiddlewares registers every enabled built-in middleware and
// finalizes the chain.
func (m *Manager) RegisterMiddlewares(config *types.MiddlewaresConfig, components Components) error {
	if config == nil {
		return m.Finalize()
	}

	if enabled(config.Recovery) {
		if err := m.Register(NewRecoveryMiddleware(config.Recovery, m.logger, m.metrics)); err != nil {
			return err
		}
		m.logger.Info("Recovery middleware registered")
	}

	if enabled(config.Compression) {
		if err := m.Register(NewCompressionMiddleware(config.Compression, m.logger, m.metrics)); err != nil {
			return err
		}
		m.logger.Info("Compression middleware registered")
	}

	if enabled(config.Logging) {
		if err := m.Register(NewLoggingMiddleware(config.Logging, m.logger)); err != nil {
			return err
		}
		m.logger.Info("Logging middleware registered")
	}

	if enabled(config.BodyLimit) {
		if err := m.Register(NewBodyLimitMiddleware(config.BodyLimit, m.logger)); err != nil {
			return err
		}
		m.logger.Info("Body limit middleware registered")
	}

	if enabled(config.RateLimit) {
		if components.Limiter == nil {
			m.logger.Warn("Rate limit middleware enabled without a limiter, skipping")
		} else {
			rateLimitMw := NewRateLimitMiddleware(config.RateLimit, components.RateLimit, m.logger, components.Limiter)
			if err := m.Register(rateLimitMw); err != nil {
				return err
			}
			m.logger.Info("Rate limit middleware registered")
		}
	}

	if enabled(config.Cache) {
		if components.Store == nil {
			m.logger.Warn("Cache middleware enabled without a store, skipping")
		} else {
			cacheMw := NewCacheMiddleware(config.Cache, m.logger, components.Store, components.Tags, components.Recorder, components.Sink)
			if err := m.Register(cacheMw); err != nil {
				return err
			}
			m.logger.Info("Cache middleware registered")
		}
	}

	return m.Finalize()
}

func (m *Manager) Register(middleware types.Middleware) error {
	if middleware == nil {
		return types.ErrMiddlewareInvalidType
	}

	if atomic.LoadInt32(&m.initialized) == 1 {
		return types.NewErrorf("cannot register middleware after finalization")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.middlewareMap) >= MaxMiddlewares {
		return types.NewErrorf("maximum middleware count exceeded: %d", MaxMiddlewares)
	}

	m.middlewareMap[middleware.Name()] = middleware
	return nil
}

// Finalize orders the registered middlewares by ascending weight. Two
// middlewares may not share a weight.
func (m *Manager) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if atomic.LoadInt32(&m.initialized) == 1 {
		return types.NewErrorf("configuration already finalized")
	}

	weights := make(map[int]string, len(m.middlewareMap))
	ordered := make([]types.MiddlewareEntry, 0, len(m.middlewareMap))
	for name, mw := range m.middlewareMap {
		if existing, exists := weights[mw.Weight()]; exists {
			return types.NewErrorf("duplicate weight %d for middlewares '%s' and '%s'", mw.Weight(), existing, name)
		}
		weights[mw.Weight()] = name
		ordered = append(ordered, types.MiddlewareEntry{Name: name, Middleware: mw, Weight: mw.Weight()})
	}

	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Weight < ordered[j].Weight
	})

	m.orderedMiddlewares = ordered
	m.nameToIndex = make(map[string]int, len(ordered))
	m.defaultMask = 0
	for i, entry := range ordered {
		m.nameToIndex[entry.Name] = i
		m.defaultMask |= 1 << uint(i)
	}

	atomic.StoreInt32(&m.initialized, 1)

	m.logger.Debug("Middleware chain finalized", zap.Strings("middlewares", m.Names()))
	return nil
}

// Names lists the finalized chain in execution order.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.orderedMiddlewares))
	for _, entry := range m.orderedMiddlewares {
		names = append(names, entry.Name)
	}
	return names
}

func (m *Manager) Execute(ctx *fasthttp.RequestCtx, handler func(*fasthttp.RequestCtx), config *types.RouteConfig) {
	if atomic.LoadInt32(&m.initialized) == 0 {
		handler(ctx)
		return
	}

	mask := m.routeMask(config)
	if mask == 0 {
		handler(ctx)
		return
	}

	m.chain(mask).handler(ctx, handler, config)
}

func (m *Manager) routeMask(config *types.RouteConfig) uint64 {
	mask := m.defaultMask
	if config == nil {
		return mask
	}

	for _, name := range config.DisabledMiddlewares {
		if index, exists := m.nameToIndex[name]; exists {
			mask &^= 1 << uint(index)
		}
	}

	return mask
}

func (m *Manager) chain(mask uint64) *CompiledChain {
	m.chainsMu.RLock()
	compiled := m.compiledChains[mask]
	m.chainsMu.RUnlock()

	if compiled != nil {
		return compiled
	}

	active := make([]types.Middleware, 0, len(m.orderedMiddlewares))
	for i, entry := range m.orderedMiddlewares {
		if mask&(1<<uint(i)) != 0 {
			active = append(active, entry.Middleware)
		}
	}

	compiled = &CompiledChain{
		mask:        mask,
		middlewares: active,
		handler:     compileChain(active),
	}

	m.chainsMu.Lock()
	m.compiledChains[mask] = compiled
	m.chainsMu.Unlock()

	return compiled
}

func compileChain(middlewares []types.Middleware) func(*fasthttp.RequestCtx, func(*fasthttp.RequestCtx), *types.RouteConfig) {
	if len(middlewares) == 0 {
		return func(ctx *fasthttp.RequestCtx, handler func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
			handler(ctx)
		}
	}

	return func(ctx *fasthttp.RequestCtx, handler func(*fasthttp.RequestCtx), config *types.RouteConfig) {
		var index int

		var next func(*fasthttp.RequestCtx)
		next = func(ctx *fasthttp.RequestCtx) {
			if index >= len(middlewares) {
				handler(ctx)
				return
			}

			mw := middlewares[index]
			index++
			mw.Handle(ctx, next, config)
		}

		next(ctx)
	}
}

func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.middlewareMap = make(map[string]types.Middleware)
	m.orderedMiddlewares = nil
	m.nameToIndex = make(map[string]int)
	m.defaultMask = 0

	m.chainsMu.Lock()
	m.compiledChains = make(map[uint64]*CompiledChain)
	m.chainsMu.Unlock()

	atomic.StoreInt32(&m.initialized, 0)

	m.logger.Info("Middleware manager cleared")
}

func enabled(item *types.MiddlewareItemConfig) bool {
	return item != nil && item.Enabled
}

func weightOr(item *types.MiddlewareItemConfig, fallback int) int {
	if item != nil && item.Weight > 0 {
		return item.Weight
	}
	return fallback
}
