package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
)

const component = "rate_limiter"

type BackendCreator func(config *types.RateLimitConfig) (types.RateLimitBackend, error)

var (
	customBackendCreators   = make(map[string]BackendCreator)
	customBackendCreatorsMu sync.RWMutex
)

func RegisterBackend(backendName string, creator BackendCreator) {
	customBackendCreatorsMu.Lock()
	defer customBackendCreatorsMu.Unlock()
	customBackendCreators[backendName] = creator
}

// Limiter decides whether a request may proceed. It asks the primary backend
// first; when that call fails or times out, the decision is taken by the
// in-process fallback and marked Degraded. Fallback counts are local to this
// instance, so a cluster briefly admits up to limit requests per instance
// while the shared backend is down.
type Limiter struct {
	ctx           context.Context
	cancel        context.CancelFunc
	logger        types.Logger
	primary       types.RateLimitBackend
	fallback      *MemoryBackend
	sink          types.EventSink
	timeout       time.Duration
	sweepInterval time.Duration
	running       int32
	workerDone    chan struct{}
}

// NewLimiter builds a limiter over primary. A nil primary makes the in-process
// backend authoritative.
func NewLimiter(ctx context.Context, logger types.Logger, primary types.RateLimitBackend, sink types.EventSink, config *types.RateLimitConfig) *Limiter {
	limiterCtx, cancel := context.WithCancel(ctx)

	limiter := &Limiter{
		ctx:           limiterCtx,
		cancel:        cancel,
		logger:        logger,
		primary:       primary,
		fallback:      NewMemoryBackend(),
		sink:          sink,
		timeout:       DefaultOperationTimeout,
		sweepInterval: 5 * time.Minute,
	}

	if config != nil && config.SweepInterval > 0 {
		limiter.sweepInterval = config.SweepInterval
	}

	return limiter
}

// NewFromConfig selects the primary backend by config.RateLimit.Backend.
// client is required only for the redis backend.
func NewFromConfig(ctx context.Context, config *types.ServiceConfig, client *redis.Client, logger types.Logger, sink types.EventSink, health types.HealthManager) (*Limiter, error) {
	rateLimitConfig := config.RateLimit
	if rateLimitConfig == nil {
		rateLimitConfig = &types.RateLimitConfig{Backend: "memory"}
	}

	var primary types.RateLimitBackend

	switch rateLimitConfig.Backend {
	case "", "memory":
	case "redis":
		if client == nil {
			return nil, types.Errorf(types.ErrInvalidParameter, "redis rate limit backend needs a redis client")
		}
		backend := NewRedisBackend(client, config.Redis)
		if health != nil {
			health.RegisterChecker("rate_limit_redis", backend.HealthCheck)
		}
		primary = backend
	default:
		customBackendCreatorsMu.RLock()
		creator, exists := customBackendCreators[rateLimitConfig.Backend]
		customBackendCreatorsMu.RUnlock()

		if !exists {
			return nil, types.Errorf(types.ErrRateLimitTypeUnknown, "backend: %s", rateLimitConfig.Backend)
		}

		backend, err := creator(rateLimitConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to create rate limit backend")
		}
		primary = backend
	}

	limiter := NewLimiter(ctx, logger, primary, sink, rateLimitConfig)
	if config.Redis != nil && config.Redis.OperationTimeout > 0 {
		limiter.timeout = config.Redis.OperationTimeout
	}

	return limiter, nil
}

// CheckLimit counts one request for identifier in a fixed window of the given
// length. It only fails on invalid arguments; backend trouble degrades to the
// in-process fallback.
func (l *Limiter) CheckLimit(ctx context.Context, identifier string, limit int, window time.Duration) (types.RateLimitResult, error) {
	if identifier == "" {
		return types.RateLimitResult{}, types.Errorf(types.ErrInvalidParameter, "rate limit identifier is empty")
	}
	if limit < 1 || window <= 0 {
		return types.RateLimitResult{}, types.Errorf(types.ErrInvalidParameter, "rate limit %d per %s", limit, window)
	}

	if l.primary == nil {
		return l.fallback.Take(ctx, identifier, limit, window)
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	result, err := l.primary.Take(callCtx, identifier, limit, window)
	cancel()

	if err == nil {
		return result, nil
	}

	if l.sink != nil {
		l.sink.Emit(types.Event{
			Kind:      types.EventRateLimitFallback,
			Component: component,
			Operation: l.primary.Name(),
			Key:       identifier,
			Err:       err,
			Duration:  time.Since(start),
			Timestamp: time.Now(),
		})
	}

	result, fallbackErr := l.fallback.Take(ctx, identifier, limit, window)
	if fallbackErr != nil {
		return types.RateLimitResult{}, fallbackErr
	}

	result.Degraded = true
	return result, nil
}

func (l *Limiter) Backend() string {
	if l.primary == nil {
		return l.fallback.Name()
	}
	return l.primary.Name()
}

// Sweep drops expired in-process windows.
func (l *Limiter) Sweep() int {
	return l.fallback.Sweep()
}

func (l *Limiter) Start() error {
	if !atomic.CompareAndSwapInt32(&l.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	l.workerDone = make(chan struct{})
	go l.cleanupWorker(l.workerDone)

	l.logger.Info("Rate limiter started",
		zap.String("backend", l.Backend()),
		zap.Duration("sweep_interval", l.sweepInterval))
	return nil
}

func (l *Limiter) Stop() error {
	if !atomic.CompareAndSwapInt32(&l.running, 1, 0) {
		return types.ErrServerNotRunning
	}

	l.cancel()

	select {
	case <-l.workerDone:
		l.logger.Info("Rate limiter stopped gracefully")
	case <-time.After(5 * time.Second):
		l.logger.Warn("Rate limiter stop timeout")
	}

	return nil
}

func (l *Limiter) IsRunning() bool {
	return atomic.LoadInt32(&l.running) == 1
}

func (l *Limiter) cleanupWorker(done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := l.Sweep(); removed > 0 {
				l.logger.Debug("Rate limit windows swept", zap.Int("removed", removed))
			}
		case <-l.ctx.Done():
			return
		}
	}
}
