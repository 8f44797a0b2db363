package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-cache/cache"
	"github.com/saiset-co/sai-cache/config"
	"github.com/saiset-co/sai-cache/diagnostics"
	"github.com/saiset-co/sai-cache/health"
	"github.com/saiset-co/sai-cache/logger"
	"github.com/saiset-co/sai-cache/metrics"
	"github.com/saiset-co/sai-cache/middleware"
	"github.com/saiset-co/sai-cache/querycache"
	"github.com/saiset-co/sai-cache/ratelimit"
	"github.com/saiset-co/sai-cache/scheduler"
	"github.com/saiset-co/sai-cache/server"
	"github.com/saiset-co/sai-cache/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Service owns every component of the caching layer. Components are built
// once in New and handed to each other explicitly.
type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	configManager   types.ConfigManager
	config          *types.ServiceConfig
	logger          types.Logger
	metrics         types.MetricsManager
	health          *health.Manager
	redis           *redis.Client
	store           types.CacheStore
	recorder        *metrics.Recorder
	sink            types.EventSink
	queryCache      *querycache.QueryCache
	limiter         *ratelimit.Limiter
	middlewares     *middleware.Manager
	boundary        *middleware.Boundary
	scheduler       *scheduler.Scheduler
	router          *server.Router
	httpServer      *server.HTTPServer
	done            chan struct{}
	wg              sync.WaitGroup
	state           int32
	shutdownTimeout time.Duration
	startTimeout    time.Duration
}

// NewService loads the configuration file at configPath and builds the
// service from it.
func NewService(ctx context.Context, configPath string) (*Service, error) {
	configManager, err := config.NewConfigurationManager(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to register config manager")
	}

	return New(ctx, configManager)
}

func New(ctx context.Context, configManager types.ConfigManager) (*Service, error) {
	if configManager == nil || configManager.GetConfig() == nil {
		return nil, types.ErrConfigNotFound
	}

	serviceCtx, cancel := context.WithCancel(ctx)

	s := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		configManager:   configManager,
		config:          configManager.GetConfig(),
		router:          server.NewRouter(),
		done:            make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
		startTimeout:    time.Minute,
	}

	if s.config.Server != nil && s.config.Server.ShutdownTimeout > 0 {
		s.shutdownTimeout = s.config.Server.ShutdownTimeout
	}

	if err := s.registerProviders(); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to register providers")
	}

	s.registerRoutes()

	return s, nil
}

func (s *Service) registerProviders() error {
	var err error
	cfg := s.config

	loggerConfig := cfg.Logger
	if loggerConfig == nil {
		loggerConfig = &types.LoggerConfig{Level: "info"}
	}
	s.logger, err = logger.New(loggerConfig)
	if err != nil {
		return types.WrapError(err, "failed to register logger")
	}

	s.metrics, err = metrics.NewManager(cfg.Metrics, s.logger)
	if err != nil {
		return types.WrapError(err, "failed to register metrics manager")
	}

	s.health = health.NewManager(s.ctx, s.logger)

	if usesRedis(cfg) {
		s.redis = cache.NewRedisClient(cfg.Redis)
	}

	s.store, err = cache.NewStore(s.ctx, cfg, s.redis, s.logger, s.metrics, s.health)
	if err != nil {
		return types.WrapError(err, "failed to register cache store")
	}

	s.recorder = metrics.NewRecorder(cfg.Metrics, s.metrics)
	s.sink = diagnostics.Multi(diagnostics.NewLogSink(s.logger), diagnostics.NewCounterSink(s.metrics))
	s.queryCache = querycache.New(s.store, s.recorder, s.sink, cfg.Cache)

	s.limiter, err = ratelimit.NewFromConfig(s.ctx, cfg, s.redis, s.logger, s.sink, s.health)
	if err != nil {
		return types.WrapError(err, "failed to register rate limiter")
	}

	s.middlewares = middleware.NewManager(s.logger, s.metrics)
	err = s.middlewares.RegisterMiddlewares(cfg.Middlewares, middleware.Components{
		Limiter:   s.limiter,
		RateLimit: cfg.RateLimit,
		Store:     s.store,
		Tags:      s.queryCache,
		Recorder:  s.recorder,
		Sink:      s.sink,
	})
	if err != nil {
		return types.WrapError(err, "failed to register middlewares")
	}

	s.boundary = middleware.NewBoundary(s.middlewares, s.logger)

	if cfg.Scheduler != nil && cfg.Scheduler.Enabled {
		s.scheduler = scheduler.New(s.ctx, cfg.Scheduler, s.logger, s.metrics)
		err = s.scheduler.RegisterMaintenance(cfg.Scheduler, scheduler.Maintenance{
			Recorder:    s.recorder,
			SweepTags:   s.queryCache.SweepTags,
			SweepLimits: s.limiter.Sweep,
		})
		if err != nil {
			return types.WrapError(err, "failed to register scheduler")
		}
	}

	s.httpServer = server.NewHTTPServer(s.ctx, cfg.Server, s.logger, s.metrics, s.router.Handler())

	return nil
}

func usesRedis(cfg *types.ServiceConfig) bool {
	if cfg.Cache != nil && cfg.Cache.Type == "redis" {
		return true
	}
	return cfg.RateLimit != nil && cfg.RateLimit.Backend == "redis"
}

// Start brings every component up and blocks until Stop is called, the
// parent context ends or a termination signal arrives.
func (s *Service) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		s.logger.Warn("Service is already running")
		return types.ErrServerAlreadyRunning
	}

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				runErr = fmt.Errorf("service panic: %v", r)
				s.logger.Error("Service run panic", zap.String("stack", string(buf[:n])))
				s.setState(StateStopped)
			}
		}()

		runErr = s.run()
	}()

	return runErr
}

func (s *Service) run() error {
	s.logger.Info("Starting service",
		zap.String("name", s.config.Name),
		zap.String("version", s.config.Version))

	ctx, cancel := context.WithTimeout(s.ctx, s.startTimeout)
	defer cancel()

	if err := s.startComponents(ctx); err != nil {
		err = types.WrapError(err, "failed to start components")
		s.logger.ErrorWithErrStack("Service start failed", err)
		_ = s.stopComponents()
		s.setState(StateStopped)
		return err
	}

	s.setState(StateRunning)
	s.setupSignalHandling()

	s.wg.Add(1)
	go s.contextMonitor()

	s.logger.Info("Service started successfully", zap.String("address", s.httpServer.Addr()))

	<-s.done

	if err := s.stopComponents(); err != nil {
		s.logger.ErrorWithErrStack("Error during service shutdown", err)
	}

	s.wg.Wait()
	s.setState(StateStopped)

	s.logger.Info("Service stopped gracefully")
	return nil
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		s.logger.Warn("Service is not running")
		return types.ErrServerNotRunning
	}

	s.logger.Info("Stopping service...")
	s.cancel()
	return nil
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *Service) Config() *types.ServiceConfig {
	return s.config
}

func (s *Service) ConfigManager() types.ConfigManager {
	return s.configManager
}

func (s *Service) Logger() types.Logger {
	return s.logger
}

func (s *Service) Metrics() types.MetricsManager {
	return s.metrics
}

func (s *Service) Health() *health.Manager {
	return s.health
}

func (s *Service) Store() types.CacheStore {
	return s.store
}

func (s *Service) Recorder() *metrics.Recorder {
	return s.recorder
}

func (s *Service) QueryCache() *querycache.QueryCache {
	return s.queryCache
}

func (s *Service) Limiter() *ratelimit.Limiter {
	return s.limiter
}

func (s *Service) Boundary() *middleware.Boundary {
	return s.boundary
}

// Scheduler is nil when the scheduler is disabled.
func (s *Service) Scheduler() *scheduler.Scheduler {
	return s.scheduler
}

// Router accepts application routes. Routes added after Start are served
// immediately.
func (s *Service) Router() *server.Router {
	return s.router
}

// Addr is the address the HTTP server is bound to once the service runs.
func (s *Service) Addr() string {
	return s.httpServer.Addr()
}

func (s *Service) getState() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *Service) setState(newState State) {
	atomic.StoreInt32(&s.state, int32(newState))
}

func (s *Service) transitionState(from, to State) bool {
	return atomic.CompareAndSwapInt32(&s.state, int32(from), int32(to))
}

// startComponents starts the backing components first and the HTTP server
// last, so no request is served before the stores are ready.
func (s *Service) startComponents(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	for name, component := range map[string]types.LifecycleManager{
		"metrics manager": s.metrics,
		"health manager":  s.health,
		"cache store":     s.store,
		"rate limiter":    s.limiter,
	} {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := component.Start(); err != nil {
					return types.WrapError(err, "failed to start "+name)
				}
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			return types.NewErrorf("component startup timeout: %v", ctx.Err())
		default:
			return err
		}
	}

	if s.scheduler != nil {
		if err := s.scheduler.Start(); err != nil {
			return types.WrapError(err, "failed to start scheduler")
		}
	}

	if err := s.httpServer.Start(); err != nil {
		return types.WrapError(err, "failed to start HTTP server")
	}

	return nil
}

// stopComponents stops in reverse order. Components that never started are
// skipped.
func (s *Service) stopComponents() error {
	var errors []error
	var mu sync.Mutex

	stop := func(name string, component types.LifecycleManager) {
		if component == nil || !component.IsRunning() {
			return
		}
		if err := component.Stop(); err != nil {
			s.logger.Error("Failed to stop "+name, zap.Error(err))
			mu.Lock()
			errors = append(errors, err)
			mu.Unlock()
		}
	}

	stop("HTTP server", s.httpServer)
	if s.scheduler != nil {
		stop("scheduler", s.scheduler)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	for name, component := range map[string]types.LifecycleManager{
		"cache store":    s.store,
		"rate limiter":   s.limiter,
		"health manager": s.health,
	} {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				stop(name, component)
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		s.logger.Warn("Component shutdown timeout, some components may not have stopped gracefully")
	}

	stop("metrics manager", s.metrics)

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("Failed to close redis client", zap.Error(err))
			errors = append(errors, err)
		}
	}

	if len(errors) > 0 {
		return types.NewErrorf("errors during shutdown: %v", errors)
	}

	s.logger.Info("All components stopped successfully")
	return nil
}

func (s *Service) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case sig := <-sigChan:
			s.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			if s.transitionState(StateRunning, StateStopping) {
				s.cancel()
			}
		case <-s.ctx.Done():
			s.logger.Info("Service context cancelled")
		}

		signal.Stop(sigChan)
	}()
}

func (s *Service) contextMonitor() {
	defer s.wg.Done()
	defer close(s.done)

	<-s.ctx.Done()

	switch err := s.ctx.Err(); {
	case types.IsError(err, context.Canceled):
		s.logger.Info("Service shutdown: context cancelled")
	case types.IsError(err, context.DeadlineExceeded):
		s.logger.Warn("Service shutdown: context deadline exceeded")
	default:
		s.logger.Info("Service shutdown: context done")
	}
}
