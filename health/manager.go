package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

const DefaultCheckTimeout = 5 * time.Second

type Manager struct {
	ctx          context.Context
	cancel       context.CancelFunc
	logger       types.Logger
	checkers     map[string]types.HealthChecker
	results      map[string]types.HealthCheck
	startTime    time.Time
	mu           sync.RWMutex
	running      int32
	checkTimeout time.Duration
}

func NewManager(ctx context.Context, logger types.Logger) *Manager {
	managerCtx, cancel := context.WithCancel(ctx)

	return &Manager{
		ctx:          managerCtx,
		cancel:       cancel,
		logger:       logger,
		checkers:     make(map[string]types.HealthChecker),
		results:      make(map[string]types.HealthCheck),
		startTime:    time.Now(),
		checkTimeout: DefaultCheckTimeout,
	}
}

func (hm *Manager) RegisterChecker(name string, checker types.HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.checkers[name] = checker
}

// Check runs every registered checker concurrently. A checker that panics or
// outlives the check timeout is reported unhealthy.
func (hm *Manager) Check(ctx context.Context) types.HealthReport {
	hm.mu.RLock()
	checkers := make(map[string]types.HealthChecker, len(hm.checkers))
	for name, checker := range hm.checkers {
		checkers[name] = checker
	}
	hm.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, hm.checkTimeout)
	defer cancel()

	var g errgroup.Group
	results := make(map[string]types.HealthCheck, len(checkers))
	var resultMu sync.Mutex

	for name, checker := range checkers {
		g.Go(func() error {
			result := hm.executeCheck(checkCtx, name, checker)

			resultMu.Lock()
			results[name] = result
			resultMu.Unlock()
			return nil
		})
	}

	_ = g.Wait()

	hm.mu.Lock()
	hm.results = results
	hm.mu.Unlock()

	return hm.buildReport(results)
}

// LastResults returns the outcome of the most recent Check.
func (hm *Manager) LastResults() map[string]types.HealthCheck {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	out := make(map[string]types.HealthCheck, len(hm.results))
	for name, result := range hm.results {
		out[name] = result
	}
	return out
}

func (hm *Manager) Start() error {
	if !atomic.CompareAndSwapInt32(&hm.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	hm.startTime = time.Now()
	hm.logger.Info("Health manager started")
	return nil
}

func (hm *Manager) Stop() error {
	if !atomic.CompareAndSwapInt32(&hm.running, 1, 0) {
		return types.ErrServerNotRunning
	}

	hm.cancel()
	hm.logger.Info("Health manager stopped")
	return nil
}

func (hm *Manager) IsRunning() bool {
	return atomic.LoadInt32(&hm.running) == 1
}

// Handler serves the health report as JSON, with 503 when any check is
// unhealthy.
func (hm *Manager) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		report := hm.Check(ctx)

		status := fasthttp.StatusOK
		if report.Status == types.StatusUnhealthy {
			status = fasthttp.StatusServiceUnavailable
		}

		if err := utils.WriteJSON(ctx, status, report); err != nil {
			hm.logger.Error("Failed to encode health report", zap.Error(err))
			utils.WriteError(ctx, err)
		}
	}
}

// VersionHandler serves the service version with the binary's build info.
func (hm *Manager) VersionHandler(version string) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		info := types.VersionInfo{
			Version:   version,
			BuildInfo: getBuildInfo(),
		}

		if err := utils.WriteJSON(ctx, fasthttp.StatusOK, info); err != nil {
			utils.WriteError(ctx, err)
		}
	}
}

func (hm *Manager) executeCheck(ctx context.Context, name string, checker types.HealthChecker) types.HealthCheck {
	start := time.Now()
	resultChan := make(chan types.HealthCheck, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultChan <- types.HealthCheck{
					Name:    name,
					Status:  types.StatusUnhealthy,
					Message: fmt.Sprintf("Health check panicked: %v", r),
				}
			}
		}()

		resultChan <- checker(ctx)
	}()

	var result types.HealthCheck
	select {
	case result = <-resultChan:
	case <-hm.ctx.Done():
		result = types.HealthCheck{Status: types.StatusUnhealthy, Message: "Health manager shutting down"}
	case <-ctx.Done():
		result = types.HealthCheck{Status: types.StatusUnhealthy, Message: "Health check timeout"}
	}

	result.Name = name
	result.LastCheck = time.Now()
	result.Duration = time.Since(start)

	if result.Status == types.StatusUnhealthy {
		hm.logger.Warn("Health check failed",
			zap.String("check", name),
			zap.String("message", result.Message))
	}

	return result
}

func (hm *Manager) buildReport(results map[string]types.HealthCheck) types.HealthReport {
	summary := types.HealthSummary{
		Total: len(results),
	}

	overallStatus := types.StatusHealthy
	for _, result := range results {
		switch result.Status {
		case types.StatusHealthy:
			summary.Healthy++
		case types.StatusUnhealthy:
			summary.Unhealthy++
			overallStatus = types.StatusUnhealthy
		default:
			summary.Unknown++
			if overallStatus == types.StatusHealthy {
				overallStatus = types.StatusUnknown
			}
		}
	}

	return types.HealthReport{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Uptime:    time.Since(hm.startTime),
		Checks:    results,
		Summary:   summary,
	}
}
