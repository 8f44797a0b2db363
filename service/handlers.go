package service

import (
	"time"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-cache/cache"
	"github.com/saiset-co/sai-cache/querycache"
	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

const (
	DefaultMetricsPath = "/metrics"
	HealthPath         = "/health"
	VersionPath        = "/version"
	StatsPath          = "/stats"

	defaultStatsWindow = 5 * time.Minute
)

// StatsReport is served on the stats route.
type StatsReport struct {
	Window           string               `json:"window"`
	Operations       types.AggregateStats `json:"operations"`
	QueryCache       querycache.Stats     `json:"query_cache"`
	Store            *types.CacheStats    `json:"store,omitempty"`
	RateLimitBackend string               `json:"rate_limit_backend"`
	Jobs             []JobReport          `json:"jobs,omitempty"`
}

type JobReport struct {
	Name     string    `json:"name"`
	Spec     string    `json:"spec"`
	RunCount int64     `json:"run_count"`
	LastRun  time.Time `json:"last_run,omitempty"`
	LastErr  string    `json:"last_error,omitempty"`
}

func (s *Service) registerRoutes() {
	metricsPath := DefaultMetricsPath
	if s.config.Metrics != nil && s.config.Metrics.Path != "" {
		metricsPath = s.config.Metrics.Path
	}

	s.router.GET(metricsPath, s.metrics.Handler())
	s.router.GET(HealthPath, s.health.Handler())
	s.router.GET(VersionPath, s.health.VersionHandler(s.config.Version))
	s.router.GET(StatsPath, s.statsHandler)
}

// statsHandler reports lookup statistics over ?window= (a Go duration,
// five minutes by default).
func (s *Service) statsHandler(ctx *fasthttp.RequestCtx) {
	window := defaultStatsWindow
	if raw := ctx.QueryArgs().Peek("window"); len(raw) > 0 {
		parsed, err := time.ParseDuration(string(raw))
		if err != nil || parsed <= 0 {
			utils.WriteError(ctx, types.Errorf(types.ErrInvalidParameter, "window: %q", raw))
			return
		}
		window = parsed
	}

	report := StatsReport{
		Window:           window.String(),
		Operations:       s.recorder.Aggregate(window),
		QueryCache:       s.queryCache.Stats(),
		RateLimitBackend: s.limiter.Backend(),
	}

	if provider, ok := s.store.(cache.StatsProvider); ok {
		stats := provider.Stats()
		report.Store = &stats
	}

	if s.scheduler != nil {
		for _, job := range s.scheduler.Jobs() {
			entry := JobReport{
				Name:     job.Name,
				Spec:     job.Spec,
				RunCount: job.RunCount,
				LastRun:  job.LastRun,
			}
			if job.LastErr != nil {
				entry.LastErr = job.LastErr.Error()
			}
			report.Jobs = append(report.Jobs, entry)
		}
	}

	if err := utils.WriteJSON(ctx, fasthttp.StatusOK, report); err != nil {
		utils.WriteError(ctx, err)
	}
}
