package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
)

const (
	ReportJob     = "cache_report"
	TagSweepJob   = "tag_index_sweep"
	LimitSweepJob = "rate_limit_sweep"

	DefaultReportSpec   = "@every 1m"
	DefaultSweepSpec    = "@every 5m"
	DefaultReportWindow = 5 * time.Minute
)

type Aggregator interface {
	Aggregate(window time.Duration) types.AggregateStats
}

// Maintenance lists the periodic work of the caching layer. Nil members
// are skipped.
type Maintenance struct {
	Recorder     Aggregator
	ReportWindow time.Duration
	SweepTags    func() int
	SweepLimits  func() int
}

// RegisterMaintenance adds the report and sweep jobs on the configured specs.
func (s *Scheduler) RegisterMaintenance(config *types.SchedulerConfig, maintenance Maintenance) error {
	reportSpec, sweepSpec := DefaultReportSpec, DefaultSweepSpec
	if config != nil {
		if config.ReportSpec != "" {
			reportSpec = config.ReportSpec
		}
		if config.SweepSpec != "" {
			sweepSpec = config.SweepSpec
		}
	}

	if maintenance.Recorder != nil {
		window := maintenance.ReportWindow
		if window <= 0 {
			window = DefaultReportWindow
		}
		if err := s.Add(ReportJob, reportSpec, s.reportJob(maintenance.Recorder, window)); err != nil {
			return err
		}
	}

	if maintenance.SweepTags != nil {
		if err := s.Add(TagSweepJob, sweepSpec, s.sweepJob(TagSweepJob, maintenance.SweepTags)); err != nil {
			return err
		}
	}

	if maintenance.SweepLimits != nil {
		if err := s.Add(LimitSweepJob, sweepSpec, s.sweepJob(LimitSweepJob, maintenance.SweepLimits)); err != nil {
			return err
		}
	}

	return nil
}

func (s *Scheduler) reportJob(recorder Aggregator, window time.Duration) Job {
	return func(context.Context) error {
		stats := recorder.Aggregate(window)

		s.logger.Info("Cache performance report",
			zap.Duration("window", window),
			zap.Int("total_ops", stats.TotalOps),
			zap.Float64("hit_rate", stats.HitRate),
			zap.Float64("avg_duration_ms", stats.AvgDurationMs),
			zap.Int("slow_ops", stats.SlowOpsCount),
			zap.Int("total_results", stats.TotalResults))

		if s.metrics != nil {
			s.metrics.Gauge("query_cache_hit_rate", nil).Set(stats.HitRate)
			s.metrics.Gauge("query_cache_avg_duration_ms", nil).Set(stats.AvgDurationMs)
		}

		return nil
	}
}

func (s *Scheduler) sweepJob(name string, sweep func() int) Job {
	return func(context.Context) error {
		if removed := sweep(); removed > 0 {
			s.logger.Debug("Sweep finished",
				zap.String("job_name", name),
				zap.Int("removed", removed))
		}
		return nil
	}
}
