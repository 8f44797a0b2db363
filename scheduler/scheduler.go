package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
)

const DefaultJobTimeout = time.Minute

type Job func(ctx context.Context) error

type JobEntry struct {
	ID       cron.EntryID
	Name     string
	Spec     string
	AddedAt  time.Time
	LastRun  time.Time
	NextRun  time.Time
	RunCount int64
	LastErr  error
	job      Job
}

// Scheduler runs named maintenance jobs on cron specs. Standard five-field
// expressions and descriptors such as "@every 5m" are accepted.
type Scheduler struct {
	ctx        context.Context
	cancel     context.CancelFunc
	logger     types.Logger
	metrics    types.MetricsManager
	cron       *cron.Cron
	jobs       map[string]*JobEntry
	mu         sync.RWMutex
	running    int32
	jobTimeout time.Duration
}

func New(ctx context.Context, config *types.SchedulerConfig, logger types.Logger, metrics types.MetricsManager) *Scheduler {
	timezone := time.UTC
	if config != nil && config.Timezone != "" {
		if location, err := time.LoadLocation(config.Timezone); err == nil {
			timezone = location
		} else {
			logger.Warn("Unknown scheduler timezone, using UTC",
				zap.String("timezone", config.Timezone),
				zap.Error(err))
		}
	}

	schedulerCtx, cancel := context.WithCancel(ctx)
	cronLogger := cronLogger{logger: logger}

	return &Scheduler{
		ctx:     schedulerCtx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		cron: cron.New(
			cron.WithLocation(timezone),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		jobs:       make(map[string]*JobEntry),
		jobTimeout: DefaultJobTimeout,
	}
}

func (s *Scheduler) Add(jobName, spec string, job Job) error {
	if jobName == "" {
		return types.ErrCronJobNameIsEmpty
	}

	if job == nil {
		return types.ErrCronJobIsNil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[jobName]; exists {
		return types.Errorf(types.ErrCronJobExists, "job: %s", jobName)
	}

	entryID, err := s.cron.AddFunc(spec, func() {
		_ = s.run(jobName)
	})
	if err != nil {
		return types.Errorf(types.ErrCronExpressionInvalid, "%s: %v", spec, err)
	}

	entry := &JobEntry{
		ID:      entryID,
		Name:    jobName,
		Spec:    spec,
		AddedAt: time.Now(),
		job:     job,
	}
	if cronEntry := s.cron.Entry(entryID); cronEntry.ID != 0 {
		entry.NextRun = cronEntry.Next
	}

	s.jobs[jobName] = entry

	s.logger.Info("Scheduled job added",
		zap.String("job_name", jobName),
		zap.String("spec", spec))

	return nil
}

// RunNow executes a registered job immediately and returns its error.
func (s *Scheduler) RunNow(jobName string) error {
	s.mu.RLock()
	_, exists := s.jobs[jobName]
	s.mu.RUnlock()

	if !exists {
		return types.Errorf(types.ErrCronJobNotFound, "job: %s", jobName)
	}

	return s.run(jobName)
}

// Jobs returns a snapshot of the registered jobs ordered by name.
func (s *Scheduler) Jobs() []JobEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobEntry, 0, len(s.jobs))
	for _, entry := range s.jobs {
		out = append(out, *entry)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})

	return out
}

func (s *Scheduler) Start() error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return types.ErrCronIsRunning
	}

	s.cron.Start()
	s.setGauge("scheduler_running", 1)

	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.Jobs())))
	return nil
}

func (s *Scheduler) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return types.ErrServerNotRunning
	}

	s.cancel()
	stopCtx := s.cron.Stop()

	select {
	case <-stopCtx.Done():
		s.logger.Info("Scheduler stopped gracefully")
	case <-time.After(10 * time.Second):
		s.logger.Warn("Scheduler stop timeout, running jobs were abandoned")
	}

	s.setGauge("scheduler_running", 0)
	return nil
}

func (s *Scheduler) IsRunning() bool {
	return atomic.LoadInt32(&s.running) == 1
}

func (s *Scheduler) run(jobName string) (err error) {
	s.mu.RLock()
	entry, exists := s.jobs[jobName]
	s.mu.RUnlock()

	if !exists {
		return types.Errorf(types.ErrCronJobNotFound, "job: %s", jobName)
	}

	start := time.Now()
	jobCtx, cancel := context.WithTimeout(s.ctx, s.jobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = types.Errorf(types.ErrCronJobFailed, "job panic: %v", r)
		}
		s.finish(entry, start, err)
	}()

	return entry.job(jobCtx)
}

func (s *Scheduler) finish(entry *JobEntry, start time.Time, err error) {
	duration := time.Since(start)

	s.mu.Lock()
	entry.LastRun = start
	entry.RunCount++
	entry.LastErr = err
	if cronEntry := s.cron.Entry(entry.ID); cronEntry.ID != 0 {
		entry.NextRun = cronEntry.Next
	}
	s.mu.Unlock()

	result := "success"
	if err != nil {
		result = "error"
		s.logger.Error("Scheduled job failed",
			zap.String("job_name", entry.Name),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		s.logger.Debug("Scheduled job completed",
			zap.String("job_name", entry.Name),
			zap.Duration("duration", duration))
	}

	if s.metrics == nil {
		return
	}

	s.metrics.Counter("scheduler_job_executions_total", map[string]string{
		"job_name": entry.Name,
		"result":   result,
	}).Inc()
	s.metrics.Histogram("scheduler_job_duration_seconds",
		[]float64{0.001, 0.01, 0.1, 1, 10, 60},
		map[string]string{"job_name": entry.Name},
	).Observe(duration.Seconds())
}

func (s *Scheduler) setGauge(name string, value float64) {
	if s.metrics == nil {
		return
	}
	s.metrics.Gauge(name, nil).Set(value)
}

// cronLogger adapts types.Logger to cron.Logger.
type cronLogger struct {
	logger types.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keyValueFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append(keyValueFields(keysAndValues), zap.Error(err))
	l.logger.Error(msg, fields...)
}

func keyValueFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return fields
}
