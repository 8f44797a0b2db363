package metrics

import (
	"sync"
	"time"

	"github.com/saiset-co/sai-cache/types"
)

const (
	DefaultRecorderCapacity = 1000
	DefaultSlowThreshold    = 500 * time.Millisecond
)

var lookupDurationBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

// Recorder keeps the most recent cache lookup samples in a fixed-size ring
// buffer. When the buffer is full the oldest sample is overwritten.
type Recorder struct {
	mu            sync.Mutex
	samples       []types.MetricSample
	next          int
	size          int
	slowThreshold time.Duration
	metrics       types.MetricsManager
	now           func() time.Time
}

// NewRecorder builds a recorder sized by config.Capacity. Samples are also
// forwarded to metrics as lookup counters and latency histograms when metrics
// is not nil.
func NewRecorder(config *types.MetricsConfig, metrics types.MetricsManager) *Recorder {
	capacity := DefaultRecorderCapacity
	slowThreshold := DefaultSlowThreshold

	if config != nil {
		if config.Capacity > 0 {
			capacity = config.Capacity
		}
		if config.SlowThreshold > 0 {
			slowThreshold = config.SlowThreshold
		}
	}

	return &Recorder{
		samples:       make([]types.MetricSample, capacity),
		slowThreshold: slowThreshold,
		metrics:       metrics,
		now:           time.Now,
	}
}

func (r *Recorder) Record(sample types.MetricSample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = r.now()
	}

	r.mu.Lock()
	r.samples[r.next] = sample
	r.next = (r.next + 1) % len(r.samples)
	if r.size < len(r.samples) {
		r.size++
	}
	r.mu.Unlock()

	r.forward(sample)
}

// Aggregate reduces the samples recorded within the trailing window. A window
// of zero or less covers every retained sample.
func (r *Recorder) Aggregate(window time.Duration) types.AggregateStats {
	var cutoff time.Time
	if window > 0 {
		cutoff = r.now().Add(-window)
	}

	slowMs := float64(r.slowThreshold) / float64(time.Millisecond)

	var stats types.AggregateStats
	var hits int
	var totalDuration float64

	r.mu.Lock()
	for i := 0; i < r.size; i++ {
		sample := r.samples[i]
		if window > 0 && sample.Timestamp.Before(cutoff) {
			continue
		}

		stats.TotalOps++
		totalDuration += sample.DurationMs
		stats.TotalResults += sample.ResultCount
		if sample.Hit {
			hits++
		}
		if sample.DurationMs > slowMs {
			stats.SlowOpsCount++
		}
	}
	r.mu.Unlock()

	if stats.TotalOps > 0 {
		stats.HitRate = float64(hits) / float64(stats.TotalOps)
		stats.AvgDurationMs = totalDuration / float64(stats.TotalOps)
	}

	return stats
}

// Samples returns the retained samples, oldest first.
func (r *Recorder) Samples() []types.MetricSample {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.MetricSample, 0, r.size)
	start := 0
	if r.size == len(r.samples) {
		start = r.next
	}
	for i := 0; i < r.size; i++ {
		out = append(out, r.samples[(start+i)%len(r.samples)])
	}

	return out
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *Recorder) Capacity() int {
	return len(r.samples)
}

func (r *Recorder) SlowThreshold() time.Duration {
	return r.slowThreshold
}

func (r *Recorder) forward(sample types.MetricSample) {
	if r.metrics == nil {
		return
	}

	result := "miss"
	if sample.Hit {
		result = "hit"
	}

	r.metrics.Counter("query_cache_lookups_total", map[string]string{"result": result}).Inc()
	r.metrics.Histogram("query_cache_lookup_duration_seconds", lookupDurationBuckets,
		map[string]string{"result": result},
	).Observe(sample.DurationMs / 1000)

	if sample.DurationMs > float64(r.slowThreshold)/float64(time.Millisecond) {
		r.metrics.Counter("query_cache_slow_lookups_total", nil).Inc()
	}
}
