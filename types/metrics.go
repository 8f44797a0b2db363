package types

import (
	"time"

	"github.com/valyala/fasthttp"
)

type MetricsManager interface {
	LifecycleManager
	Counter(name string, labels map[string]string) Counter
	Gauge(name string, labels map[string]string) Gauge
	Histogram(name string, buckets []float64, labels map[string]string) Histogram
	GetMetrics() ([]byte, error)
	Handler() fasthttp.RequestHandler
}

type Counter interface {
	Inc()
	Add(value float64)
	Get() float64
}

type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(value float64)
	Sub(value float64)
	Get() float64
}

type Histogram interface {
	Observe(value float64)
	ObserveDuration(start time.Time)
	GetCount() uint64
	GetSum() float64
}

type MetricsManagerCreator func(config interface{}) (MetricsManager, error)

type MetricValue struct {
	Name      string            `json:"name"`
	Type      string            `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
}

// MetricSample is one timed cache lookup kept by the metrics recorder.
type MetricSample struct {
	Key         string    `json:"key"`
	DurationMs  float64   `json:"duration_ms"`
	Hit         bool      `json:"hit"`
	ResultCount int       `json:"result_count"`
	Timestamp   time.Time `json:"timestamp"`
}

type AggregateStats struct {
	TotalOps      int     `json:"total_ops"`
	HitRate       float64 `json:"hit_rate"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	SlowOpsCount  int     `json:"slow_ops_count"`
	TotalResults  int     `json:"total_results"`
}

type SampleRecorder interface {
	Record(sample MetricSample)
}
