package metrics

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

const defaultNamespace = "sai_cache"

var metricHelp = map[string]string{
	"cache_operations_total":              "Cache store operations by operation and result.",
	"cache_operation_duration_seconds":    "Cache store operation latency.",
	"cache_events_total":                  "Diagnostic events raised by the caching layer.",
	"query_cache_lookups_total":           "Query cache lookups by result.",
	"query_cache_slow_lookups_total":      "Query cache lookups slower than the slow threshold.",
	"query_cache_lookup_duration_seconds": "Query cache lookup latency.",
	"query_cache_hit_rate":                "Hit rate over the last report window.",
	"query_cache_avg_duration_ms":         "Average lookup duration over the last report window.",
	"http_compressed_responses_total":     "Responses compressed by algorithm.",
	"http_compression_saved_bytes_total":  "Bytes saved by response compression.",
	"http_panics_total":                   "Handler panics recovered by the middleware chain.",
	"http_server_running":                 "1 while the HTTP server accepts connections.",
	"scheduler_running":                   "1 while the maintenance scheduler runs.",
	"scheduler_job_executions_total":      "Maintenance job runs by job and result.",
	"scheduler_job_duration_seconds":      "Maintenance job latency.",
}

// vec is one registered metric family together with the label names it was
// created with. Prometheus rejects a different label set for the same name.
type vec struct {
	labelNames []string
	counter    *prometheus.CounterVec
	gauge      *prometheus.GaugeVec
	histogram  *prometheus.HistogramVec
}

// PrometheusMetrics exposes the cache metrics on a private registry in the
// text exposition format.
type PrometheusMetrics struct {
	logger      types.Logger
	namespace   string
	constLabels prometheus.Labels
	registry    *prometheus.Registry
	vecs        map[string]*vec
	mu          sync.Mutex
	running     int32
}

func NewPrometheusMetrics(logger types.Logger, config *types.MetricsConfig) *PrometheusMetrics {
	p := &PrometheusMetrics{
		logger:    logger,
		namespace: defaultNamespace,
		registry:  prometheus.NewRegistry(),
		vecs:      make(map[string]*vec),
	}

	goMetrics := false
	if config != nil {
		if config.Namespace != "" {
			p.namespace = config.Namespace
		}
		p.constLabels = config.Labels
		goMetrics = config.GoMetrics
	}

	if goMetrics {
		p.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	logger.Info("Prometheus metrics initialized",
		zap.String("namespace", p.namespace),
		zap.Bool("go_metrics", goMetrics))

	return p
}

func (p *PrometheusMetrics) Start() error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	p.logger.Info("Prometheus metrics started")
	return nil
}

func (p *PrometheusMetrics) Stop() error {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return types.ErrServerNotRunning
	}

	p.logger.Info("Prometheus metrics stopped")
	return nil
}

func (p *PrometheusMetrics) IsRunning() bool {
	return atomic.LoadInt32(&p.running) == 1
}

func (p *PrometheusMetrics) Counter(name string, labels map[string]string) types.Counter {
	v, ok := p.family(name, labels, func(opts prometheus.Opts, names []string) *vec {
		return &vec{counter: prometheus.NewCounterVec(prometheus.CounterOpts(opts), names)}
	})
	if !ok || v.counter == nil {
		return &MemoryCounter{name: name}
	}

	return &promCounter{logger: p.logger, counter: v.counter.With(labels)}
}

func (p *PrometheusMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	v, ok := p.family(name, labels, func(opts prometheus.Opts, names []string) *vec {
		return &vec{gauge: prometheus.NewGaugeVec(prometheus.GaugeOpts(opts), names)}
	})
	if !ok || v.gauge == nil {
		return &MemoryGauge{name: name}
	}

	return &promGauge{logger: p.logger, gauge: v.gauge.With(labels)}
}

func (p *PrometheusMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	v, ok := p.family(name, labels, func(opts prometheus.Opts, names []string) *vec {
		return &vec{histogram: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        opts.Name,
			Help:        opts.Help,
			ConstLabels: opts.ConstLabels,
			Buckets:     buckets,
		}, names)}
	})
	if !ok || v.histogram == nil {
		return &MemoryHistogram{
			name:    name,
			buckets: buckets,
			counts:  make([]uint64, len(buckets)+1),
		}
	}

	return &promHistogram{observer: v.histogram.With(labels)}
}

// family returns the metric family for name, creating and registering it on
// first use. A call whose label names or kind disagree with the registered
// family gets ok == false and a detached in-memory metric instead of a panic.
func (p *PrometheusMetrics) family(name string, labels map[string]string, create func(prometheus.Opts, []string) *vec) (*vec, bool) {
	names := labelNames(labels)

	p.mu.Lock()
	defer p.mu.Unlock()

	if v, exists := p.vecs[name]; exists {
		if strings.Join(v.labelNames, ",") != strings.Join(names, ",") {
			p.logger.Warn("Metric label set mismatch, sample dropped",
				zap.String("name", name),
				zap.Strings("registered", v.labelNames),
				zap.Strings("given", names))
			return nil, false
		}
		return v, true
	}

	help := metricHelp[name]
	if help == "" {
		help = strings.ReplaceAll(name, "_", " ")
	}

	v := create(prometheus.Opts{
		Namespace:   p.namespace,
		Name:        name,
		Help:        help,
		ConstLabels: p.constLabels,
	}, names)
	v.labelNames = names

	var collector prometheus.Collector
	switch {
	case v.counter != nil:
		collector = v.counter
	case v.gauge != nil:
		collector = v.gauge
	default:
		collector = v.histogram
	}

	if err := p.registry.Register(collector); err != nil {
		p.logger.Error("Failed to register metric", zap.String("name", name), zap.Error(err))
		return nil, false
	}

	p.vecs[name] = v
	return v, true
}

// GetMetrics flattens the registry into MetricValue records encoded as JSON.
// Histograms and summaries report their sample sum.
func (p *PrometheusMetrics) GetMetrics() ([]byte, error) {
	families, err := p.registry.Gather()
	if err != nil {
		p.logger.Error("Failed to gather prometheus metrics", zap.Error(err))
		return nil, err
	}

	now := time.Now()
	values := make([]types.MetricValue, 0, len(families))
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			values = append(values, types.MetricValue{
				Name:      family.GetName(),
				Type:      strings.ToLower(family.GetType().String()),
				Value:     sampleValue(metric),
				Labels:    pairsToMap(metric.GetLabel()),
				Timestamp: now,
			})
		}
	}

	return utils.Marshal(values)
}

func (p *PrometheusMetrics) Handler() fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}

func sampleValue(metric *dto.Metric) float64 {
	switch {
	case metric.Counter != nil:
		return metric.GetCounter().GetValue()
	case metric.Gauge != nil:
		return metric.GetGauge().GetValue()
	case metric.Histogram != nil:
		return metric.GetHistogram().GetSampleSum()
	case metric.Summary != nil:
		return metric.GetSummary().GetSampleSum()
	}
	return 0
}

func pairsToMap(pairs []*dto.LabelPair) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		out[pair.GetName()] = pair.GetValue()
	}
	return out
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type promCounter struct {
	logger  types.Logger
	counter prometheus.Counter
}

func (c *promCounter) Inc()              { c.counter.Inc() }
func (c *promCounter) Add(value float64) { c.counter.Add(value) }

func (c *promCounter) Get() float64 {
	metric := &dto.Metric{}
	if err := c.counter.Write(metric); err != nil {
		c.logger.Error("Failed to read counter", zap.Error(err))
	}
	return metric.GetCounter().GetValue()
}

type promGauge struct {
	logger types.Logger
	gauge  prometheus.Gauge
}

func (g *promGauge) Set(value float64) { g.gauge.Set(value) }
func (g *promGauge) Inc()              { g.gauge.Inc() }
func (g *promGauge) Dec()              { g.gauge.Dec() }
func (g *promGauge) Add(value float64) { g.gauge.Add(value) }
func (g *promGauge) Sub(value float64) { g.gauge.Sub(value) }

func (g *promGauge) Get() float64 {
	metric := &dto.Metric{}
	if err := g.gauge.Write(metric); err != nil {
		g.logger.Error("Failed to read gauge", zap.Error(err))
	}
	return metric.GetGauge().GetValue()
}

type promHistogram struct {
	observer prometheus.Observer
}

func (h *promHistogram) Observe(value float64) { h.observer.Observe(value) }

func (h *promHistogram) ObserveDuration(start time.Time) {
	h.observer.Observe(time.Since(start).Seconds())
}

func (h *promHistogram) GetCount() uint64 { return h.read().GetSampleCount() }
func (h *promHistogram) GetSum() float64  { return h.read().GetSampleSum() }

func (h *promHistogram) read() *dto.Histogram {
	metric, ok := h.observer.(prometheus.Metric)
	if !ok {
		return nil
	}

	out := &dto.Metric{}
	if err := metric.Write(out); err != nil {
		return nil
	}
	return out.GetHistogram()
}
