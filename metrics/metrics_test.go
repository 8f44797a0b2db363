package metrics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-cache/logger"
	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

func TestNewManager(t *testing.T) {
	manager, err := NewManager(nil, logger.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &MemoryMetrics{}, manager)

	manager, err = NewManager(&types.MetricsConfig{Type: "prometheus"}, logger.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &PrometheusMetrics{}, manager)

	_, err = NewManager(&types.MetricsConfig{Type: "statsd"}, logger.NewNop())
	assert.ErrorIs(t, err, types.ErrMetricsTypeUnknown)
}

func TestMemoryMetrics_CounterGaugeHistogram(t *testing.T) {
	m := NewMemoryMetrics(logger.NewNop())

	labels := map[string]string{"operation": "get", "result": "hit"}
	m.Counter("cache_operations_total", labels).Inc()
	m.Counter("cache_operations_total", map[string]string{"result": "hit", "operation": "get"}).Add(2)
	assert.Equal(t, 3.0, m.Counter("cache_operations_total", labels).Get())

	gauge := m.Gauge("tags_tracked", nil)
	gauge.Set(10)
	gauge.Inc()
	gauge.Sub(2.5)
	assert.Equal(t, 8.5, gauge.Get())

	histogram := m.Histogram("latency_seconds", []float64{0.1, 1}, nil)
	histogram.Observe(0.05)
	histogram.Observe(2)
	assert.Equal(t, uint64(2), histogram.GetCount())
	assert.InDelta(t, 2.05, histogram.GetSum(), 1e-9)
}

func TestMemoryMetrics_Handler(t *testing.T) {
	m := NewMemoryMetrics(logger.NewNop())
	m.Counter("events_total", map[string]string{"kind": "write_failed"}).Inc()

	ctx := &fasthttp.RequestCtx{}
	m.Handler()(ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var values []types.MetricValue
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &values))
	require.Len(t, values, 1)
	assert.Equal(t, "events_total", values[0].Name)
	assert.Equal(t, 1.0, values[0].Value)
}

func TestPrometheusMetrics_Exposition(t *testing.T) {
	p := NewPrometheusMetrics(logger.NewNop(), &types.MetricsConfig{Namespace: "test"})

	p.Counter("cache_operations_total", map[string]string{"operation": "get", "result": "miss"}).Inc()
	p.Histogram("cache_operation_duration_seconds", []float64{0.1, 1}, map[string]string{"operation": "get"}).Observe(0.2)

	assert.Equal(t, 1.0, p.Counter("cache_operations_total", map[string]string{"operation": "get", "result": "miss"}).Get())

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/metrics")
	p.Handler()(ctx)

	body := string(ctx.Response.Body())
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.True(t, strings.Contains(body, `test_cache_operations_total{operation="get",result="miss"} 1`), body)
	assert.True(t, strings.Contains(body, "test_cache_operation_duration_seconds_count"), body)

	data, err := p.GetMetrics()
	require.NoError(t, err)
	assert.Contains(t, string(data), "test_cache_operations_total")
}

func TestPrometheusMetrics_Lifecycle(t *testing.T) {
	p := NewPrometheusMetrics(logger.NewNop(), nil)

	require.NoError(t, p.Start())
	assert.True(t, p.IsRunning())
	assert.ErrorIs(t, p.Start(), types.ErrServerAlreadyRunning)
	require.NoError(t, p.Stop())
	assert.False(t, p.IsRunning())
}

func TestPrometheusMetrics_LabelMismatchDoesNotPanic(t *testing.T) {
	p := NewPrometheusMetrics(logger.NewNop(), nil)

	p.Counter("cache_events_total", map[string]string{"kind": "write_failed"}).Inc()

	assert.NotPanics(t, func() {
		p.Counter("cache_events_total", map[string]string{"kind": "read_failed", "extra": "x"}).Inc()
		p.Gauge("cache_events_total", map[string]string{"kind": "write_failed"}).Set(3)
	})

	assert.Equal(t, 1.0, p.Counter("cache_events_total", map[string]string{"kind": "write_failed"}).Get())
}
