package diagnostics

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/saiset-co/sai-cache/logger"
	"github.com/saiset-co/sai-cache/metrics"
	"github.com/saiset-co/sai-cache/types"
)

func TestLogSink_WarnsWithFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(logger.NewZapWrapper(zap.New(core)))

	sink.Emit(types.Event{
		Kind:      types.EventBackendUnavailable,
		Component: "query_cache",
		Operation: "get",
		Key:       "voiceovers:{}",
		Err:       errors.New("dial tcp: connection refused"),
		Duration:  time.Millisecond,
	})

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)

	fields := entry.ContextMap()
	assert.Equal(t, "backend_unavailable", fields["kind"])
	assert.Equal(t, "voiceovers:{}", fields["key"])
	assert.Equal(t, "dial tcp: connection refused", fields["error"])
}

func TestCounterSink(t *testing.T) {
	m := metrics.NewMemoryMetrics(logger.NewNop())
	sink := NewCounterSink(m)

	event := types.Event{Kind: types.EventWriteFailed, Component: "query_cache", Operation: "set"}
	sink.Emit(event)
	sink.Emit(event)

	got := m.Counter("cache_events_total", map[string]string{
		"kind":      "write_failed",
		"component": "query_cache",
		"operation": "set",
	}).Get()
	assert.Equal(t, 2.0, got)
}

func TestMulti(t *testing.T) {
	var a, b int
	sink := Multi(
		types.EventSinkFunc(func(types.Event) { a++ }),
		nil,
		types.EventSinkFunc(func(types.Event) { b++ }),
	)

	sink.Emit(types.Event{})
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)

	assert.NotPanics(t, func() { Nop().Emit(types.Event{}) })
}
