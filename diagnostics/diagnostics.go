package diagnostics

import (
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
)

type logSink struct {
	logger types.Logger
}

// NewLogSink writes absorbed cache-layer failures to logger. Events never log
// above Warn: the request that triggered them still succeeded.
func NewLogSink(logger types.Logger) types.EventSink {
	return &logSink{logger: logger}
}

func (s *logSink) Emit(event types.Event) {
	fields := []zap.Field{
		zap.String("kind", string(event.Kind)),
		zap.String("component", event.Component),
		zap.String("operation", event.Operation),
	}
	if event.Key != "" {
		fields = append(fields, zap.String("key", event.Key))
	}
	if event.Duration > 0 {
		fields = append(fields, zap.Duration("duration", event.Duration))
	}
	if event.Err != nil {
		fields = append(fields, zap.Error(event.Err))
	}

	s.logger.Warn("Cache layer degraded", fields...)
}

type counterSink struct {
	metrics types.MetricsManager
}

// NewCounterSink counts events as cache_events_total{kind,component,operation}.
func NewCounterSink(metrics types.MetricsManager) types.EventSink {
	return &counterSink{metrics: metrics}
}

func (s *counterSink) Emit(event types.Event) {
	s.metrics.Counter("cache_events_total", map[string]string{
		"kind":      string(event.Kind),
		"component": event.Component,
		"operation": event.Operation,
	}).Inc()
}

type multiSink []types.EventSink

// Multi fans an event out to every non-nil sink.
func Multi(sinks ...types.EventSink) types.EventSink {
	out := make(multiSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			out = append(out, sink)
		}
	}
	return out
}

func (m multiSink) Emit(event types.Event) {
	for _, sink := range m {
		sink.Emit(event)
	}
}

func Nop() types.EventSink {
	return types.EventSinkFunc(func(types.Event) {})
}
