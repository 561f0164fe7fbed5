// Package telemetry provides the logging and metrics facades used by the
// generation pipeline. Logging delegates to goa.design/clue/log and metrics to
// the global OpenTelemetry meter; both have noop variants for tests.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"
)

const instrumentationName = "pagegen"

type (
	// Logger emits structured log lines.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers and gauges.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// ClueLogger delegates to goa.design/clue/log. Formatting and debug
	// settings are read from the context (see log.Context).
	ClueLogger struct{}

	// OTELMetrics delegates to the global OpenTelemetry meter provider.
	OTELMetrics struct {
		meter metric.Meter
	}

	noopLogger  struct{}
	noopMetrics struct{}
)

// NewClueLogger returns a Logger backed by clue.
func NewClueLogger() Logger { return ClueLogger{} }

// NewOTELMetrics returns a Metrics recorder using otel.Meter. Configure the
// provider with otel.SetMeterProvider before recording.
func NewOTELMetrics() Metrics {
	return &OTELMetrics{meter: otel.Meter(instrumentationName)}
}

// NoopLogger discards everything.
func NoopLogger() Logger { return noopLogger{} }

// NoopMetrics discards everything.
func NoopMetrics() Metrics { return noopMetrics{} }

// WithLogger installs a clue logger in ctx.
func WithLogger(ctx context.Context, json, debug bool) context.Context {
	format := log.FormatText
	if json {
		format = log.FormatJSON
	} else if log.IsTerminal() {
		format = log.FormatTerminal
	}
	opts := []log.LogOption{log.WithFormat(format)}
	if debug {
		opts = append(opts, log.WithDebug())
	}
	return log.Context(ctx, opts...)
}

func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fielders(msg, keyvals)...)
}

func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fielders(msg, keyvals)...)
}

func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, fielders(msg, keyvals)...)
}

func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, fielders(msg, keyvals)...)
}

func (m *OTELMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

func (m *OTELMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name, metric.WithUnit("s"))
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagsToAttrs(tags)...))
}

func (m *OTELMetrics) RecordGauge(name string, value float64, tags ...string) {
	gauge, err := m.meter.Float64Gauge(name)
	if err != nil {
		return
	}
	gauge.Record(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}

func (noopMetrics) IncCounter(string, float64, ...string)        {}
func (noopMetrics) RecordTimer(string, time.Duration, ...string) {}
func (noopMetrics) RecordGauge(string, float64, ...string)       {}

// fielders converts msg and k1, v1, k2, v2... into clue fields. Non-string
// keys are skipped; an odd trailing key is paired with nil.
func fielders(msg string, keyvals []any) []log.Fielder {
	out := make([]log.Fielder, 0, 1+len(keyvals)/2)
	out = append(out, log.KV{K: "msg", V: msg})
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		out = append(out, log.KV{K: k, V: v})
	}
	return out
}

func tagsToAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(tags[i], v))
	}
	return attrs
}
