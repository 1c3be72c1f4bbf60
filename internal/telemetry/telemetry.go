// Package telemetry wraps OpenTelemetry tracing and metrics the way
// bc-dunia-mcpdrill/internal/otel does: a Config struct with an exporter
// enum, defaulting to a no-op provider so the dispatch core never pays for
// telemetry it isn't configured to emit.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// ExporterType selects which trace/metric exporter backs a Telemetry.
type ExporterType string

const (
	ExporterNone   ExporterType = "none"
	ExporterStdout ExporterType = "stdout"
)

// Config mirrors bc-dunia-mcpdrill/internal/otel.Config, trimmed to the
// exporters this module actually ships (none/stdout — OTLP wiring is left
// to callers who embed this package in a larger deployment, same as the
// source repo's ExporterNone default).
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	ExporterType   ExporterType
}

// DefaultConfig disables telemetry (no-op tracer/meter).
func DefaultConfig() Config {
	return Config{Enabled: false, ServiceName: "dispatch", ExporterType: ExporterNone}
}

// Telemetry bundles a tracer and a meter, along with the instruments the
// dispatch core records into (§2 "Logging & tracing").
type Telemetry struct {
	cfg      Config
	tracer   trace.Tracer
	meter    metric.Meter
	shutdown func(context.Context) error

	StageLatency   metric.Float64Histogram
	EvictionCount  metric.Int64Counter
	InFlightGauge  metric.Int64UpDownCounter
	ExhaustedCount metric.Int64Counter
}

// New builds a Telemetry from cfg. Disabled or ExporterNone configs produce
// a fully no-op tracer/meter, matching the teacher repo's default.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	t := &Telemetry{cfg: cfg}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		t.tracer = nooptrace.NewTracerProvider().Tracer(cfg.ServiceName)
		t.meter = noopmetric.NewMeterProvider().Meter(cfg.ServiceName)
		t.shutdown = func(context.Context) error { return nil }
		return t, t.initInstruments()
	}

	if cfg.ExporterType != ExporterStdout {
		return nil, fmt.Errorf("telemetry: unsupported exporter %q", cfg.ExporterType)
	}

	traceExp, err := stdouttrace.New()
	if err != nil {
		return nil, fmt.Errorf("telemetry: stdout trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp))
	otel.SetTracerProvider(tp)
	t.tracer = tp.Tracer(cfg.ServiceName)

	metricExp, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("telemetry: stdout metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
	otel.SetMeterProvider(mp)
	t.meter = mp.Meter(cfg.ServiceName)

	t.shutdown = func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return err
		}
		return mp.Shutdown(ctx)
	}

	return t, t.initInstruments()
}

func (t *Telemetry) initInstruments() error {
	var err error
	t.StageLatency, err = t.meter.Float64Histogram("dispatch.stage.latency_ms")
	if err != nil {
		return err
	}
	t.EvictionCount, err = t.meter.Int64Counter("dispatch.policy.evictions")
	if err != nil {
		return err
	}
	t.InFlightGauge, err = t.meter.Int64UpDownCounter("dispatch.runner.in_flight")
	if err != nil {
		return err
	}
	t.ExhaustedCount, err = t.meter.Int64Counter("dispatch.runner.exhausted")
	return err
}

// Tracer exposes the underlying trace.Tracer for span creation.
func (t *Telemetry) Tracer() trace.Tracer { return t.tracer }

// Shutdown flushes and closes the exporter, if any.
func (t *Telemetry) Shutdown(ctx context.Context) error { return t.shutdown(ctx) }
