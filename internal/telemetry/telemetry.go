// Package telemetry wires kokoro's OpenTelemetry providers and owns the
// engine's metric instruments.
//
// With no OTLP endpoint configured, the global no-op providers stay in place
// and every instrument records into nothing.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Shutdown flushes and stops the providers installed by Init.
type Shutdown func(ctx context.Context) error

// Config selects the exporter and describes the running process.
type Config struct {
	Endpoint    string
	Insecure    bool
	ServiceName string
	Version     string
	// Store is the conversation backend, reported as a resource attribute
	// so latency can be split by backend.
	Store string
}

// Init installs global tracer and meter providers exporting over OTLP/HTTP.
func Init(ctx context.Context, cfg Config) (Shutdown, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, err
	}
	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	// A caller's traceparent header joins the turn span to the caller's trace.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.Version),
		attribute.String("service.instance.id", uuid.NewString()),
	}
	if cfg.Store != "" {
		attrs = append(attrs, attribute.String("kokoro.store", cfg.Store))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}
	return res, nil
}

func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	), nil
}

func newMeterProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exp, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	), nil
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Tracer returns the global tracer for the given instrumentation scope.
func Tracer(name string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}

// Instruments are the engine-level metrics recorded per turn.
type Instruments struct {
	turnDuration metric.Float64Histogram
	surfaced     metric.Int64Counter
	riskAlerts   metric.Int64Counter
	configErrors metric.Int64Counter
}

// NewInstruments registers the engine instruments on meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	var in Instruments
	var errs []error
	var err error

	in.turnDuration, err = meter.Float64Histogram("kokoro.turn.duration",
		metric.WithDescription("Time to process one user turn"),
		metric.WithUnit("ms"),
	)
	errs = append(errs, err)
	in.surfaced, err = meter.Int64Counter("kokoro.recommendation.surfaced",
		metric.WithDescription("Modules surfaced to the user"),
	)
	errs = append(errs, err)
	in.riskAlerts, err = meter.Int64Counter("kokoro.risk.alerts",
		metric.WithDescription("Risk alerts raised outside an active cooldown"),
	)
	errs = append(errs, err)
	in.configErrors, err = meter.Int64Counter("kokoro.config.errors",
		metric.WithDescription("Malformed catalog entries hit at runtime"),
	)
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("telemetry: register instruments: %w", err)
	}
	return &in, nil
}

// TurnProcessed records the wall time of one turn.
func (in *Instruments) TurnProcessed(ctx context.Context, d time.Duration) {
	in.turnDuration.Record(ctx, float64(d)/float64(time.Millisecond))
}

// ModuleSurfaced counts a module shown to the user.
func (in *Instruments) ModuleSurfaced(ctx context.Context, moduleID string) {
	in.surfaced.Add(ctx, 1, metric.WithAttributes(attribute.String("module_id", moduleID)))
}

// RiskAlert counts an alert raised at level.
func (in *Instruments) RiskAlert(ctx context.Context, level string) {
	in.riskAlerts.Add(ctx, 1, metric.WithAttributes(attribute.String("level", level)))
}

// ConfigError counts a malformed catalog entry hit at runtime.
func (in *Instruments) ConfigError(ctx context.Context, component, subject string) {
	in.configErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("subject", subject),
	))
}
