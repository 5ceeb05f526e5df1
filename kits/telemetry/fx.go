// Package telemetry wires OpenTelemetry tracer and meter providers into fx and
// provides the metric.Meter the drain controller records on.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/froppa/leadballoon/kits/configkit"
	"github.com/froppa/leadballoon/kits/runtimeinfo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Scope is the instrumentation scope of the provided Tracer and Meter.
const Scope = "github.com/froppa/leadballoon"

func init() { configkit.RegisterKnown(ConfigKey, (*Config)(nil)) }

// Option customises Module.
type Option func(*options)

type options struct {
	readers []sdkmetric.Reader
}

// WithReader attaches an extra metric reader, e.g. a ManualReader in tests.
func WithReader(r sdkmetric.Reader) Option {
	return func(o *options) { o.readers = append(o.readers, r) }
}

// Module provides the SDK providers plus trace.Tracer and metric.Meter, installs
// them as otel globals, and flushes them on stop.
func Module(opts ...Option) fx.Option {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return fx.Options(
		fx.Provide(configkit.ProvideFromKey[Config](ConfigKey)),
		fx.Provide(func(lc fx.Lifecycle, cfg *Config, log *zap.Logger) (Result, error) {
			res, err := NewProviders(context.Background(), *cfg, log, o.readers...)
			if err != nil {
				return Result{}, err
			}
			lc.Append(fx.Hook{OnStop: func(ctx context.Context) error {
				return res.shutdown(ctx, log)
			}})
			return res, nil
		}),
		fx.Invoke(installGlobals),
	)
}

// Result exposes each component separately to the container.
type Result struct {
	fx.Out
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
}

// NewProviders builds tracer and meter providers for cfg. OTLP exporters are
// created only when an endpoint is configured and the signal is enabled;
// extra readers are always attached.
func NewProviders(ctx context.Context, cfg Config, log *zap.Logger, readers ...sdkmetric.Reader) (Result, error) {
	s := cfg.resolve()

	res, err := buildResource(s)
	if err != nil {
		return Result{}, fmt.Errorf("telemetry: resource: %w", err)
	}

	tp, err := buildTracerProvider(ctx, s, res)
	if err != nil {
		return Result{}, err
	}
	mp, err := buildMeterProvider(ctx, s, res, readers)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return Result{}, err
	}

	if (s.traces || s.metrics) && s.OTLPEndpoint == "" {
		log.Warn("telemetry.no_endpoint", zap.Bool("traces", s.traces), zap.Bool("metrics", s.metrics))
	}
	log.Info("telemetry.init",
		zap.String("service", s.ServiceName),
		zap.String("environment", s.Environment),
		zap.Bool("disabled", s.disabled),
		zap.Bool("traces", s.traces),
		zap.Bool("metrics", s.metrics),
		zap.String("endpoint", s.OTLPEndpoint),
	)

	return Result{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(Scope),
		Meter:          mp.Meter(Scope),
	}, nil
}

func buildResource(s settings) (*sdkresource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(s.ServiceName),
		semconv.DeploymentEnvironmentName(s.Environment),
	}
	if s.disabled {
		attrs = append(attrs, attribute.Bool("otel.sdk.disabled", true))
	}
	attrs = append(attrs, runtimeinfo.OTELAttributes()...)
	// Configured attributes come last and win.
	for k, v := range s.ResourceAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	// Build info may also set service.name; the configured name must win.
	attrs = append(attrs, semconv.ServiceName(s.ServiceName))

	return sdkresource.Merge(sdkresource.Default(),
		sdkresource.NewWithAttributes(semconv.SchemaURL, attrs...))
}

func buildTracerProvider(ctx context.Context, s settings, res *sdkresource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if s.disabled {
		opts = append(opts, sdktrace.WithSampler(sdktrace.NeverSample()))
		return sdktrace.NewTracerProvider(opts...), nil
	}
	opts = append(opts, sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.TraceSampleRate))))

	if s.traces && s.OTLPEndpoint != "" {
		eo := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(s.OTLPEndpoint)}
		if s.Insecure {
			eo = append(eo, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, eo...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: otlp trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

func buildMeterProvider(ctx context.Context, s settings, res *sdkresource.Resource, readers []sdkmetric.Reader) (*sdkmetric.MeterProvider, error) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	if !s.disabled && s.metrics && s.OTLPEndpoint != "" {
		eo := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(s.OTLPEndpoint)}
		if s.Insecure {
			eo = append(eo, otlpmetricgrpc.WithInsecure())
		}
		exp, err := otlpmetricgrpc.New(ctx, eo...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: otlp metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(s.ExportInterval))))
	}
	return sdkmetric.NewMeterProvider(opts...), nil
}

func (r Result) shutdown(ctx context.Context, log *zap.Logger) error {
	log.Info("telemetry.shutdown")
	// Flush even if fx's stop context is nearly spent.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	var errs []error
	if r.MeterProvider != nil {
		if err := r.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: meter provider: %w", err))
		}
	}
	if r.TracerProvider != nil {
		if err := r.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: tracer provider: %w", err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		log.Error("telemetry.shutdown_failed", zap.Error(err))
	}
	return err
}

type globals struct {
	fx.In
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
}

func installGlobals(g globals) {
	otel.SetTracerProvider(g.TracerProvider)
	otel.SetMeterProvider(g.MeterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
}
