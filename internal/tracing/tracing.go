package tracing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Exporter names accepted in Config.Exporter.
const (
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
)

const exporterDialTimeout = 10 * time.Second

var (
	ErrMissingServiceName = errors.New("tracing: service name is required")
	ErrInvalidSampleRate  = errors.New("tracing: sample rate must be between 0 and 1")
	ErrUnknownExporter    = errors.New("tracing: unknown exporter")
)

// Config describes how spans leave the process.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Enabled false yields a provider whose tracers are no-ops.
	Enabled bool

	// Exporter is ExporterOTLPHTTP (the default when empty) or ExporterOTLPGRPC.
	Exporter string
	Endpoint string
	Insecure bool

	// SampleRate is the fraction of root spans kept. Child spans follow
	// their parent's decision.
	SampleRate float64

	Logger *slog.Logger
}

func (c Config) validate() error {
	if c.ServiceName == "" {
		return ErrMissingServiceName
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidSampleRate, c.SampleRate)
	}
	switch c.Exporter {
	case "", ExporterOTLPHTTP, ExporterOTLPGRPC:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownExporter, c.Exporter)
}

// Provider owns the SDK tracer provider when tracing is enabled.
type Provider struct {
	tp     *sdktrace.TracerProvider
	logger *slog.Logger
}

// NewProvider builds the tracer provider and installs it, with the W3C
// trace-context propagator, as the process-wide default.
func NewProvider(cfg Config) (*Provider, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		logger.Info("tracing disabled")
		return &Provider{logger: logger}, nil
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	version := cfg.ServiceVersion
	if version == "" {
		version = "dev"
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SampleRate))),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing enabled",
		"exporter", exporterName(cfg.Exporter),
		"endpoint", cfg.Endpoint,
		"sample_rate", cfg.SampleRate)
	return &Provider{tp: tp, logger: logger}, nil
}

func exporterName(name string) string {
	if name == "" {
		return ExporterOTLPHTTP
	}
	return name
}

func newExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), exporterDialTimeout)
	defer cancel()

	if exporterName(cfg.Exporter) == ExporterOTLPGRPC {
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	}

	var opts []otlptracehttp.Option
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, opts...)
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

// Enabled reports whether spans are exported.
func (p *Provider) Enabled() bool { return p.tp != nil }

// Tracer returns a named tracer. With tracing disabled it is the global no-op.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p.tp == nil {
		return otel.Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Shutdown flushes buffered spans. It is safe on a nil or disabled provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	p.logger.Info("flushing spans")
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("tracing shutdown: %w", err)
	}
	return nil
}
