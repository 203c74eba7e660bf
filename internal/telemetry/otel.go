// Package telemetry wraps OpenTelemetry tracing for the validation
// pipeline (SPEC_FULL.md §4.5), adapted from elida's request-span
// provider and retargeted from HTTP proxy spans to Validate/detector
// spans.
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Provider manages OpenTelemetry tracing for the pipeline.
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a Provider from cfg.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{config: cfg, tracer: otel.Tracer("promptfirewall")}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "promptfirewall"
	}

	slog.Info("creating trace exporter", "type", cfg.Exporter)

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("otlp exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("stdout exporter creation failed", "error", err)
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		return &Provider{config: cfg, tracer: otel.Tracer("promptfirewall")}, nil
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	return &Provider{
		config:   cfg,
		tracer:   tp.Tracer("promptfirewall"),
		provider: tp,
	}, nil
}

func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the underlying tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Shutdown flushes and stops the tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled reports whether tracing is active.
func (p *Provider) Enabled() bool { return p.config.Enabled && p.provider != nil }

// Span attribute keys used across the pipeline.
const (
	AttrRequestID      = "promptfirewall.request.id"
	AttrPolicyID       = "promptfirewall.policy.id"
	AttrCached         = "promptfirewall.cached"
	AttrStatus         = "promptfirewall.verdict.status"
	AttrFindingCount   = "promptfirewall.findings.count"
	AttrTruncated      = "promptfirewall.truncated"
	AttrDetectorName   = "promptfirewall.detector.name"
	AttrDetectorDegrad = "promptfirewall.detector.degraded"
)

// StartValidateSpan starts the top-level span for one Validate call.
func (p *Provider) StartValidateSpan(ctx context.Context, requestID, policyID string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "pipeline.validate",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrRequestID, requestID),
			attribute.String(AttrPolicyID, policyID),
		),
	)
}

// EndValidateSpan finalizes a Validate span with the outcome.
func (p *Provider) EndValidateSpan(span trace.Span, status string, findingCount int, cached, truncated bool, err error) {
	span.SetAttributes(
		attribute.String(AttrStatus, status),
		attribute.Int(AttrFindingCount, findingCount),
		attribute.Bool(AttrCached, cached),
		attribute.Bool(AttrTruncated, truncated),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// StartDetectorSpan starts a child span around a single detector's run.
func (p *Provider) StartDetectorSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "pipeline.detector",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String(AttrDetectorName, name)),
	)
}

// EndDetectorSpan finalizes a detector span.
func (p *Provider) EndDetectorSpan(span trace.Span, degraded bool, findingCount int) {
	span.SetAttributes(
		attribute.Bool(AttrDetectorDegrad, degraded),
		attribute.Int(AttrFindingCount, findingCount),
	)
	span.End()
}

// DefaultConfig returns the default (disabled) telemetry configuration.
func DefaultConfig() Config {
	return Config{Enabled: false, Exporter: "none", ServiceName: "promptfirewall"}
}

// ConfigFromEnv builds a Config from the environment, the same convention
// elida uses for OTEL_EXPORTER_OTLP_ENDPOINT plus service-specific overrides.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		cfg.Enabled = true
		cfg.Exporter = "otlp"
		cfg.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}
	if os.Getenv("PROMPTFIREWALL_TELEMETRY_ENABLED") == "true" {
		cfg.Enabled = true
	}
	if v := os.Getenv("PROMPTFIREWALL_TELEMETRY_EXPORTER"); v != "" {
		cfg.Exporter = v
	}
	if v := os.Getenv("PROMPTFIREWALL_TELEMETRY_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	return cfg
}

// NoopProvider returns a Provider with tracing disabled, for tests and
// default wiring.
func NoopProvider() *Provider {
	return &Provider{config: Config{Enabled: false}, tracer: otel.Tracer("promptfirewall-noop")}
}

// ContextWithTimeout creates a context with timeout, used for bounded
// shutdown sequences.
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
