package tracing

import (
	"context"
	"fmt"
	"log"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/script-supervisor/pkg/models"
)

// Span names
const (
	SpanFetch   = "supervisor.fetch"
	SpanExecute = "supervisor.execute"
)

// Attribute keys
const (
	AttrAttempt  = attribute.Key("supervisor.attempt")
	AttrOutcome  = attribute.Key("supervisor.outcome")
	AttrChecksum = attribute.Key("supervisor.script.checksum")
	AttrStale    = attribute.Key("supervisor.script.stale")
	AttrURL      = attribute.Key("supervisor.script.url")
	AttrExitCode = attribute.Key("supervisor.exit_code")
)

// Config holds the tracing configuration
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // "http://collector:4318" or "collector:4318"; empty disables export
}

// Provider wraps the OpenTelemetry trace provider
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// InitTracer initializes OpenTelemetry tracing. Without an endpoint spans are
// created but never exported.
func InitTracer(cfg Config) (*Provider, error) {
	if cfg.OTLPEndpoint == "" {
		return NewProvider(sdktrace.NewTracerProvider(), cfg.ServiceName), nil
	}

	log.Printf("[tracing] exporting spans to %s (service: %s)", cfg.OTLPEndpoint, cfg.ServiceName)

	var endpoint otlptracehttp.Option
	if strings.Contains(cfg.OTLPEndpoint, "://") {
		endpoint = otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint)
	} else {
		endpoint = otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)
	}
	opts := []otlptracehttp.Option{endpoint}
	if !strings.HasPrefix(cfg.OTLPEndpoint, "https://") {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return NewProvider(tp, cfg.ServiceName), nil
}

// NewProvider wraps an existing tracer provider
func NewProvider(tp *sdktrace.TracerProvider, serviceName string) *Provider {
	return &Provider{tp: tp, tracer: tp.Tracer(serviceName)}
}

// Shutdown flushes and stops the tracer provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns the tracer instance
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// StartSpan starts a new span. A nil provider yields a non-recording span.
func (p *Provider) StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if p == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return p.tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// EndFetch annotates a fetch span with its result and ends it
func EndFetch(span trace.Span, src *models.ScriptSource, err error) {
	if src != nil {
		span.SetAttributes(
			AttrChecksum.String(src.Checksum),
			AttrStale.Bool(src.Stale),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// EndExecute annotates an execution span with the sealed record and ends it
func EndExecute(span trace.Span, rec *models.RunRecord) {
	if rec != nil {
		span.SetAttributes(
			AttrOutcome.String(string(rec.Outcome)),
			AttrChecksum.String(rec.Checksum),
			AttrStale.Bool(rec.StaleScript),
		)
		if rec.ExitCode != nil {
			span.SetAttributes(AttrExitCode.Int(*rec.ExitCode))
		}
		if !rec.Outcome.IsSuccess() {
			span.SetStatus(codes.Error, string(rec.Outcome))
		}
	}
	span.End()
}

// AddEvent adds an event to the current span
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
