package core

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// TelemetryConfig selects the trace exporter. When Endpoint is empty the
// provider falls back to stdouttrace, which is what local development and
// CI runs use.
type TelemetryConfig struct {
	ServiceName string
	Endpoint    string // OTLP/gRPC collector endpoint, e.g. "otel-collector:4317"
	Insecure    bool
}

// otelTelemetry implements Telemetry on top of the OpenTelemetry SDK.
type otelTelemetry struct {
	tracer oteltrace.Tracer
	tp     *sdktrace.TracerProvider
}

// NewOTelTelemetry builds a Telemetry backed by an OTel TracerProvider.
// Call Shutdown(ctx) during process teardown to flush pending spans.
func NewOTelTelemetry(ctx context.Context, cfg TelemetryConfig) (Telemetry, func(context.Context) error, error) {
	var exporter sdktrace.SpanExporter
	var err error

	if cfg.Endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: build exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	t := &otelTelemetry{tracer: tp.Tracer(cfg.ServiceName), tp: tp}
	return t, tp.Shutdown, nil
}

func (t *otelTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric is a best-effort counter/gauge emission. This module keeps
// metric export minimal (traces are the primary signal); components that
// need a metric call this through Telemetry rather than importing the SDK
// directly, so swapping exporters never touches call sites.
func (t *otelTelemetry) RecordMetric(name string, value float64, labels map[string]string) {
	_, span := t.tracer.Start(context.Background(), "metric."+name)
	defer span.End()
	span.SetAttributes(attribute.Float64("value", value))
	for k, v := range labels {
		span.SetAttributes(attribute.String(k, v))
	}
}

type otelSpan struct {
	span oteltrace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", value)))
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}

// TraceIDFromContext extracts the active trace ID for log correlation, or
// "" if the context carries no valid span context. Sampling is not checked.
func TraceIDFromContext(ctx context.Context) string {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
