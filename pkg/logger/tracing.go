/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package logger

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.31.0"
	otelTrace "go.opentelemetry.io/otel/trace"
)

// OTelConfig selects the OTLP/gRPC endpoint spans are exported to.
type OTelConfig struct {
	Enabled  bool              `json:"enabled" yaml:"enabled" toml:"enabled"`
	Endpoint string            `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	Headers  map[string]string `json:"headers" yaml:"headers" toml:"headers"`
	Insecure bool              `json:"insecure" yaml:"insecure" toml:"insecure"`
}

// TracingConfig holds the configuration for OpenTelemetry tracing setup
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Debug          bool
	Logger         Logger      // Optional logger for debug output
	OTel           *OTelConfig // Optional OTel configuration for trace exporting
}

// InitializeTracing sets up OpenTelemetry tracing and returns a traced context with a root span.
// This should be called once at application startup.
//
// Without an exporter the provider still records spans, which keeps trace IDs
// available for log correlation.
//
//	tp, ctx, rootSpan, err := logger.InitializeTracing(ctx, logger.TracingConfig{ServiceName: "fleetreconcile"})
//	if err != nil {
//	    return err
//	}
//	defer func() { _ = tp.Shutdown(context.Background()) }()
//	defer rootSpan.End()
func InitializeTracing(ctx context.Context, config TracingConfig) (*trace.TracerProvider, context.Context, otelTrace.Span, error) {
	if config.ServiceName == "" {
		config.ServiceName = "fleetreconcile"
	}

	if config.ServiceVersion == "" {
		config.ServiceVersion = "dev"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, ctx, nil, fmt.Errorf("failed to create OpenTelemetry resource: %w", err)
	}

	tpOptions := []trace.TracerProviderOption{trace.WithResource(res)}

	if config.OTel != nil && config.OTel.Enabled && config.OTel.Endpoint != "" {
		exporter, err := createTraceExporter(ctx, config.OTel)
		if err != nil {
			return nil, ctx, nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}

		tpOptions = append(tpOptions, trace.WithSpanProcessor(trace.NewBatchSpanProcessor(exporter)))
	}

	tp := trace.NewTracerProvider(tpOptions...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	ctx, rootSpan := otel.Tracer(config.ServiceName).Start(ctx, config.ServiceName+".main")

	if config.Debug && config.Logger != nil {
		spanCtx := rootSpan.SpanContext()

		config.Logger.Debug().
			Str("service", config.ServiceName).
			Str("trace_id", spanCtx.TraceID().String()).
			Bool("exporting", config.OTel != nil && config.OTel.Enabled).
			Msg("Initialized OpenTelemetry tracing")
	}

	return tp, ctx, rootSpan, nil
}

// GetTracer returns a tracer for the given name.
func GetTracer(name string) otelTrace.Tracer {
	return otel.Tracer(name)
}

func createTraceExporter(ctx context.Context, config *OTelConfig) (trace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(config.Endpoint),
	}

	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	if len(config.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(config.Headers))
	}

	return otlptracegrpc.New(ctx, opts...)
}
