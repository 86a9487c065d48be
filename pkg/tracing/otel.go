// Copyright 2026 fanjia1024
// OpenTelemetry integration for distributed tracing

package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// OTelConfig OpenTelemetry 配置
type OTelConfig struct {
	ServiceName    string
	ExportEndpoint string
	Insecure       bool
}

// InitTracer 初始化 OpenTelemetry tracer
func InitTracer(config OTelConfig) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	// 创建 OTLP exporter
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.ExportEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	// 创建 resource
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	// 创建 tracer provider
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

// StartJobSpan 开始 job execution span
func StartJobSpan(ctx context.Context, jobID string, jobType string) (context.Context, trace.Span) {
	tracer := otel.Tracer("orchestrator")
	ctx, span := tracer.Start(ctx, "job.execute",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("job.type", jobType),
		),
	)
	return ctx, span
}

// StartEmitSpan 开始 agent event fan-out span
func StartEmitSpan(ctx context.Context, eventType string, projectID string) (context.Context, trace.Span) {
	tracer := otel.Tracer("orchestrator")
	ctx, span := tracer.Start(ctx, "events.emit",
		trace.WithAttributes(
			attribute.String("event.type", eventType),
			attribute.String("project.id", projectID),
		),
	)
	return ctx, span
}

// StartRPCSpan 开始子进程 JSON-RPC span
func StartRPCSpan(ctx context.Context, method string) (context.Context, trace.Span) {
	tracer := otel.Tracer("orchestrator")
	ctx, span := tracer.Start(ctx, "runtime.rpc",
		trace.WithAttributes(
			attribute.String("rpc.method", method),
		),
	)
	return ctx, span
}
