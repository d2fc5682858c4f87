// internal/pkg/tracing/tracer.go
package tracing

import (
	"fulfillment/internal/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// InitTracerProvider 创建 Jaeger 导出的 TracerProvider 并注册为全局。
// sampleRatio 只作用于根 span，下游服务沿用上游的采样决定；<=0 或 >=1 时全量采样。
func InitTracerProvider(serviceName, jaegerEndpoint string, sampleRatio float64) (*sdktrace.TracerProvider, error) {
	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)))
	if err != nil {
		return nil, err
	}

	root := sdktrace.AlwaysSample()
	if sampleRatio > 0 && sampleRatio < 1 {
		root = sdktrace.TraceIDRatioBased(sampleRatio)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(root)),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	logger.L().Info().
		Str("endpoint", jaegerEndpoint).
		Float64("sampleRatio", sampleRatio).
		Msgf("Tracing initialized for service '%s'", serviceName)
	return tp, nil
}
