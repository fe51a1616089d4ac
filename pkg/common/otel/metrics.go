package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// NewMeterProvider creates an SDK meter provider for serviceName that
// exports through the given readers. Tests pass a ManualReader to collect
// what a component recorded.
func NewMeterProvider(serviceName string, readers ...sdkmetric.Reader) *sdkmetric.MeterProvider {
	opts := []sdkmetric.Option{sdkmetric.WithResource(NewResource(serviceName, nil))}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	return sdkmetric.NewMeterProvider(opts...)
}

// GetMeterProvider returns the globally registered meter provider.
func GetMeterProvider() metric.MeterProvider { return otel.GetMeterProvider() }

// NewResource describes the process: its service name plus any extra
// attributes such as the pod and namespace.
func NewResource(serviceName string, attrs map[string]string) *resource.Resource {
	kvs := make([]attribute.KeyValue, 0, len(attrs)+1)
	kvs = append(kvs, semconv.ServiceNameKey.String(serviceName))
	kvs = append(kvs, attributesFromMap(attrs)...)
	return resource.NewWithAttributes(semconv.SchemaURL, kvs...)
}
