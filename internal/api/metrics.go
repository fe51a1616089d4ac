package api

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const namespace = "riskscan_api"

// APIMetrics defines metrics operations needed by the HTTP API.
type APIMetrics interface {
	IncRequestsTotal(ctx context.Context, method, path string, status int)
	ObserveRequestDuration(ctx context.Context, method, path string, duration time.Duration)
	IncScanRequestsTotal(ctx context.Context, kind string)
	IncScanRequestErrors(ctx context.Context, reason string)
	IncConfigWrites(ctx context.Context, resource string)
	StreamOpened(ctx context.Context)
	StreamClosed(ctx context.Context, delivered int)
}

type apiMetrics struct {
	requestsTotal     metric.Int64Counter
	requestDuration   metric.Float64Histogram
	scanRequestsTotal metric.Int64Counter
	scanRequestErrors metric.Int64Counter
	configWrites      metric.Int64Counter
	activeStreams     metric.Int64UpDownCounter
	streamEvents      metric.Int64Histogram
}

// NewAPIMetrics registers the API instruments with mp.
func NewAPIMetrics(mp metric.MeterProvider) (*apiMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(apiMetrics)
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.scanRequestsTotal, err = meter.Int64Counter(
		"scan_requests_total",
		metric.WithDescription("Total number of scan requests"),
	); err != nil {
		return nil, err
	}

	if m.scanRequestErrors, err = meter.Int64Counter(
		"scan_request_errors_total",
		metric.WithDescription("Total number of rejected or failed scan requests"),
	); err != nil {
		return nil, err
	}

	if m.configWrites, err = meter.Int64Counter(
		"config_writes_total",
		metric.WithDescription("Total number of accepted configuration edits"),
	); err != nil {
		return nil, err
	}

	if m.activeStreams, err = meter.Int64UpDownCounter(
		"event_streams_active",
		metric.WithDescription("Number of open scan event streams"),
	); err != nil {
		return nil, err
	}

	if m.streamEvents, err = meter.Int64Histogram(
		"event_stream_events",
		metric.WithDescription("Events delivered per scan event stream"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *apiMetrics) IncRequestsTotal(ctx context.Context, method, path string, status int) {
	m.requestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	))
}

func (m *apiMetrics) ObserveRequestDuration(ctx context.Context, method, path string, duration time.Duration) {
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	))
}

func (m *apiMetrics) IncScanRequestsTotal(ctx context.Context, kind string) {
	m.scanRequestsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *apiMetrics) IncScanRequestErrors(ctx context.Context, reason string) {
	m.scanRequestErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

func (m *apiMetrics) IncConfigWrites(ctx context.Context, resource string) {
	m.configWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("resource", resource)))
}

func (m *apiMetrics) StreamOpened(ctx context.Context) { m.activeStreams.Add(ctx, 1) }

func (m *apiMetrics) StreamClosed(ctx context.Context, delivered int) {
	m.activeStreams.Add(ctx, -1)
	m.streamEvents.Record(ctx, int64(delivered))
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) IncRequestsTotal(context.Context, string, string, int)                 {}
func (NopMetrics) ObserveRequestDuration(context.Context, string, string, time.Duration) {}
func (NopMetrics) IncScanRequestsTotal(context.Context, string)                          {}
func (NopMetrics) IncScanRequestErrors(context.Context, string)                          {}
func (NopMetrics) IncConfigWrites(context.Context, string)                               {}
func (NopMetrics) StreamOpened(context.Context)                                          {}
func (NopMetrics) StreamClosed(context.Context, int)                                     {}
