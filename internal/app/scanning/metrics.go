package scanning

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/ahrav/riskscan/internal/domain/scanning"
)

// EngineMetrics records pipeline outcomes.
type EngineMetrics interface {
	// Scan metrics
	ObserveScan(ctx context.Context, result domain.ScanResult, duration time.Duration)
	IncScanRejected(ctx context.Context)
	IncShortCircuit(ctx context.Context)

	// Cache metrics
	IncCacheHit(ctx context.Context)
	IncCacheMiss(ctx context.Context)
	IncSharedScan(ctx context.Context)

	// Dependency metrics
	IncSourceUnavailable(ctx context.Context, source string)
	IncOracleFailure(ctx context.Context, oracle string)
}

// engineMetrics implements EngineMetrics with OpenTelemetry instruments.
type engineMetrics struct {
	// Scan metrics
	scansTotal     metric.Int64Counter
	scanDuration   metric.Float64Histogram
	scanRatio      metric.Float64Histogram
	partialScans   metric.Int64Counter
	rejectedScans  metric.Int64Counter
	shortCircuited metric.Int64Counter

	// Cache metrics
	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter
	sharedScans metric.Int64Counter

	// Dependency metrics
	sourceUnavailable metric.Int64Counter
	oracleFailures    metric.Int64Counter
}

const namespace = "riskscan"

// NewEngineMetrics creates the engine instruments on mp.
func NewEngineMetrics(mp metric.MeterProvider) (*engineMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(engineMetrics)
	var err error

	// Initialize scan metrics
	if m.scansTotal, err = meter.Int64Counter(
		"scans_total",
		metric.WithDescription("Total number of completed scans by risk tier"),
	); err != nil {
		return nil, err
	}

	if m.scanDuration, err = meter.Float64Histogram(
		"scan_duration_seconds",
		metric.WithDescription("Wall-clock time of scans that ran the pipeline"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60),
	); err != nil {
		return nil, err
	}

	if m.scanRatio, err = meter.Float64Histogram(
		"scan_score_ratio",
		metric.WithDescription("Final score as a share of the maximum score"),
		metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.3, 0.45, 0.6, 0.8, 1),
	); err != nil {
		return nil, err
	}

	if m.partialScans, err = meter.Int64Counter(
		"scans_partial_total",
		metric.WithDescription("Total number of scans cut short by the global timeout"),
	); err != nil {
		return nil, err
	}

	if m.rejectedScans, err = meter.Int64Counter(
		"scans_rejected_total",
		metric.WithDescription("Total number of scan requests rejected as invalid"),
	); err != nil {
		return nil, err
	}

	if m.shortCircuited, err = meter.Int64Counter(
		"scans_short_circuited_total",
		metric.WithDescription("Total number of scans ended early by a confident threat-intel match"),
	); err != nil {
		return nil, err
	}

	// Initialize cache metrics
	if m.cacheHits, err = meter.Int64Counter(
		"cache_hits_total",
		metric.WithDescription("Total number of scans served from the result cache"),
	); err != nil {
		return nil, err
	}

	if m.cacheMisses, err = meter.Int64Counter(
		"cache_misses_total",
		metric.WithDescription("Total number of scans not found in the result cache"),
	); err != nil {
		return nil, err
	}

	if m.sharedScans, err = meter.Int64Counter(
		"scans_shared_total",
		metric.WithDescription("Total number of scans that joined an in-flight scan of the same target"),
	); err != nil {
		return nil, err
	}

	// Initialize dependency metrics
	if m.sourceUnavailable, err = meter.Int64Counter(
		"threat_intel_unavailable_total",
		metric.WithDescription("Total number of threat-intel source calls that errored or timed out"),
	); err != nil {
		return nil, err
	}

	if m.oracleFailures, err = meter.Int64Counter(
		"oracle_failures_total",
		metric.WithDescription("Total number of AI oracle calls that produced no verdict"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *engineMetrics) ObserveScan(ctx context.Context, result domain.ScanResult, duration time.Duration) {
	tier := metric.WithAttributes(attribute.String("tier", result.RiskTier.String()))
	m.scansTotal.Add(ctx, 1, tier)
	if result.Cached {
		return
	}
	m.scanDuration.Record(ctx, duration.Seconds(), tier)
	if result.MaxScore > 0 {
		m.scanRatio.Record(ctx, result.FinalScore/result.MaxScore)
	}
	if result.Partial {
		m.partialScans.Add(ctx, 1)
	}
}

func (m *engineMetrics) IncScanRejected(ctx context.Context) { m.rejectedScans.Add(ctx, 1) }

func (m *engineMetrics) IncShortCircuit(ctx context.Context) { m.shortCircuited.Add(ctx, 1) }

func (m *engineMetrics) IncCacheHit(ctx context.Context) { m.cacheHits.Add(ctx, 1) }

func (m *engineMetrics) IncCacheMiss(ctx context.Context) { m.cacheMisses.Add(ctx, 1) }

func (m *engineMetrics) IncSharedScan(ctx context.Context) { m.sharedScans.Add(ctx, 1) }

func (m *engineMetrics) IncSourceUnavailable(ctx context.Context, source string) {
	m.sourceUnavailable.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (m *engineMetrics) IncOracleFailure(ctx context.Context, oracle string) {
	m.oracleFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("oracle", oracle)))
}
