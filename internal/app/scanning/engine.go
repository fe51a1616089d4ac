// Package scanning runs the risk-scoring pipeline: it validates a request,
// consults the result cache, and otherwise drives the probe, threat-intel,
// context, check, consensus, false-positive and classification stages
// under one wall-clock budget, publishing progress events as it goes.
package scanning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/ahrav/riskscan/internal/app/checks"
	"github.com/ahrav/riskscan/internal/app/consensus"
	"github.com/ahrav/riskscan/internal/app/threatintel"
	"github.com/ahrav/riskscan/internal/domain/config"
	"github.com/ahrav/riskscan/internal/domain/events"
	domain "github.com/ahrav/riskscan/internal/domain/scanning"
	"github.com/ahrav/riskscan/pkg/common/logger"
	"github.com/ahrav/riskscan/pkg/common/timeutil"
)

const (
	// DefaultGlobalTimeout bounds a scan when the settings leave it unset.
	DefaultGlobalTimeout = 30 * time.Second
	// DefaultFetchTimeout bounds context gathering when unset.
	DefaultFetchTimeout = 10 * time.Second

	persistTimeout = 5 * time.Second
)

// SnapshotSource hands out a private configuration snapshot per scan.
type SnapshotSource interface {
	Snapshot() *config.Snapshot
}

// CheckRunner executes the applicable checks of a scan.
type CheckRunner interface {
	Run(
		ctx context.Context,
		sc *domain.ScanContext,
		snap *config.Snapshot,
		defs []config.CheckDefinition,
		obs checks.Observer,
	) []domain.CategoryResult
}

// ThreatIntelRunner executes the threat-intel stage.
type ThreatIntelRunner interface {
	Run(ctx context.Context, target domain.Target, snap *config.Snapshot) threatintel.Outcome
}

// ConsensusRunner executes the AI consensus stage.
type ConsensusRunner interface {
	Run(ctx context.Context, evidence domain.Evidence, snap *config.Snapshot) consensus.Outcome
}

// Dependencies are the collaborators of an Engine. Config, Checks,
// ThreatIntel, Consensus and Cache are required. A nil evidence adapter
// leaves that evidence ungathered, a nil Results skips persistence and a
// nil Events discards progress.
type Dependencies struct {
	Config       SnapshotSource
	Prober       domain.ReachabilityProber
	Fetcher      domain.PageFetcher
	DNS          domain.DNSResolver
	Registration domain.RegistrationLookup
	Checks       CheckRunner
	ThreatIntel  ThreatIntelRunner
	Consensus    ConsensusRunner
	Cache        domain.ResultCache
	Results      domain.ResultRepository
	Events       events.Publisher
}

func (d Dependencies) validate() error {
	var errs []error
	if d.Config == nil {
		errs = append(errs, errors.New("config source is required"))
	}
	if d.Checks == nil {
		errs = append(errs, errors.New("check runner is required"))
	}
	if d.ThreatIntel == nil {
		errs = append(errs, errors.New("threat-intel runner is required"))
	}
	if d.Consensus == nil {
		errs = append(errs, errors.New("consensus runner is required"))
	}
	if d.Cache == nil {
		errs = append(errs, errors.New("result cache is required"))
	}
	return errors.Join(errs...)
}

// Engine scans targets. It is safe for concurrent use; concurrent scans of
// the same cache key share one pipeline run.
type Engine struct {
	deps    Dependencies
	flight  singleflight.Group
	pending sync.WaitGroup
	// active holds the request ids of scans not yet persisted.
	active sync.Map

	metrics EngineMetrics
	clock   timeutil.Provider
	logger  *logger.Logger
	tracer  trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for scan timestamps and the
// evaluation time seen by checks.
func WithClock(c timeutil.Provider) Option { return func(e *Engine) { e.clock = c } }

// WithMetrics records pipeline outcomes on m.
func WithMetrics(m EngineMetrics) Option { return func(e *Engine) { e.metrics = m } }

// NewEngine creates an Engine.
func NewEngine(deps Dependencies, log *logger.Logger, tracer trace.Tracer, opts ...Option) (*Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Events == nil {
		deps.Events = events.NopPublisher{}
	}
	e := &Engine{
		deps:    deps,
		metrics: nopMetrics{},
		clock:   timeutil.Default(),
		logger:  log.With("component", "scan_engine"),
		tracer:  tracer,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Scan scores the request's target. It returns an error only for invalid
// input or a request id that is already in use; every other failure
// degrades the result instead.
func (e *Engine) Scan(ctx context.Context, req domain.ScanRequest) (domain.ScanResult, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	start := e.clock.Now()
	if err := e.claim(ctx, req.RequestID); err != nil {
		e.metrics.IncScanRejected(ctx)
		return domain.ScanResult{}, err
	}

	ctx, span := e.tracer.Start(ctx, "scan.scan",
		trace.WithAttributes(
			attribute.String("request_id", req.RequestID),
			attribute.String("kind", req.Kind.String()),
		))
	defer span.End()

	snap := e.deps.Config.Snapshot()
	target, err := domain.ParseTarget(req, snap.Settings.MaxEmbeddedURLs)
	if err != nil {
		e.release(req.RequestID)
		e.metrics.IncScanRejected(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid target")
		e.deps.Events.Publish(ctx, events.ScanEvent{
			ScanID:  req.RequestID,
			Type:    events.EventTypeError,
			Level:   events.LevelError,
			Message: err.Error(),
		})
		return domain.ScanResult{}, err
	}

	key := target.CacheKey()
	if res, ok := e.cached(ctx, key); ok {
		res.RequestID = req.RequestID
		res.Target = req.Target
		res.Cached = true
		res.DurationMs = e.clock.Now().Sub(start).Milliseconds()
		span.SetAttributes(attribute.Bool("scan.cached", true))
		e.metrics.IncCacheHit(ctx)
		e.finish(ctx, res, 0)
		return res, nil
	}
	e.metrics.IncCacheMiss(ctx)

	v, _, _ := e.flight.Do(key, func() (any, error) {
		// The run outlives a disconnecting caller so that requests sharing
		// it still get an answer; the global budget bounds it.
		return e.run(context.WithoutCancel(ctx), req, target, snap, key), nil
	})
	res := v.(domain.ScanResult).Clone()
	if res.RequestID != req.RequestID {
		leader := res.RequestID
		res.RequestID = req.RequestID
		res.Target = req.Target
		res.DurationMs = e.clock.Now().Sub(start).Milliseconds()
		e.metrics.IncSharedScan(ctx)
		e.deps.Events.Publish(ctx, events.ScanEvent{
			ScanID:  req.RequestID,
			Type:    events.EventTypeLog,
			Level:   events.LevelInfo,
			Message: "joined the in-flight scan " + leader + " of the same target",
		})
		e.finish(ctx, res, 0)
	}

	span.SetAttributes(
		attribute.String("scan.tier", res.RiskTier.String()),
		attribute.Bool("scan.partial", res.Partial),
	)
	return res, nil
}

// claim reserves id until its result is persisted. An id held by a running
// scan or present in the result store is refused so that event streams and
// stored results stay one per id.
func (e *Engine) claim(ctx context.Context, id string) error {
	if _, busy := e.active.LoadOrStore(id, struct{}{}); busy {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateRequest, id)
	}
	if e.deps.Results == nil {
		return nil
	}
	_, err := e.deps.Results.Get(ctx, id)
	switch {
	case err == nil:
		e.release(id)
		return fmt.Errorf("%w: %s", domain.ErrDuplicateRequest, id)
	case !errors.Is(err, domain.ErrResultNotFound):
		e.logger.Warn(ctx, "result store lookup failed", "request_id", id, "error", err)
	}
	return nil
}

func (e *Engine) release(id string) { e.active.Delete(id) }

func (e *Engine) cached(ctx context.Context, key string) (domain.ScanResult, bool) {
	res, ok, err := e.deps.Cache.Get(ctx, key)
	if err != nil {
		e.logger.Warn(ctx, "result cache read failed", "key", key, "error", err)
		return domain.ScanResult{}, false
	}
	return res, ok
}

// run executes the pipeline once for a cache miss, then caches, persists
// and announces the result.
func (e *Engine) run(
	ctx context.Context,
	req domain.ScanRequest,
	target domain.Target,
	snap *config.Snapshot,
	key string,
) domain.ScanResult {
	budget := snap.Settings.GlobalTimeout
	if budget <= 0 {
		budget = DefaultGlobalTimeout
	}
	ctx, cancel := context.WithTimeoutCause(ctx, budget, errBudgetExhausted)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "scan.pipeline",
		trace.WithAttributes(
			attribute.String("request_id", req.RequestID),
			attribute.Int64("config.version", int64(snap.Version)),
		))
	defer span.End()

	started := e.clock.Now()
	p := newPipeline(e, req, target, snap, started, budget)
	p.execute(ctx)
	res := p.assemble(ctx)
	duration := e.clock.Now().Sub(started)
	res.DurationMs = duration.Milliseconds()

	span.SetAttributes(
		attribute.String("scan.tier", res.RiskTier.String()),
		attribute.Float64("scan.final_score", res.FinalScore),
		attribute.Bool("scan.partial", res.Partial),
		attribute.Bool("scan.short_circuited", res.ShortCircuited),
	)
	if res.Partial {
		span.SetStatus(codes.Error, "scan budget exhausted")
	}

	if !res.Partial {
		e.store(context.WithoutCancel(ctx), key, res, snap.Settings.CacheTTL.For(res.RiskTier))
	}
	e.finish(ctx, res, duration)
	return res
}

// store caches res under key. Partial results never reach here and High
// or Critical results get a zero TTL, which is never stored.
func (e *Engine) store(ctx context.Context, key string, res domain.ScanResult, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if _, err := e.deps.Cache.PutIfAbsent(ctx, key, res, ttl); err != nil {
		e.logger.Warn(ctx, "result cache write failed", "key", key, "error", err)
	}
}

// finish records, persists and announces a result handed to a caller.
func (e *Engine) finish(ctx context.Context, res domain.ScanResult, duration time.Duration) {
	e.metrics.ObserveScan(ctx, res, duration)
	e.persist(ctx, res)
	out := res.Clone()
	e.deps.Events.Publish(ctx, events.ScanEvent{
		ScanID:  res.RequestID,
		Type:    events.EventTypeComplete,
		Percent: 100,
		Result:  &out,
	})
	e.logger.Info(ctx, "scan complete",
		"request_id", res.RequestID,
		"tier", res.RiskTier.String(),
		"final_score", res.FinalScore,
		"max_score", res.MaxScore,
		"cached", res.Cached,
		"partial", res.Partial,
		"duration_ms", res.DurationMs,
	)
}

func (e *Engine) persist(ctx context.Context, res domain.ScanResult) {
	if e.deps.Results == nil {
		e.release(res.RequestID)
		return
	}
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		defer e.release(res.RequestID)
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := e.deps.Results.Save(ctx, res); err != nil {
			e.logger.Error(ctx, "persisting scan result failed", "request_id", res.RequestID, "error", err)
		}
	}()
}

// Result returns a stored result by request id.
func (e *Engine) Result(ctx context.Context, requestID string) (domain.ScanResult, error) {
	if e.deps.Results == nil {
		return domain.ScanResult{}, domain.ErrResultNotFound
	}
	return e.deps.Results.Get(ctx, requestID)
}

// Wait blocks until background persistence of finished scans is done.
func (e *Engine) Wait() { e.pending.Wait() }

type nopMetrics struct{}

func (nopMetrics) ObserveScan(context.Context, domain.ScanResult, time.Duration) {}
func (nopMetrics) IncScanRejected(context.Context)                              {}
func (nopMetrics) IncShortCircuit(context.Context)                              {}
func (nopMetrics) IncCacheHit(context.Context)                                  {}
func (nopMetrics) IncCacheMiss(context.Context)                                 {}
func (nopMetrics) IncSharedScan(context.Context)                                {}
func (nopMetrics) IncSourceUnavailable(context.Context, string)                 {}
func (nopMetrics) IncOracleFailure(context.Context, string)                     {}
