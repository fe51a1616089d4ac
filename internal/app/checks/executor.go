package checks

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/riskscan/internal/domain/config"
	"github.com/ahrav/riskscan/internal/domain/scanning"
	"github.com/ahrav/riskscan/pkg/common/logger"
)

// DefaultCheckTimeout applies when neither the check nor the settings
// configure one.
const DefaultCheckTimeout = 5 * time.Second

var (
	// ErrNoImplementation marks a configured check with no registered function.
	ErrNoImplementation = errors.New("no implementation registered")
	errCheckPanicked    = errors.New("check panicked")
)

// Observer is told about each check as it starts and completes. Calls
// arrive concurrently from the check goroutines.
type Observer interface {
	CheckStarted(ctx context.Context, def config.CheckDefinition)
	CheckCompleted(ctx context.Context, finding scanning.Finding)
}

// NopObserver ignores check progress.
type NopObserver struct{}

func (NopObserver) CheckStarted(context.Context, config.CheckDefinition) {}
func (NopObserver) CheckCompleted(context.Context, scanning.Finding) {}

// Applicable returns the checks that run for the scan: enabled, applying to
// the target kind, and for URL targets either reachable or not needing
// fetched content. Threat-intel sources are budgeted separately.
func Applicable(snap *config.Snapshot, sc *scanning.ScanContext) []config.CheckDefinition {
	kind := sc.Target.Kind
	var out []config.CheckDefinition
	for _, def := range snap.Checks {
		if !def.Enabled || def.Category == config.ThreatIntelCategory || !def.AppliesTo(kind) {
			continue
		}
		if kind == scanning.TargetKindURL && def.RequiresContent && !sc.Reachable() {
			continue
		}
		out = append(out, def)
	}
	return out
}

// Executor runs applicable checks concurrently, each under its own timeout.
type Executor struct {
	registry *Registry
	logger   *logger.Logger
	tracer   trace.Tracer
}

// NewExecutor creates an Executor backed by registry.
func NewExecutor(registry *Registry, logger *logger.Logger, tracer trace.Tracer) *Executor {
	return &Executor{
		registry: registry,
		logger:   logger.With("component", "check_executor"),
		tracer:   tracer,
	}
}

// Run executes defs against sc and groups the findings by category. Every
// check yields exactly one finding; one that errors, panics or outlives its
// timeout yields a zero-point failed finding. Checks still running when ctx
// ends are reported failed so Run never outlives ctx.
func (e *Executor) Run(
	ctx context.Context,
	sc *scanning.ScanContext,
	snap *config.Snapshot,
	defs []config.CheckDefinition,
	obs Observer,
) []scanning.CategoryResult {
	ctx, span := e.tracer.Start(ctx, "checks.run",
		trace.WithAttributes(attribute.Int("checks.count", len(defs))))
	defer span.End()

	if obs == nil {
		obs = NopObserver{}
	}

	type answer struct {
		idx     int
		finding scanning.Finding
	}
	ch := make(chan answer, len(defs))
	for i, def := range defs {
		obs.CheckStarted(ctx, def)
		go func() {
			ch <- answer{idx: i, finding: e.runOne(ctx, sc, def, timeoutFor(def, snap))}
		}()
	}

	findings := make([]scanning.Finding, len(defs))
	done := make([]bool, len(defs))
	remaining := len(defs)
collect:
	for remaining > 0 {
		select {
		case a := <-ch:
			findings[a.idx], done[a.idx] = a.finding, true
			remaining--
			obs.CheckCompleted(ctx, a.finding)
		case <-ctx.Done():
			break collect
		}
	}

	var failed int
	for i, def := range defs {
		if !done[i] {
			findings[i] = failedFinding(def, fmt.Errorf("scan budget exhausted: %w", context.Cause(ctx)))
			obs.CheckCompleted(ctx, findings[i])
		}
		if findings[i].Failed {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("checks.failed", failed))

	return Group(snap, defs, findings)
}

func timeoutFor(def config.CheckDefinition, snap *config.Snapshot) time.Duration {
	switch {
	case def.Timeout > 0:
		return def.Timeout
	case snap.Settings.DefaultCheckTimeout > 0:
		return snap.Settings.DefaultCheckTimeout
	default:
		return DefaultCheckTimeout
	}
}

func (e *Executor) runOne(
	ctx context.Context,
	sc *scanning.ScanContext,
	def config.CheckDefinition,
	timeout time.Duration,
) scanning.Finding {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "checks.check",
		trace.WithAttributes(
			attribute.String("check.id", def.ID),
			attribute.String("check.category", def.Category),
		))
	defer span.End()

	fn, ok := e.registry.Lookup(def.ID)
	if !ok {
		span.SetStatus(codes.Error, "no implementation")
		e.logger.Warn(ctx, "configured check has no implementation", "check_id", def.ID)
		return failedFinding(def, ErrNoImplementation)
	}

	type result struct {
		sig Signal
		err error
	}
	out := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- result{err: fmt.Errorf("%w: %v", errCheckPanicked, r)}
			}
		}()
		sig, err := fn(ctx, sc, def)
		out <- result{sig: sig, err: err}
	}()

	select {
	case r := <-out:
		if r.err == nil && (math.IsNaN(r.sig.Ratio) || math.IsInf(r.sig.Ratio, 0)) {
			r.err = fmt.Errorf("check returned invalid ratio %v", r.sig.Ratio)
		}
		if r.err != nil {
			span.RecordError(r.err)
			span.SetStatus(codes.Error, "check failed")
			e.logger.Warn(ctx, "check failed", "check_id", def.ID, "error", r.err)
			return failedFinding(def, r.err)
		}
		f := newFinding(def, r.sig)
		span.SetAttributes(attribute.Float64("check.points", f.PointsAwarded))
		return f
	case <-ctx.Done():
		span.SetStatus(codes.Error, "check timed out")
		e.logger.Warn(ctx, "check timed out", "check_id", def.ID, "timeout", timeout)
		return failedFinding(def, fmt.Errorf("timed out after %s: %w", timeout, ctx.Err()))
	}
}

func newFinding(def config.CheckDefinition, sig Signal) scanning.Finding {
	points := clamp01(sig.Ratio) * def.MaxPoints
	sev := scanning.SeverityInfo
	if points > 0 {
		sev = def.Severity
	}
	msg := sig.Message
	if msg == "" {
		msg = "no signal"
	}
	return scanning.Finding{
		CheckID:       def.ID,
		Category:      def.Category,
		Severity:      sev,
		PointsAwarded: points,
		MaxPoints:     def.MaxPoints,
		Message:       msg,
		Evidence:      sig.Evidence,
	}
}

func failedFinding(def config.CheckDefinition, err error) scanning.Finding {
	return scanning.Finding{
		CheckID:   def.ID,
		Category:  def.Category,
		Severity:  scanning.SeverityInfo,
		MaxPoints: def.MaxPoints,
		Message:   "check did not complete: " + err.Error(),
		Failed:    true,
	}
}

// Group folds findings into one CategoryResult per configured category in
// reporting order, threat intel excluded. A category without applicable
// checks still appears with a zero budget. Scores are clamped to the
// category budget.
func Group(snap *config.Snapshot, defs []config.CheckDefinition, findings []scanning.Finding) []scanning.CategoryResult {
	index := make(map[string]int)
	var out []scanning.CategoryResult
	add := func(name string) int {
		if i, ok := index[name]; ok {
			return i
		}
		index[name] = len(out)
		out = append(out, scanning.CategoryResult{Category: name, Findings: []scanning.Finding{}})
		return len(out) - 1
	}

	for _, c := range snap.Categories {
		if c.Name != config.ThreatIntelCategory {
			add(c.Name)
		}
	}
	for _, def := range defs {
		out[add(def.Category)].MaxScore += def.MaxPoints
	}
	for _, f := range findings {
		i := add(f.Category)
		out[i].Score += f.PointsAwarded
		out[i].Findings = append(out[i].Findings, f)
	}

	for i := range out {
		out[i].Score = math.Min(out[i].Score, out[i].MaxScore)
		slices.SortFunc(out[i].Findings, func(a, b scanning.Finding) int {
			return cmp.Compare(a.CheckID, b.CheckID)
		})
	}
	return out
}
