package threatintel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/riskscan/internal/domain/config"
	"github.com/ahrav/riskscan/internal/domain/scanning"
	"github.com/ahrav/riskscan/pkg/common/logger"
)

// DefaultSourceTimeout applies to sources configured without a timeout.
const DefaultSourceTimeout = 3 * time.Second

// errStageCancelled marks sources still running when the stage was cut off.
var errStageCancelled = errors.New("threat-intel stage cancelled")

// SourceResolver builds the adapter for a configured source.
type SourceResolver interface {
	Resolve(cfg config.SourceConfig) (scanning.ThreatIntelSource, error)
}

// Outcome is the result of the threat-intel stage.
type Outcome struct {
	// Verdicts holds one entry per source that answered, in configured order.
	Verdicts []scanning.ThreatIntelVerdict
	// Unavailable lists sources that errored, timed out or could not be built.
	Unavailable []string
	// Category is the threat-intel category result.
	Category scanning.CategoryResult
	// ShortCircuit reports a match confident enough to end the scan early.
	ShortCircuit bool
}

// Budget returns the threat-intel category budget for a target: the sum of
// enabled source points capped by Settings.ThreatIntelMaxPoints, or zero
// when the target offers nothing to look up.
func Budget(snap *config.Snapshot, target scanning.Target) float64 {
	if len(TargetURLs(target)) == 0 {
		return 0
	}
	var total float64
	for _, src := range snap.EnabledSources() {
		total += src.Points
	}
	if limit := snap.Settings.ThreatIntelMaxPoints; limit > 0 {
		total = math.Min(total, limit)
	}
	return total
}

// Aggregator queries every enabled source concurrently under its own
// timeout and folds the answers into a category result.
type Aggregator struct {
	resolver SourceResolver
	logger   *logger.Logger
	tracer   trace.Tracer
}

// NewAggregator creates an Aggregator.
func NewAggregator(resolver SourceResolver, logger *logger.Logger, tracer trace.Tracer) *Aggregator {
	return &Aggregator{
		resolver: resolver,
		logger:   logger.With("component", "threat_intel"),
		tracer:   tracer,
	}
}

type sourceAnswer struct {
	idx     int
	verdict scanning.ThreatIntelVerdict
	err     error
}

// Run executes the stage. It returns when every source has answered or ctx
// is done; sources still running at that point are reported unavailable.
func (a *Aggregator) Run(ctx context.Context, target scanning.Target, snap *config.Snapshot) Outcome {
	ctx, span := a.tracer.Start(ctx, "threat_intel.run")
	defer span.End()

	out := Outcome{
		Verdicts: []scanning.ThreatIntelVerdict{},
		Category: scanning.CategoryResult{
			Category: config.ThreatIntelCategory,
			MaxScore: Budget(snap, target),
			Findings: []scanning.Finding{},
		},
	}
	if len(TargetURLs(target)) == 0 {
		return out
	}

	sources := snap.EnabledSources()
	span.SetAttributes(attribute.Int("threat_intel.sources", len(sources)))

	answers := make([]sourceAnswer, len(sources))
	pending := make([]bool, len(sources))
	ch := make(chan sourceAnswer, len(sources))

	for i, cfg := range sources {
		pending[i] = true
		adapter, err := a.resolver.Resolve(cfg)
		if err != nil {
			ch <- sourceAnswer{idx: i, err: fmt.Errorf("resolving source: %w", err)}
			continue
		}
		go func() {
			ch <- a.query(ctx, i, cfg, adapter, target)
		}()
	}

	remaining := len(sources)
collect:
	for remaining > 0 {
		select {
		case ans := <-ch:
			answers[ans.idx] = ans
			pending[ans.idx] = false
			remaining--
		case <-ctx.Done():
			break collect
		}
	}

	for i, cfg := range sources {
		ans := answers[i]
		if pending[i] {
			ans.err = errStageCancelled
		}
		if ans.err != nil {
			out.Unavailable = append(out.Unavailable, cfg.Name)
			a.logger.Warn(ctx, "threat-intel source unavailable", "source", cfg.Name, "error", ans.err)
			continue
		}
		v := a.normalize(cfg, ans.verdict)
		out.Verdicts = append(out.Verdicts, v)
		if !v.Matched {
			continue
		}

		out.Category.Score += v.PointsAwarded
		out.Category.Findings = append(out.Category.Findings, matchFinding(cfg, v))
		if snap.Settings.ShortCircuit.Enabled && v.Confidence >= snap.Settings.ShortCircuit.MinConfidence {
			out.ShortCircuit = true
		}
	}
	out.Category.Score = math.Min(out.Category.Score, out.Category.MaxScore)

	span.SetAttributes(
		attribute.Int("threat_intel.unavailable", len(out.Unavailable)),
		attribute.Bool("threat_intel.short_circuit", out.ShortCircuit),
	)
	return out
}

func (a *Aggregator) query(
	ctx context.Context,
	idx int,
	cfg config.SourceConfig,
	adapter scanning.ThreatIntelSource,
	target scanning.Target,
) sourceAnswer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultSourceTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := a.tracer.Start(ctx, "threat_intel.source",
		trace.WithAttributes(attribute.String("source", cfg.Name)))
	defer span.End()

	done := make(chan sourceAnswer, 1)
	go func() {
		v, err := adapter.Check(ctx, target)
		done <- sourceAnswer{idx: idx, verdict: v, err: err}
	}()

	select {
	case ans := <-done:
		if ans.err != nil {
			span.RecordError(ans.err)
			span.SetStatus(codes.Error, "source failed")
		}
		return ans
	case <-ctx.Done():
		span.SetStatus(codes.Error, "source timed out")
		return sourceAnswer{idx: idx, err: fmt.Errorf("source %s: %w", cfg.Name, ctx.Err())}
	}
}

// normalize fills the fields owned by configuration rather than adapters.
func (a *Aggregator) normalize(cfg config.SourceConfig, v scanning.ThreatIntelVerdict) scanning.ThreatIntelVerdict {
	v.Source = cfg.Name
	if !v.Matched || v.MatchType == scanning.MatchTypeNone {
		return scanning.ThreatIntelVerdict{Source: cfg.Name, MatchType: scanning.MatchTypeNone}
	}
	if v.Confidence <= 0 || v.Confidence > 1 || math.IsNaN(v.Confidence) {
		v.Confidence = cfg.Confidence
	}
	v.PointsAwarded = cfg.Points
	return v
}

func matchFinding(cfg config.SourceConfig, v scanning.ThreatIntelVerdict) scanning.Finding {
	sev := scanning.SeverityHigh
	if v.Confidence >= 0.9 {
		sev = scanning.SeverityCritical
	}
	return scanning.Finding{
		CheckID:       "threat_intel." + cfg.Name,
		Category:      config.ThreatIntelCategory,
		Severity:      sev,
		PointsAwarded: v.PointsAwarded,
		MaxPoints:     cfg.Points,
		Message:       fmt.Sprintf("listed by %s (%s match)", cfg.Name, v.MatchType),
		Evidence: map[string]string{
			"source":     cfg.Name,
			"match_type": v.MatchType.String(),
			"entry":      v.MatchedEntry,
			"confidence": fmt.Sprintf("%.2f", v.Confidence),
		},
	}
}
