// Package consensus fans the scan evidence out to the configured AI scoring
// oracles and folds their answers into one bounded multiplier.
package consensus

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

const (
	// MinMultiplier and MaxMultiplier bound every adjustment and the consensus.
	MinMultiplier = 0.7
	MaxMultiplier = 1.3
	// Neutral is the multiplier when no oracle answered.
	Neutral = 1.0
	// DefaultOracleTimeout applies to oracles configured without a timeout.
	DefaultOracleTimeout = 15 * time.Second
)

// ErrInvalidAdjustment is returned for NaN or infinite adjustments.
var ErrInvalidAdjustment = errors.New("invalid risk adjustment")

var errStageCancelled = errors.New("consensus stage cancelled")

// OracleResolver builds the adapter for a configured oracle.
type OracleResolver interface {
	Resolve(cfg config.OracleConfig) (scanning.Oracle, error)
}

// Outcome is the result of the consensus stage.
type Outcome struct {
	Multiplier float64
	// Verdicts holds one entry per oracle that answered in time.
	Verdicts []scanning.AIVerdict
	// Failed lists the oracles that errored, timed out or could not be built.
	Failed []string
}

// Engine queries every enabled oracle concurrently under its own timeout.
type Engine struct {
	resolver OracleResolver
	logger   *logger.Logger
	tracer   trace.Tracer
}

// NewEngine creates an Engine.
func NewEngine(resolver OracleResolver, logger *logger.Logger, tracer trace.Tracer) *Engine {
	return &Engine{
		resolver: resolver,
		logger:   logger.With("component", "ai_consensus"),
		tracer:   tracer,
	}
}

type oracleAnswer struct {
	idx     int
	verdict scanning.AIVerdict
	err     error
}

// Run scores evidence with every enabled oracle. Oracles that fail are
// excluded from the weighting rather than counted as neutral; when none
// answers the multiplier is exactly Neutral.
func (e *Engine) Run(ctx context.Context, evidence scanning.Evidence, snap *config.Snapshot) Outcome {
	ctx, span := e.tracer.Start(ctx, "ai_consensus.run")
	defer span.End()

	oracles := snap.EnabledOracles()
	span.SetAttributes(attribute.Int("ai_consensus.oracles", len(oracles)))

	out := Outcome{Multiplier: Neutral, Verdicts: []scanning.AIVerdict{}}
	if len(oracles) == 0 {
		return out
	}

	answers := make([]oracleAnswer, len(oracles))
	pending := make([]bool, len(oracles))
	ch := make(chan oracleAnswer, len(oracles))
	for i, cfg := range oracles {
		pending[i] = true
		adapter, err := e.resolver.Resolve(cfg)
		if err != nil {
			ch <- oracleAnswer{idx: i, err: fmt.Errorf("resolving oracle: %w", err)}
			continue
		}
		go func() {
			ch <- e.query(ctx, i, cfg, adapter, evidence)
		}()
	}

	remaining := len(oracles)
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

	for i, cfg := range oracles {
		ans := answers[i]
		if pending[i] {
			ans.err = errStageCancelled
		}
		if ans.err == nil {
			ans.verdict, ans.err = normalize(cfg, ans.verdict)
		}
		if ans.err != nil {
			out.Failed = append(out.Failed, cfg.Name)
			e.logger.Warn(ctx, "oracle unavailable", "oracle", cfg.Name, "error", ans.err)
			continue
		}
		out.Verdicts = append(out.Verdicts, ans.verdict)
	}
	out.Multiplier = Combine(out.Verdicts)

	span.SetAttributes(
		attribute.Int("ai_consensus.failed", len(out.Failed)),
		attribute.Float64("ai_consensus.multiplier", out.Multiplier),
	)
	return out
}

func (e *Engine) query(
	ctx context.Context,
	idx int,
	cfg config.OracleConfig,
	adapter scanning.Oracle,
	evidence scanning.Evidence,
) oracleAnswer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultOracleTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "ai_consensus.oracle",
		trace.WithAttributes(attribute.String("oracle", cfg.Name)))
	defer span.End()

	done := make(chan oracleAnswer, 1)
	go func() {
		v, err := adapter.Score(ctx, evidence)
		done <- oracleAnswer{idx: idx, verdict: v, err: err}
	}()

	select {
	case ans := <-done:
		if ans.err != nil {
			span.RecordError(ans.err)
			span.SetStatus(codes.Error, "oracle failed")
		}
		return ans
	case <-ctx.Done():
		span.SetStatus(codes.Error, "oracle timed out")
		return oracleAnswer{idx: idx, err: fmt.Errorf("oracle %s: %w", cfg.Name, ctx.Err())}
	}
}

// normalize applies the configured weight and bounds the adjustment. A
// finite out-of-range adjustment is clamped; NaN or infinity is a failure.
func normalize(cfg config.OracleConfig, v scanning.AIVerdict) (scanning.AIVerdict, error) {
	adj, err := ClampAdjustment(v.RiskAdjustment)
	if err != nil {
		return scanning.AIVerdict{}, err
	}
	v.RiskAdjustment = adj
	v.Weight = cfg.Weight
	if v.Model == "" {
		v.Model = cfg.Name
	}
	switch {
	case math.IsNaN(v.Confidence) || v.Confidence < 0:
		v.Confidence = 0
	case v.Confidence > 1:
		v.Confidence = 1
	}
	return v, nil
}

// ClampAdjustment bounds a raw adjustment to [MinMultiplier, MaxMultiplier].
func ClampAdjustment(v float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAdjustment, v)
	}
	return math.Max(MinMultiplier, math.Min(MaxMultiplier, v)), nil
}

// Combine is the weighted mean of the adjustments, re-normalized over the
// verdicts present. It returns Neutral for no verdicts or no weight.
func Combine(verdicts []scanning.AIVerdict) float64 {
	var sum, weights float64
	for _, v := range verdicts {
		if v.Weight <= 0 {
			continue
		}
		sum += v.RiskAdjustment * v.Weight
		weights += v.Weight
	}
	if weights == 0 {
		return Neutral
	}
	return math.Max(MinMultiplier, math.Min(MaxMultiplier, sum/weights))
}
