package scanning

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ahrav/riskscan/internal/app/checks"
	"github.com/ahrav/riskscan/internal/app/consensus"
	"github.com/ahrav/riskscan/internal/app/scoring"
	"github.com/ahrav/riskscan/internal/app/threatintel"
	"github.com/ahrav/riskscan/internal/domain/config"
	"github.com/ahrav/riskscan/internal/domain/events"
	domain "github.com/ahrav/riskscan/internal/domain/scanning"
)

const (
	// PipelineCategory holds diagnostics about the scan itself.
	PipelineCategory = "pipeline"
	// TimeoutCheckID identifies the finding added to partial results.
	TimeoutCheckID = "pipeline.timeout"
)

var errBudgetExhausted = errors.New("scan budget exhausted")

// stageOrder fixes the position, and so the progress percentage, of every
// stage.
var stageOrder = []string{
	events.StageReachability,
	events.StageThreatIntel,
	events.StageContext,
	events.StageCategories,
	events.StageAggregate,
	events.StageAIConsensus,
	events.StageFalsePositive,
	events.StageClassify,
}

// pipeline is the state of one scan run. Stages execute sequentially on
// the calling goroutine; only their internals fan out.
type pipeline struct {
	e      *Engine
	snap   *config.Snapshot
	sc     *domain.ScanContext
	res    domain.ScanResult
	budget time.Duration

	aggregated bool
	// cutAt names the stage the budget ran out in.
	cutAt string
}

func newPipeline(
	e *Engine,
	req domain.ScanRequest,
	target domain.Target,
	snap *config.Snapshot,
	now time.Time,
	budget time.Duration,
) *pipeline {
	return &pipeline{
		e:      e,
		snap:   snap,
		budget: budget,
		sc: &domain.ScanContext{
			Target:       target,
			Now:          now,
			GatherErrors: make(map[string]string),
		},
		res: domain.ScanResult{
			RequestID:     req.RequestID,
			Target:        target.Raw,
			Kind:          target.Kind,
			AIMultiplier:  consensus.Neutral,
			Categories:    []domain.CategoryResult{},
			TIVerdicts:    []domain.ThreatIntelVerdict{},
			AIVerdicts:    []domain.AIVerdict{},
			ConfigVersion: snap.Version,
			StartedAt:     now,
		},
	}
}

// execute runs the stages that can block. It stops after the first stage
// that returns with the budget spent; assemble finishes from there.
func (p *pipeline) execute(ctx context.Context) {
	shortCircuit := p.preflight(ctx)
	if p.cut(ctx, events.StageThreatIntel) {
		return
	}
	if shortCircuit {
		p.res.ShortCircuited = true
		p.e.metrics.IncShortCircuit(ctx)
		p.log(ctx, events.LevelWarn, "confident threat-intel match; remaining analysis skipped")
		return
	}

	p.gather(ctx)
	if p.cut(ctx, events.StageContext) {
		return
	}
	p.runChecks(ctx)
	if p.cut(ctx, events.StageCategories) {
		return
	}
	p.aggregate(ctx)
	p.consensus(ctx)
	p.cut(ctx, events.StageAIConsensus)
}

// cut reports whether the budget is spent, marking the result partial.
func (p *pipeline) cut(ctx context.Context, stage string) bool {
	if ctx.Err() == nil {
		return false
	}
	p.res.Partial = true
	p.cutAt = stage
	p.log(ctx, events.LevelWarn, fmt.Sprintf("scan budget of %s exhausted during %s", p.budget, stage))
	return true
}

// preflight probes the target and queries threat intel concurrently. It
// reports whether threat intel asked for a short circuit.
func (p *pipeline) preflight(ctx context.Context) bool {
	p.stageStart(ctx, events.StageReachability)
	p.stageStart(ctx, events.StageThreatIntel)

	var (
		reach domain.Reachability
		ti    threatintel.Outcome
		g     errgroup.Group
	)
	g.Go(func() error {
		reach = p.e.probe(ctx, p.sc.Target, p.snap)
		return nil
	})
	g.Go(func() error {
		ti = p.e.deps.ThreatIntel.Run(ctx, p.sc.Target, p.snap)
		return nil
	})
	_ = g.Wait()

	p.sc.Reachability = reach
	p.res.Reachability = reach.Summary()
	if p.sc.Target.Kind == domain.TargetKindURL && !p.sc.Reachable() {
		msg := fmt.Sprintf("target is %s; content checks skipped", reach.Status)
		if reach.Detail != "" {
			msg += ": " + reach.Detail
		}
		p.log(ctx, events.LevelWarn, msg)
	}
	p.stageComplete(ctx, events.StageReachability)

	p.res.TIVerdicts = ti.Verdicts
	p.res.UnavailableSources = ti.Unavailable
	for _, name := range ti.Unavailable {
		p.e.metrics.IncSourceUnavailable(ctx, name)
		p.log(ctx, events.LevelWarn, "threat-intel source "+name+" unavailable")
	}
	p.res.Categories = append(p.res.Categories, ti.Category)
	p.stageComplete(ctx, events.StageThreatIntel)

	return ti.ShortCircuit
}

func (p *pipeline) runChecks(ctx context.Context) {
	p.stageStart(ctx, events.StageCategories)
	defs := checks.Applicable(p.snap, p.sc)
	cats := p.e.deps.Checks.Run(ctx, p.sc, p.snap, defs, observer{p: p})
	p.res.Categories = orderCategories(p.snap, append(cats, p.res.Categories...))
	p.stageComplete(ctx, events.StageCategories)
}

func (p *pipeline) aggregate(ctx context.Context) {
	p.stageStart(ctx, events.StageAggregate)
	p.res.BaseScore, p.res.MaxScore = scoring.Aggregate(p.res.Categories)
	p.aggregated = true
	p.stageComplete(ctx, events.StageAggregate)
}

func (p *pipeline) consensus(ctx context.Context) {
	p.stageStart(ctx, events.StageAIConsensus)
	out := p.e.deps.Consensus.Run(ctx, p.evidence(), p.snap)
	p.res.AIMultiplier = out.Multiplier
	p.res.AIVerdicts = out.Verdicts
	p.res.FailedOracles = out.Failed
	for _, name := range out.Failed {
		p.e.metrics.IncOracleFailure(ctx, name)
		p.log(ctx, events.LevelWarn, "scoring oracle "+name+" gave no verdict")
	}
	p.stageComplete(ctx, events.StageAIConsensus)
}

func (p *pipeline) evidence() domain.Evidence {
	var findings []domain.Finding
	for _, c := range p.res.Categories {
		for _, f := range c.Findings {
			if !f.Failed {
				findings = append(findings, f)
			}
		}
	}
	return domain.Evidence{
		RequestID: p.res.RequestID,
		Target:    p.res.Target,
		Kind:      p.res.Kind,
		BaseScore: p.res.BaseScore,
		MaxScore:  p.res.MaxScore,
		Findings:  findings,
		Verdicts:  p.res.TIVerdicts,
	}
}

// assemble turns whatever completed into the terminal result. Scoring,
// false-positive reduction and classification never block, so they run
// for partial and short-circuited scans too.
func (p *pipeline) assemble(ctx context.Context) domain.ScanResult {
	if p.res.Partial {
		p.res.Categories = append(p.res.Categories, timeoutCategory(p.cutAt, p.budget))
	}
	if !p.aggregated {
		p.aggregate(ctx)
	}
	final := scoring.Final(p.res.BaseScore, p.res.AIMultiplier, p.res.MaxScore)

	p.stageStart(ctx, events.StageFalsePositive)
	final, p.res.FPAdjustments = scoring.NewFilter(p.snap).Apply(p.sc, final)
	for _, adj := range p.res.FPAdjustments {
		p.log(ctx, events.LevelInfo, fmt.Sprintf("%s: removed %.2f points (%s)", adj.Rule, adj.PointsRemoved, adj.Reason))
	}
	p.stageComplete(ctx, events.StageFalsePositive)

	p.stageStart(ctx, events.StageClassify)
	p.res.FinalScore = final
	p.res.RiskTier = scoring.Classify(final, p.res.MaxScore, p.snap.Thresholds)
	p.stageComplete(ctx, events.StageClassify)

	return p.res
}

func timeoutCategory(stage string, budget time.Duration) domain.CategoryResult {
	return domain.CategoryResult{
		Category: PipelineCategory,
		Findings: []domain.Finding{{
			CheckID:  TimeoutCheckID,
			Category: PipelineCategory,
			Severity: domain.SeverityInfo,
			Message:  fmt.Sprintf("scan budget of %s exhausted during %s; later stages skipped", budget, stage),
			Evidence: map[string]string{"stage": stage, "budget": budget.String()},
			Failed:   true,
		}},
	}
}

// orderCategories sorts categories into configured reporting order;
// unconfigured ones keep their relative order at the end.
func orderCategories(snap *config.Snapshot, cats []domain.CategoryResult) []domain.CategoryResult {
	names := snap.CategoryNames()
	rank := func(name string) int {
		if i := slices.Index(names, name); i >= 0 {
			return i
		}
		return len(names)
	}
	slices.SortStableFunc(cats, func(a, b domain.CategoryResult) int {
		return cmp.Compare(rank(a.Category), rank(b.Category))
	})
	return cats
}

func (p *pipeline) emit(ctx context.Context, evt events.ScanEvent) {
	evt.ScanID = p.res.RequestID
	p.e.deps.Events.Publish(ctx, evt)
}

func (p *pipeline) stageStart(ctx context.Context, stage string) {
	p.emit(ctx, events.ScanEvent{Type: events.EventTypeStageStart, Stage: stage})
}

func (p *pipeline) stageComplete(ctx context.Context, stage string) {
	p.emit(ctx, events.ScanEvent{Type: events.EventTypeStageComplete, Stage: stage})
	p.emit(ctx, events.ScanEvent{
		Type:    events.EventTypeProgress,
		Stage:   stage,
		Percent: (slices.Index(stageOrder, stage) + 1) * 100 / len(stageOrder),
	})
}

func (p *pipeline) log(ctx context.Context, level, msg string) {
	p.emit(ctx, events.ScanEvent{Type: events.EventTypeLog, Level: level, Message: msg})
}

// observer turns executor callbacks into check events.
type observer struct{ p *pipeline }

func (o observer) CheckStarted(ctx context.Context, def config.CheckDefinition) {
	o.p.emit(ctx, events.ScanEvent{
		Type:     events.EventTypeCheckStart,
		Stage:    events.StageCategories,
		CheckID:  def.ID,
		Category: def.Category,
	})
}

func (o observer) CheckCompleted(ctx context.Context, f domain.Finding) {
	o.p.emit(ctx, events.ScanEvent{
		Type:     events.EventTypeCheckComplete,
		Stage:    events.StageCategories,
		CheckID:  f.CheckID,
		Category: f.Category,
		Points:   f.PointsAwarded,
		Message:  f.Message,
	})
}
