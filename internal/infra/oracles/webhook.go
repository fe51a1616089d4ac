package oracles

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/ahrav/riskscan/internal/domain/scanning"
)

// Webhook posts the evidence as JSON to a scoring service and expects
// {"risk_adjustment", "confidence", "rationale", "model"} back.
type Webhook struct{ remote }

// Name implements scanning.Oracle.
func (w *Webhook) Name() string { return w.name }

// Score implements scanning.Oracle.
func (w *Webhook) Score(ctx context.Context, evidence scanning.Evidence) (scanning.AIVerdict, error) {
	var raw rawVerdict
	if err := w.postJSON(ctx, w.endpoint, evidence, &raw); err != nil {
		return scanning.AIVerdict{}, err
	}
	if raw.Model == "" {
		raw.Model = w.model
	}
	return toVerdict(w.name, raw)
}

func toVerdict(name string, raw rawVerdict) (scanning.AIVerdict, error) {
	if raw.RiskAdjustment == nil {
		return scanning.AIVerdict{}, fmt.Errorf("%s: %w", name, errNoAdjustment)
	}
	return scanning.AIVerdict{
		Model:          raw.Model,
		RiskAdjustment: *raw.RiskAdjustment,
		Confidence:     raw.Confidence,
		Rationale:      raw.Rationale,
	}, nil
}

func sortByPoints(fs []scanning.Finding) {
	slices.SortStableFunc(fs, func(a, b scanning.Finding) int {
		return cmp.Compare(b.PointsAwarded, a.PointsAwarded)
	})
}
