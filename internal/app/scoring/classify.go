package scoring

import (
	"cmp"
	"slices"

	"github.com/ahrav/riskscan/internal/domain/config"
	"github.com/ahrav/riskscan/internal/domain/scanning"
)

// boundaryEpsilon absorbs float error so a score landing exactly on a
// threshold stays in the lower tier.
const boundaryEpsilon = 1e-9

// Ratio returns score/limit, or zero when nothing could score.
func Ratio(score, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return Clamp(score, limit) / limit
}

// Classify maps score/limit through thresholds. A ratio equal to a
// threshold's UpperRatio belongs to that threshold's tier; ratios above the
// last threshold are Critical. With no table a zero ratio is Safe and
// anything else Critical.
func Classify(score, limit float64, thresholds []config.TierThreshold) scanning.RiskTier {
	ratio := Ratio(score, limit)
	if len(thresholds) == 0 {
		if ratio == 0 {
			return scanning.RiskTierSafe
		}
		return scanning.RiskTierCritical
	}

	sorted := slices.Clone(thresholds)
	slices.SortStableFunc(sorted, func(a, b config.TierThreshold) int {
		return cmp.Compare(a.UpperRatio, b.UpperRatio)
	})
	for _, t := range sorted {
		if ratio <= t.UpperRatio+boundaryEpsilon {
			return t.Tier
		}
	}
	return scanning.RiskTierCritical
}
