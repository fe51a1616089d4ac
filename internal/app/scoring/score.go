// Package scoring turns category results into a bounded score and a risk
// tier. It holds the pure stages of the pipeline: aggregation, the AI
// multiplier, false-positive reduction and classification.
package scoring

import (
	"math"

	"github.com/ahrav/riskscan/internal/domain/scanning"
)

// MaxScore sums the category budgets. The threat-intel category carries the
// source budget, so it is part of the denominator like any other category.
func MaxScore(categories []scanning.CategoryResult) float64 {
	var total float64
	for _, c := range categories {
		if c.MaxScore > 0 {
			total += c.MaxScore
		}
	}
	return total
}

// Aggregate returns the base score and its bound. Category scores already
// include threat-intel points, which are counted exactly once.
func Aggregate(categories []scanning.CategoryResult) (base, limit float64) {
	limit = MaxScore(categories)
	for _, c := range categories {
		base += c.Score
	}
	return Clamp(base, limit), limit
}

// Final applies the consensus multiplier to base and keeps the result
// within [0, limit].
func Final(base, multiplier, limit float64) float64 {
	return Clamp(base*multiplier, limit)
}

// Clamp bounds v to [0, limit]. NaN collapses to zero.
func Clamp(v, limit float64) float64 {
	switch {
	case math.IsNaN(v), v < 0, limit <= 0:
		return 0
	case v > limit:
		return limit
	default:
		return v
	}
}
