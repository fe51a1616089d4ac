package scoring

import (
	"math"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/riskscan/internal/domain/config"
	"github.com/ahrav/riskscan/internal/domain/scanning"
)

func TestAggregate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		categories []scanning.CategoryResult
		wantBase   float64
		wantMax    float64
	}{
		{name: "no categories", wantBase: 0, wantMax: 0},
		{
			name: "threat intel counted once with the rest",
			categories: []scanning.CategoryResult{
				{Category: "domain", Score: 20, MaxScore: 40},
				{Category: "ssl", Score: 0, MaxScore: 25},
				{Category: config.ThreatIntelCategory, Score: 40, MaxScore: 50},
			},
			wantBase: 60,
			wantMax:  115,
		},
		{
			name: "empty budget category adds nothing",
			categories: []scanning.CategoryResult{
				{Category: "domain", Score: 10, MaxScore: 10},
				{Category: "content", Findings: []scanning.Finding{}},
			},
			wantBase: 10,
			wantMax:  10,
		},
		{
			name: "clamped to the budget",
			categories: []scanning.CategoryResult{
				{Category: "domain", Score: 30, MaxScore: 10},
			},
			wantBase: 10,
			wantMax:  10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			base, limit := Aggregate(tt.categories)
			assert.Equal(t, tt.wantBase, base)
			assert.Equal(t, tt.wantMax, limit)
			assert.GreaterOrEqual(t, base, 0.0)
			assert.LessOrEqual(t, base, limit)
		})
	}
}

func TestFinal(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 65.0, Final(50, 1.3, 100))
	assert.Equal(t, 100.0, Final(90, 1.3, 100))
	assert.Equal(t, 35.0, Final(50, 0.7, 100))
	assert.Equal(t, 50.0, Final(50, 1.0, 100))
	assert.Zero(t, Final(50, 1.3, 0))
	assert.Zero(t, Clamp(math.NaN(), 10))
	assert.Zero(t, Clamp(-4, 10))
}

func TestClassify_Boundaries(t *testing.T) {
	t.Parallel()

	thresholds := config.DefaultThresholds()
	const limit = 273.0
	nextTier := map[scanning.RiskTier]scanning.RiskTier{}
	for i, th := range thresholds {
		if i+1 < len(thresholds) {
			nextTier[th.Tier] = thresholds[i+1].Tier
		} else {
			nextTier[th.Tier] = scanning.RiskTierCritical
		}
	}

	for _, th := range thresholds {
		t.Run(th.Tier.String(), func(t *testing.T) {
			t.Parallel()
			exact := th.UpperRatio * limit
			assert.Equal(t, th.Tier, Classify(exact, limit, thresholds), "exact boundary stays in the lower tier")
			assert.Equal(t, nextTier[th.Tier], Classify(exact+0.01, limit, thresholds), "just above moves up")
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	custom := []config.TierThreshold{
		{Tier: scanning.RiskTierHigh, UpperRatio: 0.8},
		{Tier: scanning.RiskTierSafe, UpperRatio: 0.15},
		{Tier: scanning.RiskTierMedium, UpperRatio: 0.6},
		{Tier: scanning.RiskTierLow, UpperRatio: 0.3},
	}

	tests := []struct {
		name       string
		score      float64
		limit      float64
		thresholds []config.TierThreshold
		want       scanning.RiskTier
	}{
		{name: "zero budget is safe", score: 0, limit: 0, thresholds: custom, want: scanning.RiskTierSafe},
		{name: "unordered table exact 15%", score: 15, limit: 100, thresholds: custom, want: scanning.RiskTierSafe},
		{name: "unordered table exact 30%", score: 30, limit: 100, thresholds: custom, want: scanning.RiskTierLow},
		{name: "unordered table exact 60%", score: 60, limit: 100, thresholds: custom, want: scanning.RiskTierMedium},
		{name: "unordered table exact 80%", score: 80, limit: 100, thresholds: custom, want: scanning.RiskTierHigh},
		{name: "above the table", score: 80.5, limit: 100, thresholds: custom, want: scanning.RiskTierCritical},
		{name: "full score", score: 100, limit: 100, thresholds: custom, want: scanning.RiskTierCritical},
		{name: "no table zero", score: 0, limit: 100, want: scanning.RiskTierSafe},
		{name: "no table nonzero", score: 1, limit: 100, want: scanning.RiskTierCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.score, tt.limit, tt.thresholds))
		})
	}
}

func TestReduction_NeverIncreases(t *testing.T) {
	t.Parallel()

	for _, fraction := range []float64{-2, 0, 0.25, 1, 7, math.NaN(), math.Inf(-1)} {
		r := NewReduction("rule", "reason", fraction)
		for _, score := range []float64{0, 1, 42.5, 1000} {
			got, adj := r.Apply(score)
			assert.LessOrEqual(t, got, score)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.InDelta(t, score-got, adj.PointsRemoved, 1e-9)
		}
	}
}

func urlScan(t *testing.T, raw string, addrs ...string) *scanning.ScanContext {
	t.Helper()
	tgt, err := scanning.ParseTarget(scanning.NewScanRequest(raw, scanning.TargetKindURL, ""), 5)
	require.NoError(t, err)
	sc := &scanning.ScanContext{Target: tgt}
	for _, a := range addrs {
		sc.Reachability.Addresses = append(sc.Reachability.Addresses, netip.MustParseAddr(a))
	}
	return sc
}

func fpSnapshot() *config.Snapshot {
	snap := config.DefaultSnapshot()
	snap.Settings.FalsePositive = config.FalsePositivePolicy{
		CDNRanges:              []string{"104.16.0.0/13", "2606:4700::/32"},
		CDNReduction:           0.2,
		TrustedTLDs:            []string{"gov", "edu", "gov.uk"},
		TrustedTLDReduction:    0.5,
		KnownSafeReduction:     0.9,
		PopularDomains:         []string{"www.example.com"},
		PopularDomainReduction: 0.6,
	}
	snap.KnownSafe = []config.KnownSafeEntry{
		{Value: "reviewed.example.org", AddedBy: "analyst"},
		{Value: "https://shop.example.net/Checkout"},
	}
	return snap
}

func TestFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		sc        func(t *testing.T) *scanning.ScanContext
		wantRules []string
		wantScore float64
	}{
		{
			name:      "no rule applies",
			sc:        func(t *testing.T) *scanning.ScanContext { return urlScan(t, "https://unknown.example.io/", "8.8.8.8") },
			wantScore: 100,
		},
		{
			name:      "known safe registrable domain",
			sc:        func(t *testing.T) *scanning.ScanContext { return urlScan(t, "https://login.reviewed.example.org/a") },
			wantRules: []string{RuleKnownSafe},
			wantScore: 10,
		},
		{
			name:      "known safe url is exact",
			sc:        func(t *testing.T) *scanning.ScanContext { return urlScan(t, "https://shop.example.net/Checkout") },
			wantRules: []string{RuleKnownSafe},
			wantScore: 10,
		},
		{
			name:      "known safe url does not cover siblings",
			sc:        func(t *testing.T) *scanning.ScanContext { return urlScan(t, "https://shop.example.net/checkout/other") },
			wantScore: 100,
		},
		{
			name:      "known safe never matches by substring",
			sc:        func(t *testing.T) *scanning.ScanContext { return urlScan(t, "https://reviewed.example.org.evil.io/") },
			wantScore: 100,
		},
		{
			name:      "popular host is exact",
			sc:        func(t *testing.T) *scanning.ScanContext { return urlScan(t, "https://www.example.com/") },
			wantRules: []string{RulePopularDomain},
			wantScore: 40,
		},
		{
			name:      "popular list ignores other subdomains",
			sc:        func(t *testing.T) *scanning.ScanContext { return urlScan(t, "https://sites.example.com/") },
			wantScore: 100,
		},
		{
			name:      "trusted tld compounds with cdn",
			sc:        func(t *testing.T) *scanning.ScanContext { return urlScan(t, "https://tax.agency.gov/", "104.16.1.1", "2606:4700::1") },
			wantRules: []string{RuleTrustedTLD, RuleCDN},
			wantScore: 40,
		},
		{
			name:      "multi label trusted suffix",
			sc:        func(t *testing.T) *scanning.ScanContext { return urlScan(t, "https://www.service.gov.uk/") },
			wantRules: []string{RuleTrustedTLD},
			wantScore: 50,
		},
		{
			name:      "one address outside the cdn",
			sc:        func(t *testing.T) *scanning.ScanContext { return urlScan(t, "https://cdn.example.io/", "104.16.1.1", "8.8.8.8") },
			wantScore: 100,
		},
		{
			name: "content targets are never discounted",
			sc: func(t *testing.T) *scanning.ScanContext {
				tgt, err := scanning.ParseTarget(scanning.NewScanRequest("see https://www.example.com", scanning.TargetKindMessage, ""), 5)
				require.NoError(t, err)
				return &scanning.ScanContext{Target: tgt}
			},
			wantScore: 100,
		},
	}

	f := NewFilter(fpSnapshot())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, adjustments := f.Apply(tt.sc(t), 100)
			assert.InDelta(t, tt.wantScore, got, 1e-9)
			assert.LessOrEqual(t, got, 100.0)

			var rules []string
			var removed float64
			for _, a := range adjustments {
				rules = append(rules, a.Rule)
				removed += a.PointsRemoved
				assert.NotEmpty(t, a.Reason)
			}
			assert.Equal(t, tt.wantRules, rules)
			assert.InDelta(t, 100-got, removed, 1e-9)
		})
	}
}

func TestFilter_ZeroScoreRecordsNothing(t *testing.T) {
	t.Parallel()

	got, adjustments := NewFilter(fpSnapshot()).Apply(urlScan(t, "https://www.example.com/"), 0)
	assert.Zero(t, got)
	assert.Empty(t, adjustments)
}
