package scanning

import (
	"maps"
	"slices"
	"time"
)

// Finding is the immutable outcome of one check invocation.
type Finding struct {
	CheckID       string            `json:"check_id"`
	Category      string            `json:"category"`
	Severity      Severity          `json:"severity"`
	PointsAwarded float64           `json:"points_awarded"`
	MaxPoints     float64           `json:"max_points"`
	Message       string            `json:"message"`
	Evidence      map[string]string `json:"evidence,omitempty"`
	// Failed marks a diagnostic finding for a check that errored or timed out.
	Failed bool `json:"failed,omitempty"`
}

// CategoryResult groups the findings of one category. Score never exceeds
// MaxScore.
type CategoryResult struct {
	Category string    `json:"category"`
	Score    float64   `json:"score"`
	MaxScore float64   `json:"max_score"`
	Findings []Finding `json:"findings"`
}

// ThreatIntelVerdict is the normalized answer of one reputation source.
type ThreatIntelVerdict struct {
	Source        string    `json:"source"`
	Matched       bool      `json:"matched"`
	MatchType     MatchType `json:"match_type"`
	MatchedEntry  string    `json:"matched_entry,omitempty"`
	Confidence    float64   `json:"confidence"`
	PointsAwarded float64   `json:"points_awarded"`
}

// AIVerdict is the answer of one scoring oracle that responded in time.
type AIVerdict struct {
	Model          string  `json:"model"`
	RiskAdjustment float64 `json:"risk_adjustment"`
	Confidence     float64 `json:"confidence"`
	Rationale      string  `json:"rationale,omitempty"`
	Weight         float64 `json:"weight"`
}

// FalsePositiveAdjustment records one reduction applied after scoring.
type FalsePositiveAdjustment struct {
	Rule          string  `json:"rule"`
	Reason        string  `json:"reason"`
	PointsRemoved float64 `json:"points_removed"`
}

// ReachabilitySummary is the serializable part of the pre-flight probe.
type ReachabilitySummary struct {
	Status    ReachabilityStatus `json:"status"`
	Addresses []string           `json:"addresses,omitempty"`
	LatencyMs int64              `json:"latency_ms"`
	Detail    string             `json:"detail,omitempty"`
}

// ScanResult is the terminal output of a scan.
type ScanResult struct {
	RequestID          string                    `json:"request_id"`
	Target             string                    `json:"target"`
	Kind               TargetKind                `json:"kind"`
	BaseScore          float64                   `json:"base_score"`
	MaxScore           float64                   `json:"max_score"`
	AIMultiplier       float64                   `json:"ai_multiplier"`
	FinalScore         float64                   `json:"final_score"`
	RiskTier           RiskTier                  `json:"risk_tier"`
	Categories         []CategoryResult          `json:"categories"`
	TIVerdicts         []ThreatIntelVerdict      `json:"ti_verdicts"`
	AIVerdicts         []AIVerdict               `json:"ai_verdicts"`
	UnavailableSources []string                  `json:"unavailable_sources,omitempty"`
	FailedOracles      []string                  `json:"failed_oracles,omitempty"`
	FPAdjustments      []FalsePositiveAdjustment `json:"fp_adjustments,omitempty"`
	Reachability       ReachabilitySummary       `json:"reachability"`
	Cached             bool                      `json:"cached"`
	ShortCircuited     bool                      `json:"short_circuited"`
	Partial            bool                      `json:"partial"`
	DurationMs         int64                     `json:"duration_ms"`
	ConfigVersion      uint64                    `json:"config_version"`
	StartedAt          time.Time                 `json:"started_at"`
}

// Clone returns a deep copy so cached results can be handed out without
// sharing backing arrays.
func (r ScanResult) Clone() ScanResult {
	out := r
	out.Categories = make([]CategoryResult, len(r.Categories))
	for i, c := range r.Categories {
		c.Findings = cloneFindings(c.Findings)
		out.Categories[i] = c
	}
	out.TIVerdicts = slices.Clone(r.TIVerdicts)
	out.AIVerdicts = slices.Clone(r.AIVerdicts)
	out.UnavailableSources = slices.Clone(r.UnavailableSources)
	out.FailedOracles = slices.Clone(r.FailedOracles)
	out.FPAdjustments = slices.Clone(r.FPAdjustments)
	out.Reachability.Addresses = slices.Clone(r.Reachability.Addresses)
	return out
}

// Findings returns every finding across all categories.
func (r ScanResult) Findings() []Finding {
	var out []Finding
	for _, c := range r.Categories {
		out = append(out, c.Findings...)
	}
	return out
}

// Category returns the named category result.
func (r ScanResult) Category(name string) (CategoryResult, bool) {
	for _, c := range r.Categories {
		if c.Category == name {
			return c, true
		}
	}
	return CategoryResult{}, false
}

func cloneFindings(in []Finding) []Finding {
	if in == nil {
		return nil
	}
	out := make([]Finding, len(in))
	for i, f := range in {
		f.Evidence = maps.Clone(f.Evidence)
		out[i] = f
	}
	return out
}
