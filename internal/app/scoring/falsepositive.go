package scoring

import (
	"fmt"
	"math"
	"net/netip"
	"slices"
	"strings"

	"github.com/ahrav/riskscan/internal/domain/config"
	"github.com/ahrav/riskscan/internal/domain/scanning"
)

// Reduction removes a fraction of a score. Its fraction is confined to
// [0, 1] at construction, so applying one can lower a score or leave it
// unchanged but never raise it.
type Reduction struct {
	rule     string
	reason   string
	fraction float64
}

// NewReduction builds a Reduction; fractions outside [0, 1] are clamped and
// NaN becomes zero.
func NewReduction(rule, reason string, fraction float64) Reduction {
	switch {
	case math.IsNaN(fraction), fraction < 0:
		fraction = 0
	case fraction > 1:
		fraction = 1
	}
	return Reduction{rule: rule, reason: reason, fraction: fraction}
}

// Rule names the reduction.
func (r Reduction) Rule() string { return r.rule }

// Apply returns the reduced score and the record of what was removed.
func (r Reduction) Apply(score float64) (float64, scanning.FalsePositiveAdjustment) {
	if score <= 0 || math.IsNaN(score) {
		return 0, scanning.FalsePositiveAdjustment{Rule: r.rule, Reason: r.reason}
	}
	removed := score * r.fraction
	return score - removed, scanning.FalsePositiveAdjustment{
		Rule:          r.rule,
		Reason:        r.reason,
		PointsRemoved: removed,
	}
}

// Rule names for the built-in reductions.
const (
	RuleKnownSafe     = "known_safe"
	RulePopularDomain = "popular_domain"
	RuleTrustedTLD    = "trusted_tld"
	RuleCDN           = "cdn_range"
)

// Filter is the false-positive stage for one configuration snapshot.
type Filter struct {
	policy    config.FalsePositivePolicy
	knownSafe []config.KnownSafeEntry
	cdn       []netip.Prefix
}

// NewFilter prepares a Filter from snap. Unparsable CDN ranges are skipped;
// configuration validation rejects them before they are stored.
func NewFilter(snap *config.Snapshot) *Filter {
	policy := snap.Settings.FalsePositive
	f := &Filter{policy: policy, knownSafe: snap.KnownSafe}
	for _, raw := range policy.CDNRanges {
		if p, err := netip.ParsePrefix(strings.TrimSpace(raw)); err == nil {
			f.cdn = append(f.cdn, p.Masked())
		}
	}
	return f
}

// Reductions returns every reduction that applies to the scan. Only URL
// targets qualify; content with embedded links is never discounted.
func (f *Filter) Reductions(sc *scanning.ScanContext) []Reduction {
	target := sc.Target
	if target.Kind != scanning.TargetKindURL || target.URL == nil {
		return nil
	}
	host := strings.ToLower(target.Host)

	var out []Reduction
	if entry, ok := f.knownSafeMatch(target); ok {
		reason := fmt.Sprintf("%s was reviewed as safe", entry.Value)
		if entry.AddedBy != "" {
			reason += " by " + entry.AddedBy
		}
		out = append(out, NewReduction(RuleKnownSafe, reason, f.policy.KnownSafeReduction))
	}
	if slices.Contains(lowered(f.policy.PopularDomains), host) {
		out = append(out, NewReduction(RulePopularDomain, host+" is a high-traffic domain", f.policy.PopularDomainReduction))
	}
	if tld, ok := f.trustedTLD(host); ok {
		out = append(out, NewReduction(RuleTrustedTLD, "registered under restricted ."+tld, f.policy.TrustedTLDReduction))
	}
	if prefix, ok := f.cdnMatch(sc.Addresses()); ok {
		out = append(out, NewReduction(RuleCDN, "every address is inside CDN range "+prefix.String(), f.policy.CDNReduction))
	}
	return out
}

// Apply runs every applicable reduction in order, each on what the
// previous one left. The result is never above score.
func (f *Filter) Apply(sc *scanning.ScanContext, score float64) (float64, []scanning.FalsePositiveAdjustment) {
	var adjustments []scanning.FalsePositiveAdjustment
	for _, r := range f.Reductions(sc) {
		var adj scanning.FalsePositiveAdjustment
		score, adj = r.Apply(score)
		if adj.PointsRemoved > 0 {
			adjustments = append(adjustments, adj)
		}
	}
	return score, adjustments
}

// knownSafeMatch compares entries strictly: a URL entry must equal the
// normalized target URL, a domain entry must equal the host or the
// registrable domain.
func (f *Filter) knownSafeMatch(target scanning.Target) (config.KnownSafeEntry, bool) {
	host := strings.ToLower(target.Host)
	reg := strings.ToLower(target.RegistrableDomain)
	for _, e := range f.knownSafe {
		v := strings.TrimSpace(e.Value)
		if v == "" {
			continue
		}
		if strings.Contains(v, "://") {
			u, err := scanning.NormalizeURL(v)
			if err == nil && u.String() == target.URL.String() {
				return e, true
			}
			continue
		}
		v = strings.TrimSuffix(strings.ToLower(v), ".")
		if v == host || v == reg {
			return e, true
		}
	}
	return config.KnownSafeEntry{}, false
}

func (f *Filter) trustedTLD(host string) (string, bool) {
	if scanning.IsIPHost(host) {
		return "", false
	}
	suffix := scanning.PublicSuffix(host)
	for _, tld := range lowered(f.policy.TrustedTLDs) {
		tld = strings.TrimPrefix(tld, ".")
		if suffix == tld || strings.HasSuffix(suffix, "."+tld) {
			return tld, true
		}
	}
	return "", false
}

// cdnMatch requires every known address to sit inside a CDN range; a host
// with one address outside them gets no discount.
func (f *Filter) cdnMatch(addrs []netip.Addr) (netip.Prefix, bool) {
	if len(addrs) == 0 || len(f.cdn) == 0 {
		return netip.Prefix{}, false
	}
	var first netip.Prefix
	for i, a := range addrs {
		a = a.Unmap()
		idx := slices.IndexFunc(f.cdn, func(p netip.Prefix) bool { return p.Contains(a) })
		if idx < 0 {
			return netip.Prefix{}, false
		}
		if i == 0 {
			first = f.cdn[idx]
		}
	}
	return first, true
}

func lowered(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}
