package config

import (
	"errors"
	"fmt"
	"math"
	"net/netip"

	"github.com/ahrav/riskscan/internal/domain/scanning"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// ErrNotFound is returned by repositories for unknown keys.
var ErrNotFound = errors.New("config entry not found")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func validFraction(v float64) bool { return !math.IsNaN(v) && v >= 0 && v <= 1 }

func validPoints(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0 }

// Validate reports every inconsistency in the snapshot.
func (s *Snapshot) Validate() error {
	var errs []error

	categories := make(map[string]struct{}, len(s.Categories))
	for _, c := range s.Categories {
		if c.Name == "" {
			errs = append(errs, invalid("category name is empty"))
			continue
		}
		if _, dup := categories[c.Name]; dup {
			errs = append(errs, invalid("duplicate category %q", c.Name))
		}
		categories[c.Name] = struct{}{}
	}

	checkIDs := make(map[string]struct{}, len(s.Checks))
	for _, c := range s.Checks {
		if _, dup := checkIDs[c.ID]; dup {
			errs = append(errs, invalid("duplicate check %q", c.ID))
		}
		checkIDs[c.ID] = struct{}{}
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, ok := categories[c.Category]; !ok {
			errs = append(errs, invalid("check %q references unknown category %q", c.ID, c.Category))
		}
	}

	names := make(map[string]struct{}, len(s.Sources))
	for _, src := range s.Sources {
		if _, dup := names[src.Name]; dup {
			errs = append(errs, invalid("duplicate source %q", src.Name))
		}
		names[src.Name] = struct{}{}
		if err := src.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	names = make(map[string]struct{}, len(s.Oracles))
	for _, o := range s.Oracles {
		if _, dup := names[o.Name]; dup {
			errs = append(errs, invalid("duplicate oracle %q", o.Name))
		}
		names[o.Name] = struct{}{}
		if err := o.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := ValidateThresholds(s.Thresholds); err != nil {
		errs = append(errs, err)
	}
	if err := s.Settings.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Validate checks a single definition in isolation.
func (d CheckDefinition) Validate() error {
	switch {
	case d.ID == "":
		return invalid("check id is empty")
	case d.Category == "":
		return invalid("check %q has no category", d.ID)
	case d.Category == ThreatIntelCategory:
		return invalid("check %q uses reserved category %q", d.ID, ThreatIntelCategory)
	case !validPoints(d.MaxPoints):
		return invalid("check %q max points must be a non-negative number", d.ID)
	case d.Timeout < 0:
		return invalid("check %q timeout is negative", d.ID)
	}
	for _, k := range d.Kinds {
		if k == scanning.TargetKindUnspecified {
			return invalid("check %q lists an unspecified kind", d.ID)
		}
	}
	return nil
}

// Validate checks a single source in isolation.
func (c SourceConfig) Validate() error {
	switch {
	case c.Name == "":
		return invalid("source name is empty")
	case !validPoints(c.Points):
		return invalid("source %q points must be a non-negative number", c.Name)
	case !validFraction(c.Confidence):
		return invalid("source %q confidence must be within [0,1]", c.Name)
	case c.Timeout < 0:
		return invalid("source %q timeout is negative", c.Name)
	case c.RateLimit < 0:
		return invalid("source %q rate limit is negative", c.Name)
	}
	switch c.Kind {
	case SourceKindURLhaus, SourceKindPhishTank, SourceKindList:
	case SourceKindSafeBrowsing:
		if c.Enabled && c.APIKey == "" {
			return invalid("source %q requires an api key", c.Name)
		}
	case SourceKindFeed:
		if c.Enabled && c.Endpoint == "" {
			return invalid("source %q requires an endpoint", c.Name)
		}
	default:
		return invalid("source %q has unknown kind %q", c.Name, c.Kind)
	}
	return nil
}

// Validate checks a single oracle in isolation.
func (c OracleConfig) Validate() error {
	switch {
	case c.Name == "":
		return invalid("oracle name is empty")
	case c.Kind != OracleKindOpenAI && c.Kind != OracleKindWebhook:
		return invalid("oracle %q has unknown kind %q", c.Name, c.Kind)
	case math.IsNaN(c.Weight) || math.IsInf(c.Weight, 0) || c.Weight < 0:
		return invalid("oracle %q weight must be a non-negative number", c.Name)
	case c.Enabled && c.Endpoint == "":
		return invalid("oracle %q requires an endpoint", c.Name)
	case c.Timeout < 0:
		return invalid("oracle %q timeout is negative", c.Name)
	}
	return nil
}

// ValidateThresholds requires strictly ascending tiers below Critical with
// strictly ascending ratios in (0, 1].
func ValidateThresholds(ts []TierThreshold) error {
	if len(ts) == 0 {
		return invalid("at least one tier threshold is required")
	}
	prevTier := scanning.RiskTier(-1)
	prevRatio := 0.0
	for _, t := range ts {
		if t.Tier >= scanning.RiskTierCritical || t.Tier < scanning.RiskTierSafe {
			return invalid("threshold tier %s cannot be bounded", t.Tier)
		}
		if t.Tier <= prevTier {
			return invalid("threshold tiers must be ascending, got %s after %s", t.Tier, prevTier)
		}
		if math.IsNaN(t.UpperRatio) || t.UpperRatio <= prevRatio || t.UpperRatio > 1 {
			return invalid("threshold ratio %v for %s must be ascending within (0,1]", t.UpperRatio, t.Tier)
		}
		prevTier, prevRatio = t.Tier, t.UpperRatio
	}
	return nil
}

// Validate checks the pipeline settings.
func (s Settings) Validate() error {
	switch {
	case s.GlobalTimeout <= 0:
		return invalid("global timeout must be positive")
	case s.ProbeTimeout <= 0 || s.FetchTimeout <= 0 || s.DefaultCheckTimeout <= 0:
		return invalid("probe, fetch and default check timeouts must be positive")
	case s.MaxEmbeddedURLs < 0:
		return invalid("max embedded urls is negative")
	case !validPoints(s.ThreatIntelMaxPoints):
		return invalid("threat-intel max points must be a non-negative number")
	case !validFraction(s.ShortCircuit.MinConfidence):
		return invalid("short-circuit confidence must be within [0,1]")
	case s.CacheTTL.Safe < 0 || s.CacheTTL.Low < 0 || s.CacheTTL.Medium < 0:
		return invalid("cache ttl is negative")
	}

	fp := s.FalsePositive
	for _, v := range []float64{fp.CDNReduction, fp.TrustedTLDReduction, fp.KnownSafeReduction, fp.PopularDomainReduction} {
		if !validFraction(v) {
			return invalid("false-positive reductions must be within [0,1]")
		}
	}
	for _, r := range fp.CDNRanges {
		if _, err := netip.ParsePrefix(r); err != nil {
			return invalid("cdn range %q: %v", r, err)
		}
	}
	return nil
}
