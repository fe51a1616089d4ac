// Package config defines the engine configuration: check definitions,
// threat-intel sources, scoring oracles, tier thresholds and pipeline
// settings. A Snapshot is immutable once published; every scan works on its
// own copy.
package config

import (
	"slices"
	"time"

	"github.com/ahrav/riskscan/internal/domain/scanning"
)

// ThreatIntelCategory is the category under which threat-intel sources are
// budgeted and reported.
const ThreatIntelCategory = "threat_intel"

// CategoryDefinition names a group of checks sharing a score budget.
type CategoryDefinition struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// CheckDefinition configures one check. The check's behavior is looked up by
// ID; everything that affects scoring lives here.
type CheckDefinition struct {
	ID              string                `json:"id" yaml:"id"`
	Category        string                `json:"category" yaml:"category"`
	MaxPoints       float64               `json:"max_points" yaml:"max_points"`
	Severity        scanning.Severity     `json:"severity" yaml:"severity"`
	Enabled         bool                  `json:"enabled" yaml:"enabled"`
	Timeout         time.Duration         `json:"timeout" yaml:"timeout"`
	Kinds           []scanning.TargetKind `json:"kinds,omitempty" yaml:"kinds"`
	RequiresContent bool                  `json:"requires_content" yaml:"requires_content"`
	Params          map[string][]string   `json:"params,omitempty" yaml:"params"`
}

// AppliesTo reports whether the check runs for the given target kind. A
// definition without kinds applies to URLs only.
func (d CheckDefinition) AppliesTo(kind scanning.TargetKind) bool {
	if len(d.Kinds) == 0 {
		return kind == scanning.TargetKindURL
	}
	return slices.Contains(d.Kinds, kind)
}

// Param returns the string list configured under key, or def when unset.
func (d CheckDefinition) Param(key string, def []string) []string {
	if v, ok := d.Params[key]; ok && len(v) > 0 {
		return v
	}
	return def
}

// SourceKind selects the adapter for a threat-intel source.
type SourceKind string

const (
	SourceKindURLhaus      SourceKind = "urlhaus"
	SourceKindPhishTank    SourceKind = "phishtank"
	SourceKindSafeBrowsing SourceKind = "safebrowsing"
	SourceKindFeed         SourceKind = "feed"
	SourceKindList         SourceKind = "list"
)

// SourceConfig configures one threat-intel source.
type SourceConfig struct {
	Name            string        `json:"name" yaml:"name"`
	Kind            SourceKind    `json:"kind" yaml:"kind"`
	Enabled         bool          `json:"enabled" yaml:"enabled"`
	Endpoint        string        `json:"endpoint,omitempty" yaml:"endpoint"`
	APIKey          string        `json:"api_key,omitempty" yaml:"api_key"`
	Points          float64       `json:"points" yaml:"points"`
	Confidence      float64       `json:"confidence" yaml:"confidence"`
	Timeout         time.Duration `json:"timeout" yaml:"timeout"`
	RateLimit       float64       `json:"rate_limit,omitempty" yaml:"rate_limit"`
	RefreshInterval time.Duration `json:"refresh_interval,omitempty" yaml:"refresh_interval"`
	Entries         []string      `json:"entries,omitempty" yaml:"entries"`
}

// OracleKind selects the adapter for a scoring oracle.
type OracleKind string

const (
	OracleKindOpenAI  OracleKind = "openai"
	OracleKindWebhook OracleKind = "webhook"
)

// OracleConfig configures one AI scoring oracle.
type OracleConfig struct {
	Name     string        `json:"name" yaml:"name"`
	Kind     OracleKind    `json:"kind" yaml:"kind"`
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Endpoint string        `json:"endpoint" yaml:"endpoint"`
	APIKey   string        `json:"api_key,omitempty" yaml:"api_key"`
	Model    string        `json:"model,omitempty" yaml:"model"`
	Weight   float64       `json:"weight" yaml:"weight"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
}

// TierThreshold maps ratios up to and including UpperRatio to Tier. Ratios
// above the last threshold classify as Critical.
type TierThreshold struct {
	Tier       scanning.RiskTier `json:"tier" yaml:"tier"`
	UpperRatio float64           `json:"upper_ratio" yaml:"upper_ratio"`
}

// KnownSafeEntry is a manually reviewed domain or URL.
type KnownSafeEntry struct {
	Value   string    `json:"value" yaml:"value"`
	Reason  string    `json:"reason,omitempty" yaml:"reason"`
	AddedBy string    `json:"added_by,omitempty" yaml:"added_by"`
	AddedAt time.Time `json:"added_at" yaml:"added_at"`
}

// ShortCircuitPolicy controls early termination on confirmed threats.
type ShortCircuitPolicy struct {
	Enabled       bool    `json:"enabled" yaml:"enabled"`
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence"`
}

// CacheTTLPolicy is the result cache lifetime per tier. Zero means never
// cached.
type CacheTTLPolicy struct {
	Safe     time.Duration `json:"safe" yaml:"safe"`
	Low      time.Duration `json:"low" yaml:"low"`
	Medium   time.Duration `json:"medium" yaml:"medium"`
	High     time.Duration `json:"high" yaml:"high"`
	Critical time.Duration `json:"critical" yaml:"critical"`
}

// For returns the TTL for tier. High and Critical are never cached,
// whatever is configured.
func (p CacheTTLPolicy) For(tier scanning.RiskTier) time.Duration {
	switch tier {
	case scanning.RiskTierSafe:
		return p.Safe
	case scanning.RiskTierLow:
		return p.Low
	case scanning.RiskTierMedium:
		return p.Medium
	default:
		return 0
	}
}

// FalsePositivePolicy configures the post-scoring reductions. Reductions are
// fractions of the score in [0, 1].
type FalsePositivePolicy struct {
	CDNRanges              []string `json:"cdn_ranges" yaml:"cdn_ranges"`
	CDNReduction           float64  `json:"cdn_reduction" yaml:"cdn_reduction"`
	TrustedTLDs            []string `json:"trusted_tlds" yaml:"trusted_tlds"`
	TrustedTLDReduction    float64  `json:"trusted_tld_reduction" yaml:"trusted_tld_reduction"`
	KnownSafeReduction     float64  `json:"known_safe_reduction" yaml:"known_safe_reduction"`
	PopularDomains         []string `json:"popular_domains" yaml:"popular_domains"`
	PopularDomainReduction float64  `json:"popular_domain_reduction" yaml:"popular_domain_reduction"`
}

// Settings are the pipeline-wide knobs.
type Settings struct {
	GlobalTimeout       time.Duration `json:"global_timeout" yaml:"global_timeout"`
	ProbeTimeout        time.Duration `json:"probe_timeout" yaml:"probe_timeout"`
	FetchTimeout        time.Duration `json:"fetch_timeout" yaml:"fetch_timeout"`
	DefaultCheckTimeout time.Duration `json:"default_check_timeout" yaml:"default_check_timeout"`
	MaxEmbeddedURLs     int           `json:"max_embedded_urls" yaml:"max_embedded_urls"`

	// ThreatIntelMaxPoints caps the threat-intel category budget. Zero
	// leaves it at the sum of enabled source points.
	ThreatIntelMaxPoints float64 `json:"threat_intel_max_points" yaml:"threat_intel_max_points"`

	ShortCircuit  ShortCircuitPolicy  `json:"short_circuit" yaml:"short_circuit"`
	CacheTTL      CacheTTLPolicy      `json:"cache_ttl" yaml:"cache_ttl"`
	FalsePositive FalsePositivePolicy `json:"false_positive" yaml:"false_positive"`
}

// Snapshot is an immutable view of the whole configuration.
type Snapshot struct {
	Version    uint64               `json:"version" yaml:"-"`
	LoadedAt   time.Time            `json:"loaded_at" yaml:"-"`
	Origin     string               `json:"origin" yaml:"-"`
	Categories []CategoryDefinition `json:"categories" yaml:"categories"`
	Checks     []CheckDefinition    `json:"checks" yaml:"checks"`
	Sources    []SourceConfig       `json:"sources" yaml:"sources"`
	Oracles    []OracleConfig       `json:"oracles" yaml:"oracles"`
	Thresholds []TierThreshold      `json:"thresholds" yaml:"thresholds"`
	KnownSafe  []KnownSafeEntry     `json:"known_safe" yaml:"known_safe"`
	Settings   Settings             `json:"settings" yaml:"settings"`
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Categories = slices.Clone(s.Categories)
	out.Checks = make([]CheckDefinition, len(s.Checks))
	for i, c := range s.Checks {
		c.Kinds = slices.Clone(c.Kinds)
		if c.Params != nil {
			params := make(map[string][]string, len(c.Params))
			for k, v := range c.Params {
				params[k] = slices.Clone(v)
			}
			c.Params = params
		}
		out.Checks[i] = c
	}
	out.Sources = make([]SourceConfig, len(s.Sources))
	for i, src := range s.Sources {
		src.Entries = slices.Clone(src.Entries)
		out.Sources[i] = src
	}
	out.Oracles = slices.Clone(s.Oracles)
	out.Thresholds = slices.Clone(s.Thresholds)
	out.KnownSafe = slices.Clone(s.KnownSafe)
	fp := s.Settings.FalsePositive
	fp.CDNRanges = slices.Clone(fp.CDNRanges)
	fp.TrustedTLDs = slices.Clone(fp.TrustedTLDs)
	fp.PopularDomains = slices.Clone(fp.PopularDomains)
	out.Settings.FalsePositive = fp
	return &out
}

// Redacted returns a copy with credentials masked, suitable for display.
func (s *Snapshot) Redacted() *Snapshot {
	out := s.Clone()
	for i := range out.Sources {
		out.Sources[i].APIKey = redact(out.Sources[i].APIKey)
	}
	for i := range out.Oracles {
		out.Oracles[i].APIKey = redact(out.Oracles[i].APIKey)
	}
	return out
}

func redact(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// Check returns the definition with the given id.
func (s *Snapshot) Check(id string) (CheckDefinition, bool) {
	for _, c := range s.Checks {
		if c.ID == id {
			return c, true
		}
	}
	return CheckDefinition{}, false
}

// EnabledSources returns the enabled threat-intel sources in configured order.
func (s *Snapshot) EnabledSources() []SourceConfig {
	var out []SourceConfig
	for _, src := range s.Sources {
		if src.Enabled {
			out = append(out, src)
		}
	}
	return out
}

// EnabledOracles returns the enabled oracles with a positive weight.
func (s *Snapshot) EnabledOracles() []OracleConfig {
	var out []OracleConfig
	for _, o := range s.Oracles {
		if o.Enabled && o.Weight > 0 {
			out = append(out, o)
		}
	}
	return out
}

// CategoryNames returns category names in reporting order.
func (s *Snapshot) CategoryNames() []string {
	names := make([]string, 0, len(s.Categories))
	for _, c := range s.Categories {
		names = append(names, c.Name)
	}
	return names
}
