package scanning

import (
	"fmt"
	"strings"
)

// TargetKind identifies what a scan request carries.
type TargetKind int32

const (
	// TargetKindUnspecified is the zero value and never valid in a request.
	TargetKindUnspecified TargetKind = iota
	// TargetKindURL is a single URL.
	TargetKindURL
	// TargetKindMessage is free-form message text that may embed URLs.
	TargetKindMessage
	// TargetKindFileText is text extracted from an uploaded file.
	TargetKindFileText
)

var targetKindNames = [...]string{
	TargetKindUnspecified: "unspecified",
	TargetKindURL:         "url",
	TargetKindMessage:     "message",
	TargetKindFileText:    "file_text",
}

// String returns the wire representation of the kind.
func (k TargetKind) String() string {
	if k < 0 || int(k) >= len(targetKindNames) {
		return targetKindNames[TargetKindUnspecified]
	}
	return targetKindNames[k]
}

// Int32 returns the numeric value of the kind.
func (k TargetKind) Int32() int32 { return int32(k) }

// ParseTargetKind converts a wire value into a TargetKind.
func ParseTargetKind(s string) (TargetKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "url":
		return TargetKindURL, nil
	case "message":
		return TargetKindMessage, nil
	case "file_text", "file-text", "file":
		return TargetKindFileText, nil
	default:
		return TargetKindUnspecified, fmt.Errorf("unknown target kind %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k TargetKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *TargetKind) UnmarshalText(b []byte) error {
	v, err := ParseTargetKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Severity is the ordered impact level of a finding.
type Severity int32

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{
	SeverityInfo:     "INFO",
	SeverityLow:      "LOW",
	SeverityMedium:   "MEDIUM",
	SeverityHigh:     "HIGH",
	SeverityCritical: "CRITICAL",
}

// String returns the canonical upper-case name.
func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return "UNKNOWN"
	}
	return severityNames[s]
}

// Int32 returns the numeric value of the severity.
func (s Severity) Int32() int32 { return int32(s) }

// ParseSeverity converts a case-insensitive name into a Severity.
func ParseSeverity(s string) (Severity, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for i, name := range severityNames {
		if name == up {
			return Severity(i), nil
		}
	}
	return SeverityInfo, fmt.Errorf("unknown severity %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// RiskTier is the discrete classification of a final score ratio.
type RiskTier int32

const (
	RiskTierSafe RiskTier = iota
	RiskTierLow
	RiskTierMedium
	RiskTierHigh
	RiskTierCritical
)

var riskTierNames = [...]string{
	RiskTierSafe:     "SAFE",
	RiskTierLow:      "LOW",
	RiskTierMedium:   "MEDIUM",
	RiskTierHigh:     "HIGH",
	RiskTierCritical: "CRITICAL",
}

// AllRiskTiers lists every tier from least to most risky.
func AllRiskTiers() []RiskTier {
	return []RiskTier{RiskTierSafe, RiskTierLow, RiskTierMedium, RiskTierHigh, RiskTierCritical}
}

// String returns the canonical upper-case name.
func (t RiskTier) String() string {
	if t < 0 || int(t) >= len(riskTierNames) {
		return "UNKNOWN"
	}
	return riskTierNames[t]
}

// Int32 returns the numeric value of the tier.
func (t RiskTier) Int32() int32 { return int32(t) }

// ParseRiskTier converts a case-insensitive name into a RiskTier.
func ParseRiskTier(s string) (RiskTier, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for i, name := range riskTierNames {
		if name == up {
			return RiskTier(i), nil
		}
	}
	return RiskTierSafe, fmt.Errorf("unknown risk tier %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t RiskTier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *RiskTier) UnmarshalText(b []byte) error {
	v, err := ParseRiskTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// MatchType records which strict-matching rule produced a threat-intel hit.
type MatchType int32

const (
	MatchTypeNone MatchType = iota
	MatchTypeExact
	MatchTypeProtocolAgnostic
	MatchTypeDomainExact
)

var matchTypeNames = [...]string{
	MatchTypeNone:             "none",
	MatchTypeExact:            "exact",
	MatchTypeProtocolAgnostic: "protocol_agnostic",
	MatchTypeDomainExact:      "domain_exact",
}

// String returns the wire representation of the match type.
func (m MatchType) String() string {
	if m < 0 || int(m) >= len(matchTypeNames) {
		return matchTypeNames[MatchTypeNone]
	}
	return matchTypeNames[m]
}

// ParseMatchType converts a wire value into a MatchType.
func ParseMatchType(s string) (MatchType, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for i, name := range matchTypeNames {
		if name == norm {
			return MatchType(i), nil
		}
	}
	return MatchTypeNone, fmt.Errorf("unknown match type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m MatchType) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *MatchType) UnmarshalText(b []byte) error {
	v, err := ParseMatchType(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ReachabilityStatus summarizes the pre-flight probe.
type ReachabilityStatus int32

const (
	ReachabilitySkipped ReachabilityStatus = iota
	ReachabilityOnline
	ReachabilityOffline
	ReachabilityDNSFailure
	ReachabilitySinkholed
	ReachabilityTLSFailure
)

var reachabilityNames = [...]string{
	ReachabilitySkipped:    "skipped",
	ReachabilityOnline:     "online",
	ReachabilityOffline:    "offline",
	ReachabilityDNSFailure: "dns_failure",
	ReachabilitySinkholed:  "sinkholed",
	ReachabilityTLSFailure: "tls_failure",
}

// String returns the wire representation of the status.
func (r ReachabilityStatus) String() string {
	if r < 0 || int(r) >= len(reachabilityNames) {
		return reachabilityNames[ReachabilitySkipped]
	}
	return reachabilityNames[r]
}

// ParseReachabilityStatus converts a wire value into a ReachabilityStatus.
func ParseReachabilityStatus(s string) (ReachabilityStatus, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for i, name := range reachabilityNames {
		if name == norm {
			return ReachabilityStatus(i), nil
		}
	}
	return ReachabilitySkipped, fmt.Errorf("unknown reachability status %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (r ReachabilityStatus) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *ReachabilityStatus) UnmarshalText(b []byte) error {
	v, err := ParseReachabilityStatus(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}
