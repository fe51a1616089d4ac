package scanning

import (
	"context"
	"errors"
	"net/url"
	"time"
)

// ErrResultNotFound is returned when no stored result exists for a request id.
var ErrResultNotFound = errors.New("scan result not found")

// ErrDuplicateRequest is returned when a request id is already in use by a
// running or stored scan.
var ErrDuplicateRequest = errors.New("request id already in use")

// ReachabilityProber performs the cheap pre-flight for URL targets.
type ReachabilityProber interface {
	Probe(ctx context.Context, target Target) Reachability
}

// PageFetcher retrieves and parses the target document, following redirects.
type PageFetcher interface {
	Fetch(ctx context.Context, u *url.URL) (*Page, error)
}

// DNSResolver resolves the records of a host.
type DNSResolver interface {
	Resolve(ctx context.Context, host string) (*DNSInfo, error)
}

// RegistrationLookup returns registry data for a registrable domain.
type RegistrationLookup interface {
	Lookup(ctx context.Context, domain string) (*Registration, error)
}

// ThreatIntelSource is an outbound reputation adapter. An error means the
// source is unavailable for this scan; it never means "not matched".
type ThreatIntelSource interface {
	Name() string
	Check(ctx context.Context, target Target) (ThreatIntelVerdict, error)
}

// Evidence is the payload sent to scoring oracles.
type Evidence struct {
	RequestID string               `json:"request_id"`
	Target    string               `json:"target"`
	Kind      TargetKind           `json:"kind"`
	BaseScore float64              `json:"base_score"`
	MaxScore  float64              `json:"max_score"`
	Findings  []Finding            `json:"findings"`
	Verdicts  []ThreatIntelVerdict `json:"ti_verdicts"`
}

// Oracle is an outbound AI scoring adapter. An error means no verdict.
type Oracle interface {
	Name() string
	Score(ctx context.Context, evidence Evidence) (AIVerdict, error)
}

// ResultCache memoizes completed results. PutIfAbsent stores only when no
// live entry exists for key and reports whether it stored.
type ResultCache interface {
	Get(ctx context.Context, key string) (ScanResult, bool, error)
	PutIfAbsent(ctx context.Context, key string, result ScanResult, ttl time.Duration) (bool, error)
}

// ResultRepository persists terminal results.
type ResultRepository interface {
	Save(ctx context.Context, result ScanResult) error
	Get(ctx context.Context, requestID string) (ScanResult, error)
}
