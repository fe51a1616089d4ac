package scanning

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"github.com/google/uuid"
	regexp "github.com/wasilibs/go-re2"
	"golang.org/x/net/publicsuffix"
)

// ErrInvalidTarget is returned for malformed or disallowed scan input. It is
// the only failure a scan surfaces to its caller.
var ErrInvalidTarget = errors.New("invalid target")

const (
	// MaxURLLength bounds URL targets.
	MaxURLLength = 2048
	// MaxContentLength bounds message and file-derived text targets.
	MaxContentLength = 1 << 20
)

var blockedHostSuffixes = []string{".local", ".internal", ".corp", ".localhost", ".lan", ".home.arpa"}

var blockedPrefixes = func() []netip.Prefix {
	cidrs := []string{
		"0.0.0.0/8",
		"10.0.0.0/8",
		"100.64.0.0/10",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	}
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, netip.MustParsePrefix(c))
	}
	return out
}()

// ScanRequest is an immutable request to score a target.
type ScanRequest struct {
	Target    string
	Kind      TargetKind
	RequestID string
}

// NewScanRequest builds a request, assigning a request id when none is given.
func NewScanRequest(target string, kind TargetKind, requestID string) ScanRequest {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return ScanRequest{Target: target, Kind: kind, RequestID: requestID}
}

// Target is the validated, normalized form of a ScanRequest.
type Target struct {
	Raw  string
	Kind TargetKind

	// URL targets.
	URL               *url.URL
	Host              string
	RegistrableDomain string

	// Message and file-derived text targets.
	Text string
	URLs []*url.URL
}

// ParseTarget validates the request and produces its normalized Target.
// maxEmbeddedURLs caps how many URLs are extracted from text targets.
func ParseTarget(req ScanRequest, maxEmbeddedURLs int) (Target, error) {
	raw := strings.TrimSpace(req.Target)
	if raw == "" {
		return Target{}, fmt.Errorf("%w: target is empty", ErrInvalidTarget)
	}

	switch req.Kind {
	case TargetKindURL:
		if len(raw) > MaxURLLength {
			return Target{}, fmt.Errorf("%w: url exceeds %d characters", ErrInvalidTarget, MaxURLLength)
		}
		u, err := NormalizeURL(raw)
		if err != nil {
			return Target{}, err
		}
		return Target{
			Raw:               raw,
			Kind:              req.Kind,
			URL:               u,
			Host:              u.Hostname(),
			RegistrableDomain: RegistrableDomain(u.Hostname()),
		}, nil

	case TargetKindMessage, TargetKindFileText:
		if len(raw) > MaxContentLength {
			return Target{}, fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidTarget, MaxContentLength)
		}
		return Target{
			Raw:  raw,
			Kind: req.Kind,
			Text: raw,
			URLs: ExtractURLs(raw, maxEmbeddedURLs),
		}, nil

	default:
		return Target{}, fmt.Errorf("%w: unsupported kind %s", ErrInvalidTarget, req.Kind)
	}
}

// NormalizeURL parses a user supplied URL, defaulting the scheme to https,
// lower-casing scheme and host, and rejecting hosts that must never be
// fetched.
func NormalizeURL(raw string) (*url.URL, error) {
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q not allowed", ErrInvalidTarget, u.Scheme)
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}
	if err := checkHostAllowed(host); err != nil {
		return nil, err
	}

	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}

func checkHostAllowed(host string) error {
	if host == "localhost" {
		return fmt.Errorf("%w: localhost is not allowed", ErrInvalidTarget)
	}
	for _, suffix := range blockedHostSuffixes {
		if strings.HasSuffix(host, suffix) {
			return fmt.Errorf("%w: internal host %q is not allowed", ErrInvalidTarget, host)
		}
	}
	if addr, err := netip.ParseAddr(host); err == nil && IsPrivateAddr(addr) {
		return fmt.Errorf("%w: private address %s is not allowed", ErrInvalidTarget, host)
	}
	return nil
}

// IsPrivateAddr reports whether addr is loopback, private, link-local or
// otherwise non-routable.
func IsPrivateAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsIPHost reports whether host is an IP literal.
func IsIPHost(host string) bool {
	_, err := netip.ParseAddr(strings.Trim(host, "[]"))
	return err == nil
}

// RegistrableDomain returns the eTLD+1 of host, or host itself when it has
// none (IP literals, bare public suffixes).
func RegistrableDomain(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if IsIPHost(host) {
		return host
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}

// PublicSuffix returns the public suffix (effective TLD) of host.
func PublicSuffix(host string) string {
	suffix, _ := publicsuffix.PublicSuffix(strings.ToLower(host))
	return suffix
}

var embeddedURLPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"'` + "`" + `]+`)

// ExtractURLs returns up to max distinct, allowed URLs found in text.
func ExtractURLs(text string, max int) []*url.URL {
	if max <= 0 {
		return nil
	}

	seen := make(map[string]struct{})
	var out []*url.URL
	for _, m := range embeddedURLPattern.FindAllString(text, -1) {
		m = strings.TrimRight(m, ".,;:!?)]}")
		u, err := NormalizeURL(m)
		if err != nil {
			continue
		}
		if _, dup := seen[u.String()]; dup {
			continue
		}
		seen[u.String()] = struct{}{}
		out = append(out, u)
		if len(out) == max {
			break
		}
	}
	return out
}

// CacheKey returns the key under which results for this target are memoized.
// URL keys keep the scheme, which decides the TLS checks, and ignore host
// case, a leading "www.", default ports, fragments and a trailing slash;
// text keys are a digest of the content.
func (t Target) CacheKey() string {
	if t.Kind != TargetKindURL || t.URL == nil {
		sum := sha256.Sum256([]byte(t.Text))
		return t.Kind.String() + ":" + hex.EncodeToString(sum[:])
	}

	host := strings.TrimPrefix(strings.ToLower(t.URL.Hostname()), "www.")
	if port := t.URL.Port(); port != "" && !isDefaultPort(t.URL.Scheme, port) {
		host = net.JoinHostPort(host, port)
	}

	path := strings.TrimRight(t.URL.EscapedPath(), "/")
	key := host + path
	if t.URL.RawQuery != "" {
		key += "?" + t.URL.RawQuery
	}
	return "url:" + strings.ToLower(t.URL.Scheme) + "://" + key
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}
