// Package threatintel correlates a target against reputation sources.
//
// Matching is strictly by equality: a normalized URL, the same URL without
// its scheme, or a domain entry equal to the target host or its
// registrable domain. Containment of one string in another is never a
// match.
package threatintel

import (
	"net"
	"net/url"
	"strings"

	"github.com/ahrav/riskscan/internal/domain/scanning"
)

// Matcher is an immutable index of blocklist entries.
type Matcher struct {
	exact    map[string]string
	agnostic map[string]string
	domains  map[string]string
}

// NewMatcher indexes entries. Entries with a scheme or a path are URL
// entries; bare hostnames are domain entries. Unparsable entries are
// skipped.
func NewMatcher(entries []string) *Matcher {
	m := &Matcher{
		exact:    make(map[string]string),
		agnostic: make(map[string]string),
		domains:  make(map[string]string),
	}
	for _, raw := range entries {
		m.add(raw)
	}
	return m
}

func (m *Matcher) add(raw string) {
	entry := strings.TrimSpace(raw)
	if entry == "" || strings.HasPrefix(entry, "#") {
		return
	}

	if !strings.Contains(entry, "://") && !strings.ContainsAny(entry, "/?") {
		host := normalizeHost(entry)
		if host != "" {
			m.domains[host] = raw
		}
		return
	}

	u, err := parseEntryURL(entry)
	if err != nil {
		return
	}
	m.exact[canonical(u, true)] = raw
	m.agnostic[canonical(u, false)] = raw
}

// Len returns the number of indexed entries.
func (m *Matcher) Len() int { return len(m.exact) + len(m.domains) }

// Match returns the strongest match type for u and the entry it matched.
func (m *Matcher) Match(u *url.URL) (scanning.MatchType, string) {
	if u == nil {
		return scanning.MatchTypeNone, ""
	}
	if e, ok := m.exact[canonical(u, true)]; ok {
		return scanning.MatchTypeExact, e
	}
	if e, ok := m.agnostic[canonical(u, false)]; ok {
		return scanning.MatchTypeProtocolAgnostic, e
	}

	host := normalizeHost(u.Hostname())
	if e, ok := m.domains[host]; ok {
		return scanning.MatchTypeDomainExact, e
	}
	if reg := scanning.RegistrableDomain(host); reg != host {
		if e, ok := m.domains[reg]; ok {
			return scanning.MatchTypeDomainExact, e
		}
	}
	return scanning.MatchTypeNone, ""
}

// MatchTarget matches every URL of the target and returns the first hit.
func (m *Matcher) MatchTarget(t scanning.Target) (scanning.MatchType, string) {
	for _, u := range TargetURLs(t) {
		if mt, e := m.Match(u); mt != scanning.MatchTypeNone {
			return mt, e
		}
	}
	return scanning.MatchTypeNone, ""
}

// TargetURLs returns the URLs reputation sources should look up.
func TargetURLs(t scanning.Target) []*url.URL {
	if t.Kind == scanning.TargetKindURL {
		if t.URL == nil {
			return nil
		}
		return []*url.URL{t.URL}
	}
	return t.URLs
}

// parseEntryURL parses a feed entry without the host policy applied to
// scan input; feeds legitimately list private or odd hosts.
func parseEntryURL(entry string) (*url.URL, error) {
	if !strings.Contains(entry, "://") {
		entry = "http://" + entry
	}
	return url.Parse(entry)
}

func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}

// canonical renders u for equality lookups: lower-cased host, default port
// dropped, fragment dropped, trailing slash trimmed.
func canonical(u *url.URL, withScheme bool) string {
	host := normalizeHost(u.Hostname())
	scheme := strings.ToLower(u.Scheme)
	if port := u.Port(); port != "" && !(scheme == "http" && port == "80") && !(scheme == "https" && port == "443") {
		host = net.JoinHostPort(host, port)
	}

	var b strings.Builder
	if withScheme {
		b.WriteString(scheme)
		b.WriteString("://")
	}
	b.WriteString(host)
	b.WriteString(strings.TrimRight(u.EscapedPath(), "/"))
	if u.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}
	return b.String()
}
