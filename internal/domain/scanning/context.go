package scanning

import (
	"net/http"
	"net/netip"
	"net/url"
	"time"
)

// Hop is one step of a redirect chain.
type Hop struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
	Location   string `json:"location,omitempty"`
	// Via is "http", "meta" or "js".
	Via string `json:"via"`
}

// Form is an HTML form found on the page.
type Form struct {
	Action      string
	Method      string
	HasPassword bool
	InputNames  []string
}

// Script is an inline or external script.
type Script struct {
	Src    string
	Inline string
}

// Iframe is an embedded frame.
type Iframe struct {
	Src    string
	Hidden bool
}

// Page is the fetched document and its parsed structure.
type Page struct {
	RequestedURL *url.URL
	FinalURL     *url.URL
	StatusCode   int
	Header       http.Header
	Body         string
	Title        string
	Text         string
	Forms        []Form
	Scripts      []Script
	Iframes      []Iframe
	Links        []string
	Redirects    []Hop
}

// TLSInfo describes the certificate presented by the target.
type TLSInfo struct {
	Version     uint16
	Issuer      string
	Subject     string
	DNSNames    []string
	NotBefore   time.Time
	NotAfter    time.Time
	SelfSigned  bool
	VerifyError string
}

// DNSInfo holds the records resolved for the target host.
type DNSInfo struct {
	Addresses []netip.Addr
	CNAME     string
	NS        []string
	MX        []string
	TXT       []string
}

// Registration is the registry data for the registrable domain.
type Registration struct {
	Domain    string
	Registrar string
	Created   time.Time
	Expires   time.Time
}

// Reachability is the result of the pre-flight probe.
type Reachability struct {
	Status    ReachabilityStatus
	Addresses []netip.Addr
	Latency   time.Duration
	TLS       *TLSInfo
	Detail    string
}

// Summary returns the serializable form.
func (r Reachability) Summary() ReachabilitySummary {
	addrs := make([]string, 0, len(r.Addresses))
	for _, a := range r.Addresses {
		addrs = append(addrs, a.String())
	}
	return ReachabilitySummary{
		Status:    r.Status,
		Addresses: addrs,
		LatencyMs: r.Latency.Milliseconds(),
		Detail:    r.Detail,
	}
}

// ScanContext is the evidence gathered once per scan and shared read-only by
// every check.
type ScanContext struct {
	Target       Target
	Now          time.Time
	Reachability Reachability
	Page         *Page
	DNS          *DNSInfo
	Registration *Registration
	// GatherErrors maps an evidence name ("page", "dns", "registration") to
	// the reason it is missing.
	GatherErrors map[string]string
}

// Reachable reports whether content-dependent checks can run.
func (sc *ScanContext) Reachable() bool {
	return sc.Reachability.Status == ReachabilityOnline
}

// Addresses returns every address known for the target host.
func (sc *ScanContext) Addresses() []netip.Addr {
	var out []netip.Addr
	out = append(out, sc.Reachability.Addresses...)
	if sc.DNS != nil {
		out = append(out, sc.DNS.Addresses...)
	}
	return out
}

// Content returns the text a content check should inspect: the page body
// for URLs, the raw text otherwise.
func (sc *ScanContext) Content() string {
	if sc.Target.Kind != TargetKindURL {
		return sc.Target.Text
	}
	if sc.Page != nil {
		return sc.Page.Body
	}
	return ""
}
