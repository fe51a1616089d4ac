package config

import (
	"time"

	"github.com/ahrav/riskscan/internal/domain/scanning"
)

// Param keys understood by the built-in checks.
const (
	ParamTLDs          = "tlds"
	ParamBrands        = "brands"
	ParamKeywords      = "keywords"
	ParamProviders     = "providers"
	ParamPhrases       = "phrases"
	ParamTokenKeys     = "token_keys"
	ParamShorteners    = "shorteners"
	ParamHeaders       = "headers"
	ParamMaxSubdomains = "max_subdomains"
	ParamInputs        = "inputs"
	ParamScripts       = "scripts"
)

var (
	urlKinds  = []scanning.TargetKind{scanning.TargetKindURL}
	textKinds = []scanning.TargetKind{scanning.TargetKindMessage, scanning.TargetKindFileText}
	allKinds  = []scanning.TargetKind{scanning.TargetKindURL, scanning.TargetKindMessage, scanning.TargetKindFileText}
)

var defaultBrands = []string{
	"paypal", "apple", "microsoft", "office365", "outlook", "google", "gmail", "amazon",
	"netflix", "facebook", "instagram", "whatsapp", "linkedin", "dropbox", "docusign",
	"chase", "wellsfargo", "bankofamerica", "citibank", "hsbc", "coinbase", "binance",
	"dhl", "fedex", "usps", "irs", "adobe", "steam", "metamask",
}

var defaultSuspiciousTLDs = []string{
	"tk", "ml", "ga", "cf", "gq", "xyz", "top", "zip", "mov", "click", "country", "kim",
	"work", "support", "rest", "cam", "icu", "buzz", "monster", "cyou", "sbs", "quest",
}

var defaultFreeHosting = []string{
	"000webhostapp.com", "weebly.com", "wixsite.com", "blogspot.com", "github.io",
	"firebaseapp.com", "web.app", "netlify.app", "vercel.app", "pages.dev", "glitch.me",
	"herokuapp.com", "repl.co", "sites.google.com", "godaddysites.com", "webflow.io",
	"square.site", "carrd.co", "ngrok.io", "ngrok-free.app", "workers.dev", "r2.dev",
}

var defaultPhishingKeywords = []string{
	"login", "signin", "sign-in", "verify", "verification", "secure", "account", "update",
	"confirm", "banking", "unlock", "suspended", "webscr", "recover", "wallet", "billing",
	"password", "authenticate", "validation",
}

var defaultUrgencyPhrases = []string{
	`(?i)\bverify (?:your|the) (?:account|identity|information)\b`,
	`(?i)\b(?:account|access) (?:has been |will be )?(?:suspended|locked|disabled|limited)\b`,
	`(?i)\bunusual (?:sign[- ]?in|login|activity)\b`,
	`(?i)\bconfirm (?:your )?(?:password|payment|billing)\b`,
	`(?i)\b(?:within|in) (?:24|48) hours\b`,
	`(?i)\bimmediate(?:ly)? action\b`,
	`(?i)\bupdate (?:your )?(?:payment|billing) (?:details|information|method)\b`,
	`(?i)\byou have (?:won|been selected)\b`,
	`(?i)\bclaim (?:your )?(?:prize|reward|refund)\b`,
	`(?i)\bgift ?card\b`,
	`(?i)\bseed phrase|recovery phrase|private key\b`,
	`(?i)\bpackage (?:could not be|was not) delivered\b`,
}

var defaultTokenKeys = []string{
	"token", "access_token", "id_token", "refresh_token", "code", "session", "sessionid",
	"bearer", "api_key", "apikey", "password", "passwd", "secret", "auth",
}

var defaultShorteners = []string{
	"bit.ly", "tinyurl.com", "t.co", "goo.gl", "ow.ly", "is.gd", "buff.ly", "cutt.ly",
	"rebrand.ly", "shorturl.at", "rb.gy", "tiny.cc", "t.ly",
}

// defaultSensitiveInputs are matched against whole tokens of form field
// names; a multi-token entry such as "cc-number" must appear contiguously.
var defaultSensitiveInputs = []string{
	"card", "cardnumber", "ccnumber", "ccnum", "cc-number", "cvv", "cvv2", "cvc", "csc",
	"ssn", "pin", "pincode", "otp", "passcode", "seed", "mnemonic", "iban",
}

// defaultScriptPatterns are "name=pattern" pairs; the name is what a finding
// reports.
var defaultScriptPatterns = []string{
	`eval=\beval\s*\(`,
	`atob=\batob\s*\(`,
	`unescape=\bunescape\s*\(`,
	`fromCharCode=String\.fromCharCode\s*\(`,
	`document.write=document\.write\s*\(`,
	`function_constructor=\bnew\s+Function\s*\(`,
	`hex_escapes=(?:\\x[0-9a-fA-F]{2}){20,}`,
	`base64_blob=[A-Za-z0-9+/]{200,}={0,2}`,
}

var defaultImpersonatedTLDs = []string{"com", "net", "org", "gov", "edu"}

var defaultSecurityHeaders = []string{
	"Strict-Transport-Security", "Content-Security-Policy", "X-Frame-Options", "X-Content-Type-Options",
}

func check(id, category string, points float64, sev scanning.Severity, requiresContent bool, kinds []scanning.TargetKind, params map[string][]string) CheckDefinition {
	return CheckDefinition{
		ID:              id,
		Category:        category,
		MaxPoints:       points,
		Severity:        sev,
		Enabled:         true,
		Timeout:         5 * time.Second,
		Kinds:           kinds,
		RequiresContent: requiresContent,
		Params:          params,
	}
}

// DefaultSnapshot is the built-in configuration used to seed empty stores
// and as the fallback when the backing store cannot be read.
func DefaultSnapshot() *Snapshot {
	s := &Snapshot{
		Origin: "default",
		Categories: []CategoryDefinition{
			{Name: "domain", Description: "Registration and naming signals of the host"},
			{Name: "ssl", Description: "Transport security posture"},
			{Name: "url", Description: "Lexical signals in the URL"},
			{Name: "trust", Description: "Hosting and redirect trust signals"},
			{Name: "content", Description: "Signals in the fetched page or supplied text"},
			{Name: "headers", Description: "HTTP response hardening"},
			{Name: ThreatIntelCategory, Description: "External reputation and blocklists"},
		},
		Checks: []CheckDefinition{
			check("domain.age", "domain", 20, scanning.SeverityHigh, false, urlKinds, nil),
			check("domain.suspicious_tld", "domain", 8, scanning.SeverityMedium, false, urlKinds,
				map[string][]string{ParamTLDs: defaultSuspiciousTLDs}),
			check("domain.ip_host", "domain", 10, scanning.SeverityHigh, false, urlKinds, nil),
			check("domain.homograph", "domain", 15, scanning.SeverityHigh, false, urlKinds,
				map[string][]string{ParamBrands: defaultBrands}),
			check("domain.excessive_subdomains", "domain", 5, scanning.SeverityLow, false, urlKinds,
				map[string][]string{ParamMaxSubdomains: {"3"}}),
			check("ssl.missing_tls", "ssl", 10, scanning.SeverityMedium, false, urlKinds, nil),
			check("ssl.certificate", "ssl", 10, scanning.SeverityMedium, false, urlKinds, nil),
			check("ssl.https_downgrade", "ssl", 10, scanning.SeverityHigh, true, urlKinds, nil),
			check("url.brand_impersonation", "url", 15, scanning.SeverityHigh, false, urlKinds,
				map[string][]string{ParamBrands: defaultBrands}),
			check("url.subdomain_tld", "url", 10, scanning.SeverityHigh, false, urlKinds,
				map[string][]string{ParamTLDs: defaultImpersonatedTLDs}),
			check("url.phishing_keywords", "url", 8, scanning.SeverityMedium, false, urlKinds,
				map[string][]string{ParamKeywords: defaultPhishingKeywords}),
			check("url.token_leak", "url", 5, scanning.SeverityLow, false, urlKinds,
				map[string][]string{ParamTokenKeys: defaultTokenKeys}),
			check("url.obfuscation", "url", 8, scanning.SeverityMedium, false, urlKinds,
				map[string][]string{ParamShorteners: defaultShorteners}),
			check("trust.free_hosting", "trust", 10, scanning.SeverityMedium, false, urlKinds,
				map[string][]string{ParamProviders: defaultFreeHosting, ParamBrands: defaultBrands}),
			check("trust.redirect_chain", "trust", 8, scanning.SeverityMedium, true, urlKinds, nil),
			check("trust.internal_host", "trust", 10, scanning.SeverityHigh, false, urlKinds, nil),
			check("content.credential_form", "content", 20, scanning.SeverityCritical, true, urlKinds,
				map[string][]string{ParamInputs: defaultSensitiveInputs}),
			check("content.phishing_language", "content", 12, scanning.SeverityHigh, true, allKinds,
				map[string][]string{ParamPhrases: defaultUrgencyPhrases}),
			check("content.obfuscated_script", "content", 10, scanning.SeverityMedium, true, urlKinds,
				map[string][]string{ParamScripts: defaultScriptPatterns}),
			check("content.exposed_secrets", "content", 8, scanning.SeverityMedium, true, allKinds, nil),
			check("content.hidden_iframe", "content", 6, scanning.SeverityMedium, true, urlKinds, nil),
			check("content.suspicious_links", "content", 12, scanning.SeverityHigh, false, textKinds,
				map[string][]string{ParamTLDs: defaultSuspiciousTLDs, ParamShorteners: defaultShorteners, ParamBrands: defaultBrands}),
			check("headers.security", "headers", 5, scanning.SeverityLow, true, urlKinds,
				map[string][]string{ParamHeaders: defaultSecurityHeaders}),
		},
		Sources: []SourceConfig{
			{Name: "urlhaus", Kind: SourceKindURLhaus, Endpoint: "https://urlhaus-api.abuse.ch/v1/url/", Points: 40, Confidence: 0.95, Timeout: 3 * time.Second, RateLimit: 5},
			{Name: "phishtank", Kind: SourceKindPhishTank, Endpoint: "https://checkurl.phishtank.com/checkurl/", Points: 40, Confidence: 0.95, Timeout: 3 * time.Second, RateLimit: 2},
			{Name: "safebrowsing", Kind: SourceKindSafeBrowsing, Endpoint: "https://safebrowsing.googleapis.com/v4/threatMatches:find", Points: 40, Confidence: 0.9, Timeout: 3 * time.Second, RateLimit: 10},
			{Name: "openphish", Kind: SourceKindFeed, Endpoint: "https://openphish.com/feed.txt", Points: 30, Confidence: 0.85, Timeout: 2 * time.Second, RefreshInterval: 30 * time.Minute},
		},
		Thresholds: DefaultThresholds(),
		Settings: Settings{
			GlobalTimeout:        30 * time.Second,
			ProbeTimeout:         5 * time.Second,
			FetchTimeout:         10 * time.Second,
			DefaultCheckTimeout:  5 * time.Second,
			MaxEmbeddedURLs:      5,
			ThreatIntelMaxPoints: 50,
			ShortCircuit:         ShortCircuitPolicy{Enabled: true, MinConfidence: 0.9},
			CacheTTL: CacheTTLPolicy{
				Safe:   24 * time.Hour,
				Low:    6 * time.Hour,
				Medium: time.Hour,
			},
			FalsePositive: FalsePositivePolicy{
				CDNRanges: []string{
					"104.16.0.0/13", "172.64.0.0/13", "131.0.72.0/22", "2606:4700::/32",
					"151.101.0.0/16", "199.232.0.0/16", "13.224.0.0/14", "2600:9000::/28",
				},
				CDNReduction:        0.2,
				TrustedTLDs:         []string{"gov", "edu", "mil", "gov.uk", "ac.uk", "gov.au", "edu.au", "gc.ca"},
				TrustedTLDReduction: 0.5,
				KnownSafeReduction:  0.9,
				PopularDomains: []string{
					"google.com", "www.google.com", "microsoft.com", "www.microsoft.com", "apple.com",
					"www.apple.com", "amazon.com", "www.amazon.com", "github.com", "www.paypal.com",
					"paypal.com", "en.wikipedia.org", "www.wikipedia.org", "www.linkedin.com",
				},
				PopularDomainReduction: 0.6,
			},
		},
	}
	// Params alias the package-level lists; hand out an independent copy.
	return s.Clone()
}

// DefaultThresholds is the 10/20/30/45 percent tier table, calibrated for
// the built-in check roster where no single target can trip every check.
func DefaultThresholds() []TierThreshold {
	return []TierThreshold{
		{Tier: scanning.RiskTierSafe, UpperRatio: 0.10},
		{Tier: scanning.RiskTierLow, UpperRatio: 0.20},
		{Tier: scanning.RiskTierMedium, UpperRatio: 0.30},
		{Tier: scanning.RiskTierHigh, UpperRatio: 0.45},
	}
}
