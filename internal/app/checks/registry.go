// Package checks runs the configured signal checks against a scan's
// gathered evidence and groups their findings into category results.
//
// A check is a pure function of the shared, read-only ScanContext and its
// own CheckDefinition. It reports a Signal whose Ratio in [0, 1] is scaled
// by the definition's MaxPoints; weights therefore live in configuration and
// never in check code.
package checks

import (
	"context"
	"slices"
	"sync"

	"github.com/ahrav/riskscan/internal/domain/config"
	"github.com/ahrav/riskscan/internal/domain/scanning"
)

// Signal is what a check observed.
type Signal struct {
	// Ratio is the share of the check's max points to award, in [0, 1].
	Ratio    float64
	Message  string
	Evidence map[string]string
}

// Func is the analysis function behind a check ID.
type Func func(ctx context.Context, sc *scanning.ScanContext, def config.CheckDefinition) (Signal, error)

// Registry maps check IDs to their analysis functions. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// DefaultRegistry returns a registry holding every built-in check.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for id, fn := range builtins() {
		r.Register(id, fn)
	}
	return r
}

// Register binds fn to id, replacing any earlier binding.
func (r *Registry) Register(id string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[id] = fn
}

// Lookup returns the function bound to id.
func (r *Registry) Lookup(id string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[id]
	return fn, ok
}

// IDs returns the registered check IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.funcs))
	for id := range r.funcs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func builtins() map[string]Func {
	return map[string]Func{
		"domain.age":                  domainAge,
		"domain.suspicious_tld":       suspiciousTLD,
		"domain.ip_host":              ipHost,
		"domain.homograph":            homograph,
		"domain.excessive_subdomains": excessiveSubdomains,
		"ssl.missing_tls":             missingTLS,
		"ssl.certificate":             certificate,
		"ssl.https_downgrade":         httpsDowngrade,
		"url.brand_impersonation":     brandImpersonation,
		"url.subdomain_tld":           subdomainTLD,
		"url.phishing_keywords":       phishingKeywords,
		"url.token_leak":              tokenLeak,
		"url.obfuscation":             urlObfuscation,
		"trust.free_hosting":          freeHosting,
		"trust.redirect_chain":        redirectChain,
		"trust.internal_host":         internalHost,
		"content.credential_form":     credentialForm,
		"content.phishing_language":   phishingLanguage,
		"content.obfuscated_script":   obfuscatedScript,
		"content.exposed_secrets":     exposedSecrets,
		"content.hidden_iframe":       hiddenIframe,
		"content.suspicious_links":    suspiciousLinks,
		"headers.security":            securityHeaders,
	}
}
