package checks

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	regexp "github.com/wasilibs/go-re2"

	"github.com/ahrav/riskscan/internal/domain/config"
	"github.com/ahrav/riskscan/internal/domain/scanning"
)

// ErrMissingEvidence is returned when the evidence a check needs was not
// gathered for this scan.
var ErrMissingEvidence = errors.New("evidence unavailable")

func missing(sc *scanning.ScanContext, name string) error {
	if reason, ok := sc.GatherErrors[name]; ok && reason != "" {
		return fmt.Errorf("%w: %s: %s", ErrMissingEvidence, name, reason)
	}
	return fmt.Errorf("%w: %s", ErrMissingEvidence, name)
}

func none(msg string) Signal { return Signal{Message: msg} }

// effectiveURL is where the target ended up: the final URL of the fetch
// when there was one, the submitted URL otherwise.
func effectiveURL(sc *scanning.ScanContext) *url.URL {
	if sc.Page != nil && sc.Page.FinalURL != nil {
		return sc.Page.FinalURL
	}
	return sc.Target.URL
}

func hostOf(u *url.URL) string {
	return strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
}

// registrableLabel is the registrable domain without its public suffix:
// "paypal" for "www.paypal.co.uk".
func registrableLabel(host string) string {
	reg := scanning.RegistrableDomain(host)
	suffix := scanning.PublicSuffix(reg)
	if suffix == "" || suffix == reg {
		return reg
	}
	return strings.TrimSuffix(reg, "."+suffix)
}

// subdomainLabels returns the labels to the left of the registrable domain.
func subdomainLabels(host string) []string {
	reg := scanning.RegistrableDomain(host)
	if reg == host || scanning.IsIPHost(host) {
		return nil
	}
	sub := strings.TrimSuffix(host, "."+reg)
	if sub == "" || sub == host {
		return nil
	}
	return strings.Split(sub, ".")
}

// hostMatches reports whether host is domain or one of its subdomains.
func hostMatches(host, domain string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	return domain != "" && (host == domain || strings.HasSuffix(host, "."+domain))
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func intParam(def config.CheckDefinition, key string, fallback int) int {
	vals := def.Param(key, nil)
	if len(vals) == 0 {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(vals[0]))
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// stepRatio maps a count of hits to a ratio that saturates at full.
func stepRatio(hits, full int) float64 {
	if hits <= 0 || full <= 0 {
		return 0
	}
	if hits >= full {
		return 1
	}
	return float64(hits) / float64(full)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// patternCache holds compiled phrase corpora keyed by their source text so
// each configured list compiles once per process.
var patternCache sync.Map

type compiled struct {
	res []*regexp.Regexp
	err error
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	key := strings.Join(patterns, "\x00")
	if v, ok := patternCache.Load(key); ok {
		c := v.(compiled)
		return c.res, c.err
	}

	var c compiled
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			c = compiled{err: fmt.Errorf("compiling pattern %q: %w", p, err)}
			break
		}
		c.res = append(c.res, re)
	}
	patternCache.Store(key, c)
	return c.res, c.err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
