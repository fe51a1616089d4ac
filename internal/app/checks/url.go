package checks

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"

	regexp "github.com/wasilibs/go-re2"

	"github.com/ahrav/riskscan/internal/domain/config"
	"github.com/ahrav/riskscan/internal/domain/scanning"
)

// brandHit locates a brand keyword in a URL whose registrable domain does
// not belong to that brand. inHost is false when the brand only appears in
// the path or query.
type brandHit struct {
	brand  string
	inHost bool
}

func findBrand(u *url.URL, brands []string) (brandHit, bool) {
	host := hostOf(u)
	if scanning.IsIPHost(host) {
		host = ""
	}
	owner := registrableLabel(host)
	hostTokens := tokens(host)
	pathTokens := tokens(strings.ToLower(u.Path + " " + u.RawQuery))

	for _, brand := range brands {
		if brand != "" && owner != brand && slices.Contains(hostTokens, brand) {
			return brandHit{brand: brand, inHost: true}, true
		}
	}
	for _, brand := range brands {
		if brand != "" && owner != brand && slices.Contains(pathTokens, brand) {
			return brandHit{brand: brand}, true
		}
	}
	return brandHit{}, false
}

// tokens splits s into its alphanumeric runs. Brands are matched against
// whole tokens so "pineapple" never mentions "apple".
func tokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r >= 0x80)
	})
}

func brandImpersonation(_ context.Context, sc *scanning.ScanContext, def config.CheckDefinition) (Signal, error) {
	u := sc.Target.URL
	hit, ok := findBrand(u, lowerAll(def.Param(config.ParamBrands, nil)))
	if !ok {
		return none("no brand keyword outside the brand's own domain"), nil
	}

	evidence := map[string]string{
		"brand":              hit.brand,
		"registrable_domain": sc.Target.RegistrableDomain,
	}
	if hit.inHost {
		return Signal{
			Ratio:    1,
			Message:  fmt.Sprintf("host mentions %q but is registered under %s", hit.brand, sc.Target.RegistrableDomain),
			Evidence: evidence,
		}, nil
	}
	return Signal{
		Ratio:    0.5,
		Message:  fmt.Sprintf("path mentions %q on an unrelated domain", hit.brand),
		Evidence: evidence,
	}, nil
}

// embedsTLD reports whether a hyphenated part after the first, as in
// "paypal-com", is one of tlds.
func embedsTLD(label string, tlds []string) bool {
	parts := strings.Split(label, "-")
	for _, p := range parts[1:] {
		if slices.Contains(tlds, p) {
			return true
		}
	}
	return false
}

func subdomainTLD(_ context.Context, sc *scanning.ScanContext, def config.CheckDefinition) (Signal, error) {
	labels := subdomainLabels(sc.Target.Host)
	if len(labels) == 0 {
		return none("no subdomain"), nil
	}
	tlds := lowerAll(def.Param(config.ParamTLDs, nil))

	for i := 1; i < len(labels); i++ {
		if slices.Contains(tlds, labels[i]) && labels[i-1] != "www" {
			return Signal{
				Ratio:   1,
				Message: fmt.Sprintf("subdomain %q poses as a separate domain", labels[i-1]+"."+labels[i]),
				Evidence: map[string]string{
					"subdomain":          strings.Join(labels, "."),
					"registrable_domain": sc.Target.RegistrableDomain,
				},
			}, nil
		}
	}
	for _, l := range labels {
		if embedsTLD(l, tlds) {
			return Signal{
				Ratio:   1,
				Message: fmt.Sprintf("subdomain label %q embeds a top-level domain", l),
				Evidence: map[string]string{
					"label":              l,
					"registrable_domain": sc.Target.RegistrableDomain,
				},
			}, nil
		}
	}
	return none("subdomains do not imitate a domain"), nil
}

func phishingKeywords(_ context.Context, sc *scanning.ScanContext, def config.CheckDefinition) (Signal, error) {
	u := sc.Target.URL
	haystack := strings.ToLower(u.EscapedPath() + "?" + u.RawQuery)
	if unescaped, err := url.PathUnescape(haystack); err == nil {
		haystack = unescaped
	}

	var found []string
	for _, kw := range lowerAll(def.Param(config.ParamKeywords, nil)) {
		if strings.Contains(haystack, kw) && !slices.Contains(found, kw) {
			found = append(found, kw)
		}
	}
	if len(found) == 0 {
		return none("no phishing keywords in the path"), nil
	}

	ratio := 0.5
	switch {
	case len(found) >= 3:
		ratio = 1
	case len(found) == 2:
		ratio = 0.75
	}
	return Signal{
		Ratio:    ratio,
		Message:  "path contains " + strings.Join(found, ", "),
		Evidence: map[string]string{"keywords": strings.Join(found, ",")},
	}, nil
}

var jwtLike = regexp.MustCompile(`^eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*$`)

func tokenLeak(_ context.Context, sc *scanning.ScanContext, def config.CheckDefinition) (Signal, error) {
	u := sc.Target.URL
	keys := lowerAll(def.Param(config.ParamTokenKeys, nil))

	var leaked []string
	inspect := func(where string, values url.Values) {
		for k, vs := range values {
			lk := strings.ToLower(k)
			nonEmpty := slices.ContainsFunc(vs, func(v string) bool { return v != "" })
			switch {
			case nonEmpty && slices.Contains(keys, lk):
				leaked = append(leaked, where+":"+lk)
			case slices.ContainsFunc(vs, jwtLike.MatchString):
				leaked = append(leaked, where+":"+lk+"(jwt)")
			}
		}
	}
	inspect("query", u.Query())
	if frag, err := url.ParseQuery(u.Fragment); err == nil {
		inspect("fragment", frag)
	}
	if len(leaked) == 0 {
		return none("no credentials in the URL"), nil
	}

	slices.Sort(leaked)
	return Signal{
		Ratio:    1,
		Message:  "URL carries credential-like parameters",
		Evidence: map[string]string{"parameters": strings.Join(leaked, ",")},
	}, nil
}

func urlObfuscation(_ context.Context, sc *scanning.ScanContext, def config.CheckDefinition) (Signal, error) {
	u := sc.Target.URL
	raw := sc.Target.Raw

	var (
		ratio   float64
		reasons []string
	)
	if u.User != nil {
		ratio += 0.6
		reasons = append(reasons, "userinfo before the host")
	}
	if n := strings.Count(raw, "%"); n >= 10 || (n > 0 && float64(3*n) > 0.3*float64(len(raw))) {
		ratio += 0.3
		reasons = append(reasons, fmt.Sprintf("%d percent-encoded bytes", n))
	}
	if len(raw) > 200 {
		ratio += 0.2
		reasons = append(reasons, fmt.Sprintf("%d characters long", len(raw)))
	}
	host := hostOf(u)
	for _, s := range lowerAll(def.Param(config.ParamShorteners, nil)) {
		if hostMatches(host, s) {
			ratio += 0.4
			reasons = append(reasons, "link shortener "+s)
			break
		}
	}

	if len(reasons) == 0 {
		return none("URL is not obfuscated"), nil
	}
	return Signal{
		Ratio:    clamp01(ratio),
		Message:  "URL obfuscation: " + strings.Join(reasons, "; "),
		Evidence: map[string]string{"signals": strings.Join(reasons, "; ")},
	}, nil
}
