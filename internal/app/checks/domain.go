package checks

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode"

	"golang.org/x/net/idna"

	"github.com/ahrav/riskscan/internal/domain/config"
	"github.com/ahrav/riskscan/internal/domain/scanning"
)

const day = 24 * time.Hour

func domainAge(_ context.Context, sc *scanning.ScanContext, _ config.CheckDefinition) (Signal, error) {
	if scanning.IsIPHost(sc.Target.Host) {
		return none("host is an IP literal; no registration to age"), nil
	}
	reg := sc.Registration
	if reg == nil || reg.Created.IsZero() {
		return Signal{}, missing(sc, "registration")
	}

	age := sc.Now.Sub(reg.Created)
	if age < 0 {
		age = 0
	}
	days := int(age / day)
	evidence := map[string]string{
		"created":  reg.Created.UTC().Format(time.DateOnly),
		"age_days": fmt.Sprint(days),
	}
	if reg.Registrar != "" {
		evidence["registrar"] = reg.Registrar
	}

	var ratio float64
	switch {
	case age < 7*day:
		ratio = 1
	case age < 30*day:
		ratio = 0.6
	case age < 180*day:
		ratio = 0.25
	default:
		return Signal{Message: fmt.Sprintf("domain registered %d days ago", days), Evidence: evidence}, nil
	}
	return Signal{
		Ratio:    ratio,
		Message:  fmt.Sprintf("domain registered only %d days ago", days),
		Evidence: evidence,
	}, nil
}

func suspiciousTLD(_ context.Context, sc *scanning.ScanContext, def config.CheckDefinition) (Signal, error) {
	host := sc.Target.Host
	if scanning.IsIPHost(host) {
		return none("host is an IP literal"), nil
	}
	suffix := scanning.PublicSuffix(host)
	tld := suffix[strings.LastIndex(suffix, ".")+1:]

	listed := lowerAll(def.Param(config.ParamTLDs, nil))
	for _, candidate := range []string{suffix, tld} {
		if slices.Contains(listed, candidate) {
			return Signal{
				Ratio:    1,
				Message:  fmt.Sprintf("top-level domain .%s is frequently abused", candidate),
				Evidence: map[string]string{"tld": candidate},
			}, nil
		}
	}
	return none("top-level domain is not on the abuse list"), nil
}

func ipHost(_ context.Context, sc *scanning.ScanContext, _ config.CheckDefinition) (Signal, error) {
	if !scanning.IsIPHost(sc.Target.Host) {
		return none("host is a domain name"), nil
	}
	return Signal{
		Ratio:    1,
		Message:  "URL uses a bare IP address instead of a domain name",
		Evidence: map[string]string{"host": sc.Target.Host},
	}, nil
}

// confusables folds characters that render like ASCII letters onto the
// letter they imitate.
var confusables = map[rune]rune{
	'а': 'a', 'е': 'e', 'о': 'o', 'р': 'p', 'с': 'c', 'у': 'y', 'х': 'x', 'і': 'i',
	'ј': 'j', 'ѕ': 's', 'ԁ': 'd', 'һ': 'h', 'ӏ': 'l', 'ԛ': 'q', 'ԝ': 'w', 'к': 'k',
	'м': 'm', 'н': 'h', 'т': 't', 'в': 'b',
	'α': 'a', 'ε': 'e', 'ο': 'o', 'ρ': 'p', 'ι': 'i', 'κ': 'k', 'ν': 'v', 'τ': 't',
	'υ': 'u', 'χ': 'x', 'ɡ': 'g', 'ɑ': 'a', 'ı': 'i', 'ո': 'n', 'ս': 'u', 'օ': 'o',
	'0': 'o', '1': 'l',
}

var scriptTables = []struct {
	name  string
	table *unicode.RangeTable
}{
	{"latin", unicode.Latin},
	{"cyrillic", unicode.Cyrillic},
	{"greek", unicode.Greek},
	{"armenian", unicode.Armenian},
	{"arabic", unicode.Arabic},
	{"hebrew", unicode.Hebrew},
	{"han", unicode.Han},
	{"hangul", unicode.Hangul},
	{"thai", unicode.Thai},
}

func scriptsOf(s string) []string {
	var out []string
	for _, r := range s {
		if !unicode.IsLetter(r) {
			continue
		}
		name := "other"
		for _, st := range scriptTables {
			if unicode.Is(st.table, r) {
				name = st.name
				break
			}
		}
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

func skeleton(label string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(label) {
		if m, ok := confusables[r]; ok {
			r = m
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

func homograph(_ context.Context, sc *scanning.ScanContext, def config.CheckDefinition) (Signal, error) {
	host := sc.Target.Host
	if scanning.IsIPHost(host) {
		return none("host is an IP literal"), nil
	}

	display := host
	if u, err := idna.ToUnicode(host); err == nil {
		display = u
	}
	international := strings.Contains(host, "xn--") || !isASCII(host)

	brands := lowerAll(def.Param(config.ParamBrands, nil))
	for _, label := range strings.Split(display, ".") {
		folded := skeleton(label)
		if folded == label {
			continue
		}
		for _, brand := range brands {
			if folded == brand || strings.Trim(folded, "-") == brand {
				return Signal{
					Ratio:   1,
					Message: fmt.Sprintf("label %q imitates %q with look-alike characters", label, brand),
					Evidence: map[string]string{
						"label":   label,
						"brand":   brand,
						"unicode": display,
					},
				}, nil
			}
		}
	}

	if !international {
		return none("host is plain ASCII"), nil
	}
	for _, label := range strings.Split(display, ".") {
		if scripts := scriptsOf(label); len(scripts) > 1 {
			return Signal{
				Ratio:   0.8,
				Message: fmt.Sprintf("label %q mixes scripts: %s", label, strings.Join(scripts, ", ")),
				Evidence: map[string]string{
					"unicode": display,
					"label":   label,
					"scripts": strings.Join(scripts, ","),
				},
			}, nil
		}
	}
	return Signal{
		Ratio:    0.4,
		Message:  "host is an internationalized domain name",
		Evidence: map[string]string{"unicode": display},
	}, nil
}

func excessiveSubdomains(_ context.Context, sc *scanning.ScanContext, def config.CheckDefinition) (Signal, error) {
	labels := subdomainLabels(sc.Target.Host)
	if len(labels) > 0 && labels[0] == "www" {
		labels = labels[1:]
	}
	limit := intParam(def, config.ParamMaxSubdomains, 3)
	evidence := map[string]string{"subdomains": fmt.Sprint(len(labels)), "limit": fmt.Sprint(limit)}

	switch over := len(labels) - limit; {
	case over <= 0:
		return Signal{Message: "subdomain depth is normal", Evidence: evidence}, nil
	case over == 1:
		return Signal{Ratio: 0.5, Message: fmt.Sprintf("%d subdomain levels", len(labels)), Evidence: evidence}, nil
	default:
		return Signal{Ratio: 1, Message: fmt.Sprintf("%d subdomain levels", len(labels)), Evidence: evidence}, nil
	}
}
