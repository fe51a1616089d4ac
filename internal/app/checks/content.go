package checks

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/spf13/viper"
	regexp "github.com/wasilibs/go-re2"
	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"

	"github.com/ahrav/riskscan/internal/domain/config"
	"github.com/ahrav/riskscan/internal/domain/scanning"
)

func credentialForm(_ context.Context, sc *scanning.ScanContext, def config.CheckDefinition) (Signal, error) {
	if sc.Page == nil {
		return Signal{}, missing(sc, "page")
	}
	page := sc.Page
	base := effectiveURL(sc)
	inputs := tokenLists(def.Param(config.ParamInputs, nil))

	var (
		best     float64
		evidence map[string]string
		message  string
	)
	for _, f := range page.Forms {
		ratio, why := scoreForm(base, f, inputs)
		if ratio <= best {
			continue
		}
		best, message = ratio, why
		evidence = map[string]string{
			"action":   truncate(f.Action, 256),
			"method":   strings.ToUpper(f.Method),
			"password": fmt.Sprint(f.HasPassword),
			"inputs":   truncate(strings.Join(f.InputNames, ","), 256),
		}
	}
	if best == 0 {
		return Signal{Message: fmt.Sprintf("%d forms, none collecting credentials", len(page.Forms))}, nil
	}
	return Signal{Ratio: best, Message: message, Evidence: evidence}, nil
}

// tokenLists splits each entry into its lower-case tokens.
func tokenLists(entries []string) [][]string {
	out := make([][]string, 0, len(entries))
	for _, e := range entries {
		if t := tokens(strings.ToLower(e)); len(t) > 0 {
			out = append(out, t)
		}
	}
	return out
}

// hasTokenRun reports whether needle occurs as a contiguous run in haystack.
func hasTokenRun(haystack, needle []string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if slices.Equal(haystack[i:i+len(needle)], needle) {
			return true
		}
	}
	return false
}

// scoreForm rates one form. Field names are compared token by token so
// "shipping_method" never counts as a PIN field.
func scoreForm(base *url.URL, f scanning.Form, inputs [][]string) (float64, string) {
	sensitive := slices.ContainsFunc(f.InputNames, func(name string) bool {
		nameTokens := tokens(strings.ToLower(name))
		return slices.ContainsFunc(inputs, func(entry []string) bool { return hasTokenRun(nameTokens, entry) })
	})
	if !f.HasPassword && !sensitive {
		return 0, ""
	}

	action, err := base.Parse(strings.TrimSpace(f.Action))
	if err != nil {
		return 1, "credential form with an unparsable action"
	}
	if action.Scheme == "javascript" {
		action = base
	}

	switch {
	case action.Scheme != "http" && action.Scheme != "https":
		return 1, fmt.Sprintf("credential form submits to a %s: URL", action.Scheme)
	case action.Scheme == "http":
		return 1, "credential form submits over plain HTTP"
	case scanning.RegistrableDomain(hostOf(action)) != scanning.RegistrableDomain(hostOf(base)):
		return 1, "credential form submits to another domain: " + hostOf(action)
	case f.HasPassword:
		return 0.6, "page collects a password"
	default:
		return 0.4, "page collects payment or identity data"
	}
}

func phishingLanguage(_ context.Context, sc *scanning.ScanContext, def config.CheckDefinition) (Signal, error) {
	text := sc.Content()
	if sc.Target.Kind == scanning.TargetKindURL {
		if sc.Page == nil {
			return Signal{}, missing(sc, "page")
		}
		text = sc.Page.Title + "\n" + sc.Page.Text
	}

	patterns, err := compilePatterns(def.Param(config.ParamPhrases, nil))
	if err != nil {
		return Signal{}, err
	}

	var samples []string
	for _, re := range patterns {
		if m := re.FindString(text); m != "" {
			samples = append(samples, truncate(m, 64))
		}
	}
	if len(samples) == 0 {
		return none("no social-engineering language"), nil
	}
	return Signal{
		Ratio:    stepRatio(len(samples), 3),
		Message:  fmt.Sprintf("%d social-engineering phrases", len(samples)),
		Evidence: map[string]string{"phrases": strings.Join(samples, " | ")},
	}, nil
}

type namedPattern struct {
	name string
	re   *regexp.Regexp
}

// compileNamed compiles "name=pattern" entries. An entry without a name is
// reported under its pattern.
func compileNamed(entries []string) ([]namedPattern, error) {
	names := make([]string, len(entries))
	patterns := make([]string, len(entries))
	for i, e := range entries {
		name, pattern, ok := strings.Cut(e, "=")
		if !ok || name == "" {
			name, pattern = e, e
		}
		names[i], patterns[i] = name, pattern
	}

	res, err := compilePatterns(patterns)
	if err != nil {
		return nil, err
	}
	out := make([]namedPattern, len(res))
	for i, re := range res {
		out[i] = namedPattern{name: names[i], re: re}
	}
	return out, nil
}

func obfuscatedScript(_ context.Context, sc *scanning.ScanContext, def config.CheckDefinition) (Signal, error) {
	if sc.Page == nil {
		return Signal{}, missing(sc, "page")
	}
	scriptSignals, err := compileNamed(def.Param(config.ParamScripts, nil))
	if err != nil {
		return Signal{}, err
	}

	var found []string
	for _, s := range sc.Page.Scripts {
		if s.Inline == "" {
			continue
		}
		for _, sig := range scriptSignals {
			if !slices.Contains(found, sig.name) && sig.re.MatchString(s.Inline) {
				found = append(found, sig.name)
			}
		}
	}
	if len(found) == 0 {
		return none(fmt.Sprintf("%d scripts, none obfuscated", len(sc.Page.Scripts))), nil
	}
	return Signal{
		Ratio:    stepRatio(len(found), 3),
		Message:  "inline script uses " + strings.Join(found, ", "),
		Evidence: map[string]string{"signals": strings.Join(found, ",")},
	}, nil
}

var (
	secretDetectorOnce sync.Once
	secretDetector     *detect.Detector
	secretDetectorErr  error
)

func loadSecretDetector() (*detect.Detector, error) {
	secretDetectorOnce.Do(func() {
		secretDetector, secretDetectorErr = newSecretDetector()
	})
	return secretDetector, secretDetectorErr
}

// newSecretDetector builds a gitleaks detector from its embedded rule set.
func newSecretDetector() (*detect.Detector, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(bytes.NewBufferString(gitleaksconfig.DefaultConfig)); err != nil {
		return nil, fmt.Errorf("reading embedded secret rules: %w", err)
	}

	var vc gitleaksconfig.ViperConfig
	if err := v.Unmarshal(&vc); err != nil {
		return nil, fmt.Errorf("decoding secret rules: %w", err)
	}

	cfg, err := vc.Translate()
	if err != nil {
		return nil, fmt.Errorf("translating secret rules: %w", err)
	}
	return detect.NewDetector(cfg), nil
}

// secretScanMu serializes detector use; the gitleaks detector keeps
// per-scan state that is not safe for concurrent calls.
var secretScanMu sync.Mutex

func exposedSecrets(ctx context.Context, sc *scanning.ScanContext, _ config.CheckDefinition) (Signal, error) {
	content := sc.Content()
	if content == "" {
		if sc.Target.Kind == scanning.TargetKindURL && sc.Page == nil {
			return Signal{}, missing(sc, "page")
		}
		return none("no content to inspect"), nil
	}

	detector, err := loadSecretDetector()
	if err != nil {
		return Signal{}, err
	}

	secretScanMu.Lock()
	findings := detector.DetectString(content)
	secretScanMu.Unlock()
	if err := ctx.Err(); err != nil {
		return Signal{}, err
	}

	var rules []string
	for _, f := range findings {
		if !slices.Contains(rules, f.RuleID) {
			rules = append(rules, f.RuleID)
		}
	}
	if len(rules) == 0 {
		return none("no exposed secrets"), nil
	}
	slices.Sort(rules)
	return Signal{
		Ratio:   1,
		Message: fmt.Sprintf("%d exposed secrets", len(findings)),
		Evidence: map[string]string{
			"rules": strings.Join(rules, ","),
			"count": fmt.Sprint(len(findings)),
		},
	}, nil
}

func hiddenIframe(_ context.Context, sc *scanning.ScanContext, _ config.CheckDefinition) (Signal, error) {
	if sc.Page == nil {
		return Signal{}, missing(sc, "page")
	}
	var srcs []string
	for _, f := range sc.Page.Iframes {
		if f.Hidden {
			srcs = append(srcs, truncate(f.Src, 128))
		}
	}
	if len(srcs) == 0 {
		return none(fmt.Sprintf("%d iframes, none hidden", len(sc.Page.Iframes))), nil
	}
	return Signal{
		Ratio:    1,
		Message:  fmt.Sprintf("%d hidden iframes", len(srcs)),
		Evidence: map[string]string{"sources": strings.Join(srcs, ",")},
	}, nil
}

func suspiciousLinks(_ context.Context, sc *scanning.ScanContext, def config.CheckDefinition) (Signal, error) {
	urls := sc.Target.URLs
	if len(urls) == 0 {
		return none("no links in the text"), nil
	}

	tlds := lowerAll(def.Param(config.ParamTLDs, nil))
	shorteners := lowerAll(def.Param(config.ParamShorteners, nil))
	brands := lowerAll(def.Param(config.ParamBrands, nil))

	var flagged []string
	for _, u := range urls {
		host := hostOf(u)
		suffix := scanning.PublicSuffix(host)
		tld := suffix[strings.LastIndex(suffix, ".")+1:]

		var why string
		switch {
		case scanning.IsIPHost(host):
			why = "ip"
		case slices.Contains(tlds, tld) || slices.Contains(tlds, suffix):
			why = "tld"
		case slices.ContainsFunc(shorteners, func(s string) bool { return hostMatches(host, s) }):
			why = "shortener"
		default:
			if hit, ok := findBrand(u, brands); ok && hit.inHost {
				why = "brand:" + hit.brand
			}
		}
		if why != "" {
			flagged = append(flagged, host+"("+why+")")
		}
	}
	if len(flagged) == 0 {
		return none(fmt.Sprintf("%d links, none suspicious", len(urls))), nil
	}
	return Signal{
		Ratio:    stepRatio(len(flagged), 2),
		Message:  fmt.Sprintf("%d of %d links look suspicious", len(flagged), len(urls)),
		Evidence: map[string]string{"links": strings.Join(flagged, ",")},
	}, nil
}
