package checks

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ahrav/riskscan/internal/domain/config"
	"github.com/ahrav/riskscan/internal/domain/scanning"
)

func missingTLS(_ context.Context, sc *scanning.ScanContext, _ config.CheckDefinition) (Signal, error) {
	u := effectiveURL(sc)
	if u.Scheme == "https" {
		return none("served over HTTPS"), nil
	}
	return Signal{
		Ratio:    1,
		Message:  "page is served over plain HTTP",
		Evidence: map[string]string{"url": truncate(u.String(), 256)},
	}, nil
}

func certificate(_ context.Context, sc *scanning.ScanContext, _ config.CheckDefinition) (Signal, error) {
	if effectiveURL(sc).Scheme != "https" && sc.Target.URL.Scheme != "https" {
		return none("no certificate expected over plain HTTP"), nil
	}
	cert := sc.Reachability.TLS
	if cert == nil {
		if sc.Reachability.Status == scanning.ReachabilityTLSFailure {
			return Signal{
				Ratio:    1,
				Message:  "TLS handshake failed",
				Evidence: map[string]string{"detail": sc.Reachability.Detail},
			}, nil
		}
		return Signal{}, missing(sc, "tls")
	}

	var (
		ratio    float64
		problems []string
	)
	evidence := map[string]string{
		"issuer":     cert.Issuer,
		"subject":    cert.Subject,
		"not_before": cert.NotBefore.UTC().Format(time.DateOnly),
		"not_after":  cert.NotAfter.UTC().Format(time.DateOnly),
	}
	if cert.SelfSigned {
		ratio += 0.6
		problems = append(problems, "self-signed")
	}
	if sc.Now.After(cert.NotAfter) {
		ratio += 0.6
		problems = append(problems, "expired")
	} else if sc.Now.Before(cert.NotBefore) {
		ratio += 0.6
		problems = append(problems, "not yet valid")
	}
	if cert.VerifyError != "" && !cert.SelfSigned {
		ratio += 0.6
		problems = append(problems, "failed verification")
		evidence["verify_error"] = cert.VerifyError
	}
	if issued := sc.Now.Sub(cert.NotBefore); issued >= 0 && issued < 7*day {
		ratio += 0.3
		problems = append(problems, "issued within the last week")
	}

	if len(problems) == 0 {
		return Signal{Message: "certificate is valid", Evidence: evidence}, nil
	}
	return Signal{
		Ratio:    clamp01(ratio),
		Message:  "certificate is " + strings.Join(problems, ", "),
		Evidence: evidence,
	}, nil
}

func httpsDowngrade(_ context.Context, sc *scanning.ScanContext, _ config.CheckDefinition) (Signal, error) {
	if sc.Page == nil {
		return Signal{}, missing(sc, "page")
	}
	for _, hop := range sc.Page.Redirects {
		if hop.Location == "" {
			continue
		}
		from, err := url.Parse(hop.URL)
		if err != nil || from.Scheme != "https" {
			continue
		}
		to, err := from.Parse(hop.Location)
		if err != nil {
			continue
		}
		if to.Scheme == "http" {
			return Signal{
				Ratio:   1,
				Message: "redirect chain downgrades from HTTPS to HTTP",
				Evidence: map[string]string{
					"from": truncate(hop.URL, 256),
					"to":   truncate(to.String(), 256),
					"via":  hop.Via,
				},
			}, nil
		}
	}
	if u := sc.Page.FinalURL; u != nil && u.Scheme == "http" && sc.Target.URL.Scheme == "https" {
		return Signal{
			Ratio:    1,
			Message:  fmt.Sprintf("requested over HTTPS but landed on %s", truncate(u.String(), 128)),
			Evidence: map[string]string{"final_url": truncate(u.String(), 256)},
		}, nil
	}
	return none("no HTTPS to HTTP downgrade"), nil
}
