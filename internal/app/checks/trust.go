package checks

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"slices"
	"strings"

	"github.com/ahrav/riskscan/internal/domain/config"
	"github.com/ahrav/riskscan/internal/domain/scanning"
)

func freeHosting(_ context.Context, sc *scanning.ScanContext, def config.CheckDefinition) (Signal, error) {
	u := effectiveURL(sc)
	host := hostOf(u)

	var provider string
	for _, p := range lowerAll(def.Param(config.ParamProviders, nil)) {
		if hostMatches(host, p) && host != p {
			provider = p
			break
		}
	}
	if provider == "" {
		return none("not hosted on a free hosting platform"), nil
	}

	evidence := map[string]string{"provider": provider, "host": host}
	if hit, ok := findBrand(u, lowerAll(def.Param(config.ParamBrands, nil))); ok {
		evidence["brand"] = hit.brand
		return Signal{
			Ratio:    1,
			Message:  fmt.Sprintf("free hosting on %s while referencing %q", provider, hit.brand),
			Evidence: evidence,
		}, nil
	}
	return Signal{
		Ratio:    0.5,
		Message:  "hosted on free platform " + provider,
		Evidence: evidence,
	}, nil
}

func redirectChain(_ context.Context, sc *scanning.ScanContext, _ config.CheckDefinition) (Signal, error) {
	if sc.Page == nil {
		return Signal{}, missing(sc, "page")
	}
	hops := sc.Page.Redirects
	if len(hops) == 0 {
		return none("no redirects"), nil
	}

	var (
		crossDomain int
		scripted    []string
	)
	for _, hop := range hops {
		if hop.Via == "meta" || hop.Via == "js" {
			scripted = append(scripted, hop.Via)
		}
		from, err := url.Parse(hop.URL)
		if err != nil || hop.Location == "" {
			continue
		}
		to, err := from.Parse(hop.Location)
		if err != nil {
			continue
		}
		if scanning.RegistrableDomain(hostOf(from)) != scanning.RegistrableDomain(hostOf(to)) {
			crossDomain++
		}
	}

	var ratio float64
	switch {
	case crossDomain >= 2:
		ratio += 0.7
	case crossDomain == 1:
		ratio += 0.4
	}
	if len(hops) >= 4 {
		ratio += 0.2
	}
	if len(scripted) > 0 {
		ratio += 0.3
	}

	evidence := map[string]string{
		"hops":         fmt.Sprint(len(hops)),
		"cross_domain": fmt.Sprint(crossDomain),
	}
	if sc.Page.FinalURL != nil {
		evidence["final_url"] = truncate(sc.Page.FinalURL.String(), 256)
	}
	if len(scripted) > 0 {
		evidence["client_side"] = strings.Join(scripted, ",")
	}
	if ratio == 0 {
		return Signal{Message: fmt.Sprintf("%d same-site redirects", len(hops)), Evidence: evidence}, nil
	}
	return Signal{
		Ratio:    clamp01(ratio),
		Message:  fmt.Sprintf("%d redirects, %d crossing domains", len(hops), crossDomain),
		Evidence: evidence,
	}, nil
}

func internalHost(_ context.Context, sc *scanning.ScanContext, _ config.CheckDefinition) (Signal, error) {
	var internal []string
	for _, a := range sc.Addresses() {
		if scanning.IsPrivateAddr(a) && !slices.Contains(internal, a.String()) {
			internal = append(internal, a.String())
		}
	}
	if sc.Page != nil {
		for _, hop := range sc.Page.Redirects {
			u, err := url.Parse(hop.URL)
			if err != nil {
				continue
			}
			if addr, err := netip.ParseAddr(u.Hostname()); err == nil && scanning.IsPrivateAddr(addr) {
				internal = append(internal, u.Hostname())
			}
		}
	}
	if len(internal) == 0 {
		return none("host resolves to public addresses"), nil
	}
	return Signal{
		Ratio:    1,
		Message:  "host resolves or redirects to an internal address",
		Evidence: map[string]string{"addresses": strings.Join(internal, ",")},
	}, nil
}
