package scanning

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ahrav/riskscan/internal/domain/config"
	"github.com/ahrav/riskscan/internal/domain/events"
	domain "github.com/ahrav/riskscan/internal/domain/scanning"
)

// Evidence names used as GatherErrors keys.
const (
	evidencePage         = "page"
	evidenceDNS          = "dns"
	evidenceRegistration = "registration"
)

var errNotConfigured = errors.New("no adapter configured")

func (e *Engine) probe(ctx context.Context, target domain.Target, snap *config.Snapshot) domain.Reachability {
	if target.Kind != domain.TargetKindURL || e.deps.Prober == nil {
		return domain.Reachability{Status: domain.ReachabilitySkipped}
	}
	if d := snap.Settings.ProbeTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return e.deps.Prober.Probe(ctx, target)
}

// gather collects the shared evidence of a URL scan: the page and its
// redirect chain, DNS records and registration data, concurrently and
// under the fetch timeout. A missing piece is recorded in GatherErrors and
// never fails the scan.
func (p *pipeline) gather(ctx context.Context) {
	p.stageStart(ctx, events.StageContext)
	defer p.stageComplete(ctx, events.StageContext)

	target := p.sc.Target
	if target.Kind != domain.TargetKindURL {
		return
	}

	timeout := p.snap.Settings.FetchTimeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu     sync.Mutex
		failed = make(map[string]error)
		g      errgroup.Group
	)
	fail := func(name string, err error) {
		mu.Lock()
		failed[name] = err
		mu.Unlock()
	}

	switch {
	case !p.sc.Reachable():
		fail(evidencePage, fmt.Errorf("target is %s", p.sc.Reachability.Status))
	case p.e.deps.Fetcher == nil:
		fail(evidencePage, errNotConfigured)
	default:
		g.Go(func() error {
			page, err := p.e.deps.Fetcher.Fetch(ctx, target.URL)
			if err != nil {
				fail(evidencePage, err)
				return nil
			}
			p.sc.Page = page
			return nil
		})
	}

	if p.e.deps.DNS == nil {
		fail(evidenceDNS, errNotConfigured)
	} else {
		g.Go(func() error {
			info, err := p.e.deps.DNS.Resolve(ctx, target.Host)
			if err != nil {
				fail(evidenceDNS, err)
				return nil
			}
			p.sc.DNS = info
			return nil
		})
	}

	switch {
	case domain.IsIPHost(target.Host) || target.RegistrableDomain == "":
		fail(evidenceRegistration, errors.New("no registrable domain"))
	case p.e.deps.Registration == nil:
		fail(evidenceRegistration, errNotConfigured)
	default:
		g.Go(func() error {
			reg, err := p.e.deps.Registration.Lookup(ctx, target.RegistrableDomain)
			if err != nil {
				fail(evidenceRegistration, err)
				return nil
			}
			p.sc.Registration = reg
			return nil
		})
	}
	_ = g.Wait()

	for _, name := range []string{evidencePage, evidenceDNS, evidenceRegistration} {
		err, ok := failed[name]
		if !ok {
			continue
		}
		p.sc.GatherErrors[name] = err.Error()
		if !errors.Is(err, errNotConfigured) {
			p.log(ctx, events.LevelInfo, fmt.Sprintf("%s unavailable: %v", name, err))
		}
	}
}
