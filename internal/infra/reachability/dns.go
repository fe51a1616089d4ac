package reachability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ahrav/riskscan/internal/domain/scanning"
)

// RecordResolver looks up DNS records. *net.Resolver satisfies it.
type RecordResolver interface {
	AddrResolver
	LookupCNAME(ctx context.Context, host string) (string, error)
	LookupNS(ctx context.Context, name string) ([]*net.NS, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// DNS implements scanning.DNSResolver by issuing the record lookups
// concurrently. NS, MX and TXT are asked of the registrable domain since
// most hosts have none of their own.
type DNS struct {
	resolver RecordResolver
}

var _ scanning.DNSResolver = (*DNS)(nil)

// NewDNS creates a DNS resolver. A nil resolver uses net.DefaultResolver.
func NewDNS(resolver RecordResolver) *DNS {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &DNS{resolver: resolver}
}

// Resolve returns whatever records could be found. It fails only when
// every lookup failed.
func (d *DNS) Resolve(ctx context.Context, host string) (*scanning.DNSInfo, error) {
	if scanning.IsIPHost(host) {
		addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
		if err != nil {
			return nil, err
		}
		return &scanning.DNSInfo{Addresses: []netip.Addr{addr.Unmap()}}, nil
	}
	zone := scanning.RegistrableDomain(host)

	var (
		mu   sync.Mutex
		info scanning.DNSInfo
		errs []error
	)
	record := func(kind string, err error) {
		if err == nil {
			return
		}
		mu.Lock()
		errs = append(errs, fmt.Errorf("%s: %w", kind, err))
		mu.Unlock()
	}

	var g errgroup.Group
	g.Go(func() error {
		addrs, err := d.resolver.LookupNetIP(ctx, "ip", host)
		record("A/AAAA", err)
		for _, a := range addrs {
			info.Addresses = append(info.Addresses, a.Unmap())
		}
		return nil
	})
	g.Go(func() error {
		cname, err := d.resolver.LookupCNAME(ctx, host)
		record("CNAME", err)
		cname = strings.TrimSuffix(cname, ".")
		if !strings.EqualFold(cname, host) {
			info.CNAME = cname
		}
		return nil
	})
	g.Go(func() error {
		ns, err := d.resolver.LookupNS(ctx, zone)
		record("NS", err)
		for _, n := range ns {
			info.NS = append(info.NS, strings.TrimSuffix(n.Host, "."))
		}
		return nil
	})
	g.Go(func() error {
		mx, err := d.resolver.LookupMX(ctx, zone)
		record("MX", err)
		for _, m := range mx {
			info.MX = append(info.MX, strings.TrimSuffix(m.Host, "."))
		}
		return nil
	})
	g.Go(func() error {
		txt, err := d.resolver.LookupTXT(ctx, zone)
		record("TXT", err)
		info.TXT = txt
		return nil
	})
	_ = g.Wait()

	if len(errs) == 5 {
		return nil, fmt.Errorf("resolve %s: %w", host, errors.Join(errs...))
	}
	return &info, nil
}
