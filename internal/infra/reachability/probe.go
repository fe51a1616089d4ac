// Package reachability implements the pre-flight probe: DNS resolution,
// sinkhole detection, a TCP connect and, for https targets, a TLS
// handshake that records the presented certificate.
package reachability

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/riskscan/internal/domain/scanning"
	"github.com/ahrav/riskscan/pkg/common/logger"
)

// DefaultTimeout bounds the whole probe when the caller's context has no
// earlier deadline.
const DefaultTimeout = 5 * time.Second

// errPrivateOnly marks hosts whose every address is internal.
var errPrivateOnly = errors.New("host resolves only to internal addresses")

// AddrResolver resolves host names. *net.Resolver satisfies it.
type AddrResolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// DefaultSinkholes are addresses public resolvers and takedown operators
// answer with for blocked domains.
var DefaultSinkholes = []string{
	"0.0.0.0/32",
	"127.0.0.0/8",
	"::1/128",
	"::/128",
	"146.112.61.104/29", // Cisco Umbrella block pages
}

// Config tunes a Prober.
type Config struct {
	Timeout   time.Duration
	Sinkholes []string
	// AllowPrivate lets the probe connect to internal addresses.
	AllowPrivate bool
	// Roots verifies certificates; nil uses the system pool.
	Roots *x509.CertPool
}

// Prober implements scanning.ReachabilityProber.
type Prober struct {
	resolver  AddrResolver
	dialer    *net.Dialer
	timeout   time.Duration
	sinkholes []netip.Prefix
	private   bool
	roots     *x509.CertPool
	logger    *logger.Logger
	tracer    trace.Tracer
}

var _ scanning.ReachabilityProber = (*Prober)(nil)

// NewProber creates a Prober. A nil resolver uses net.DefaultResolver.
func NewProber(resolver AddrResolver, cfg Config, log *logger.Logger, tracer trace.Tracer) (*Prober, error) {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Sinkholes == nil {
		cfg.Sinkholes = DefaultSinkholes
	}
	p := &Prober{
		resolver: resolver,
		dialer:   &net.Dialer{},
		timeout:  cfg.Timeout,
		private:  cfg.AllowPrivate,
		roots:    cfg.Roots,
		logger:   log.With("component", "reachability_probe"),
		tracer:   tracer,
	}
	for _, raw := range cfg.Sinkholes {
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("parse sinkhole range %q: %w", raw, err)
		}
		p.sinkholes = append(p.sinkholes, prefix.Masked())
	}
	return p, nil
}

// Probe classifies the target. It never returns an error; every failure
// maps to a ReachabilityStatus with a detail message.
func (p *Prober) Probe(ctx context.Context, target scanning.Target) scanning.Reachability {
	if target.Kind != scanning.TargetKindURL || target.URL == nil {
		return scanning.Reachability{Status: scanning.ReachabilitySkipped}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	ctx, span := p.tracer.Start(ctx, "reachability.probe",
		trace.WithAttributes(attribute.String("host", target.Host)))
	defer span.End()

	start := time.Now()
	res := p.probe(ctx, target)
	res.Latency = time.Since(start)

	span.SetAttributes(attribute.String("reachability.status", res.Status.String()))
	if res.Status != scanning.ReachabilityOnline {
		span.SetStatus(codes.Error, res.Detail)
		p.logger.Debug(ctx, "target not reachable", "host", target.Host, "status", res.Status.String(), "detail", res.Detail)
	}
	return res
}

func (p *Prober) probe(ctx context.Context, target scanning.Target) scanning.Reachability {
	host := target.Host
	addrs, err := p.lookup(ctx, host)
	if err != nil {
		return scanning.Reachability{Status: scanning.ReachabilityDNSFailure, Detail: err.Error()}
	}
	res := scanning.Reachability{Addresses: addrs}

	if slices.ContainsFunc(addrs, p.sinkholed) {
		res.Status = scanning.ReachabilitySinkholed
		res.Detail = "resolves to a known sinkhole address"
		return res
	}

	dialable := addrs
	if !p.private {
		dialable = slices.DeleteFunc(slices.Clone(addrs), scanning.IsPrivateAddr)
		if len(dialable) == 0 {
			res.Status = scanning.ReachabilityOffline
			res.Detail = errPrivateOnly.Error()
			return res
		}
	}

	port := target.URL.Port()
	if port == "" {
		port = "443"
		if target.URL.Scheme == "http" {
			port = "80"
		}
	}

	conn, err := p.connect(ctx, dialable, port)
	if err != nil {
		res.Status = scanning.ReachabilityOffline
		res.Detail = err.Error()
		return res
	}
	defer conn.Close()

	if target.URL.Scheme != "https" {
		res.Status = scanning.ReachabilityOnline
		return res
	}

	info, err := p.handshake(ctx, conn, host)
	if err != nil {
		res.Status = scanning.ReachabilityTLSFailure
		res.Detail = err.Error()
		return res
	}
	res.TLS = info
	res.Status = scanning.ReachabilityOnline
	return res
}

func (p *Prober) lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}
	addrs, err := p.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Unmap())
	}
	return out, nil
}

func (p *Prober) sinkholed(addr netip.Addr) bool {
	for _, prefix := range p.sinkholes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// connect tries each address in turn and returns the first connection.
func (p *Prober) connect(ctx context.Context, addrs []netip.Addr, port string) (net.Conn, error) {
	var errs []error
	for _, a := range addrs {
		conn, err := p.dialer.DialContext(ctx, "tcp", net.JoinHostPort(a.String(), port))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("connect: %w", errors.Join(errs...))
}

// handshake completes TLS without trusting the chain so the certificate
// can be inspected, then verifies it separately.
func (p *Prober) handshake(ctx context.Context, conn net.Conn, host string) (*scanning.TLSInfo, error) {
	tc := tls.Client(conn, &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: true, //nolint:gosec // the chain is verified below and reported, not trusted
	})
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	state := tc.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, errors.New("tls handshake: no peer certificate")
	}
	return describe(state, host, p.roots), nil
}

func describe(state tls.ConnectionState, host string, roots *x509.CertPool) *scanning.TLSInfo {
	leaf := state.PeerCertificates[0]
	info := &scanning.TLSInfo{
		Version:    state.Version,
		Issuer:     leaf.Issuer.String(),
		Subject:    leaf.Subject.String(),
		DNSNames:   slices.Clone(leaf.DNSNames),
		NotBefore:  leaf.NotBefore,
		NotAfter:   leaf.NotAfter,
		SelfSigned: selfSigned(leaf),
	}

	intermediates := x509.NewCertPool()
	for _, c := range state.PeerCertificates[1:] {
		intermediates.AddCert(c)
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		DNSName:       strings.Trim(host, "[]"),
		Roots:         roots,
		Intermediates: intermediates,
	})
	if err != nil {
		info.VerifyError = err.Error()
	}
	return info
}

func selfSigned(c *x509.Certificate) bool {
	if !bytes.Equal(c.RawIssuer, c.RawSubject) {
		return false
	}
	return c.CheckSignature(c.SignatureAlgorithm, c.RawTBSCertificate, c.Signature) == nil
}
