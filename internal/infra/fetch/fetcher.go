// Package fetch retrieves the target document for analysis. Redirects are
// followed by hand so every hop, including meta refresh and script
// redirects, is recorded in the page's redirect chain.
package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/riskscan/internal/domain/scanning"
	"github.com/ahrav/riskscan/pkg/common/logger"
)

const (
	DefaultMaxRedirects = 10
	DefaultMaxBodyBytes = 2 << 20
	DefaultUserAgent    = "Mozilla/5.0 (compatible; riskscan/1.0; +https://github.com/ahrav/riskscan)"
)

var (
	// ErrTooManyRedirects is returned when the chain exceeds the hop limit.
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrRedirectLoop is returned when a hop revisits an earlier URL.
	ErrRedirectLoop = errors.New("redirect loop")
	// ErrBlockedAddress is returned when a hop resolves to an internal address.
	ErrBlockedAddress = errors.New("refusing to connect to internal address")
)

// Config tunes a Fetcher.
type Config struct {
	MaxRedirects int
	MaxBodyBytes int64
	UserAgent    string
	// AllowPrivate permits connections to internal addresses.
	AllowPrivate bool
}

// Fetcher implements scanning.PageFetcher.
type Fetcher struct {
	client *http.Client
	cfg    Config
	logger *logger.Logger
	tracer trace.Tracer
}

var _ scanning.PageFetcher = (*Fetcher)(nil)

// NewFetcher creates a Fetcher with its own transport. Certificates are not
// verified here; the reachability probe reports on them.
func NewFetcher(cfg Config, log *logger.Logger, tracer trace.Tracer) *Fetcher {
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	if !cfg.AllowPrivate {
		dialer.Control = blockInternal
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // certificates are inspected by the probe
		TLSHandshakeTimeout: 5 * time.Second,
		MaxIdleConns:        100,
		IdleConnTimeout:     30 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	return &Fetcher{
		client: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cfg:    cfg,
		logger: log.With("component", "page_fetcher"),
		tracer: tracer,
	}
}

// blockInternal rejects dials to internal addresses after DNS resolution,
// which also covers hostnames that resolve to them.
func blockInternal(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return err
	}
	if scanning.IsPrivateAddr(addr) {
		return fmt.Errorf("%w %s", ErrBlockedAddress, addr)
	}
	return nil
}

// Fetch follows the redirect chain from u and parses the final document.
func (f *Fetcher) Fetch(ctx context.Context, u *url.URL) (*scanning.Page, error) {
	ctx, span := f.tracer.Start(ctx, "fetch.page",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("url", u.String())))
	defer span.End()

	page, err := f.fetch(ctx, u)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return page, err
	}
	span.SetAttributes(
		attribute.Int("fetch.status", page.StatusCode),
		attribute.Int("fetch.hops", len(page.Redirects)),
	)
	return page, nil
}

func (f *Fetcher) fetch(ctx context.Context, start *url.URL) (*scanning.Page, error) {
	page := &scanning.Page{RequestedURL: start}
	seen := make(map[string]struct{})
	current := start

	for {
		if _, ok := seen[current.String()]; ok {
			return page, fmt.Errorf("%w at %s", ErrRedirectLoop, current)
		}
		seen[current.String()] = struct{}{}

		resp, body, err := f.get(ctx, current)
		if err != nil {
			return page, err
		}

		if loc := resp.Header.Get("Location"); isRedirect(resp.StatusCode) && loc != "" {
			next, err := current.Parse(loc)
			if err != nil {
				return page, fmt.Errorf("bad Location %q: %w", loc, err)
			}
			page.Redirects = append(page.Redirects, scanning.Hop{
				URL: current.String(), StatusCode: resp.StatusCode, Location: loc, Via: "http",
			})
			if err := f.nextHop(page, next); err != nil {
				return page, err
			}
			current = next
			continue
		}

		page.FinalURL = current
		page.StatusCode = resp.StatusCode
		page.Header = resp.Header
		page.Body = string(body)
		if !isHTML(resp.Header.Get("Content-Type"), body) {
			return page, nil
		}

		doc, err := parse(body, current)
		if err != nil {
			f.logger.Debug(ctx, "html parse failed", "url", current.String(), "error", err)
			return page, nil
		}
		doc.fill(page)

		next, via, ok := doc.clientRedirect()
		if !ok || next.String() == current.String() {
			return page, nil
		}
		page.Redirects = append(page.Redirects, scanning.Hop{
			URL: current.String(), StatusCode: resp.StatusCode, Location: next.String(), Via: via,
		})
		if err := f.nextHop(page, next); err != nil {
			return page, err
		}
		current = next
	}
}

func (f *Fetcher) nextHop(page *scanning.Page, next *url.URL) error {
	if next.Scheme != "http" && next.Scheme != "https" {
		return fmt.Errorf("redirect to unsupported scheme %q", next.Scheme)
	}
	if len(page.Redirects) > f.cfg.MaxRedirects {
		return fmt.Errorf("%w: more than %d hops", ErrTooManyRedirects, f.cfg.MaxRedirects)
	}
	return nil
}

func (f *Fetcher) get(ctx context.Context, u *url.URL) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("get %s: %w", u.Redacted(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", u.Redacted(), err)
	}
	return resp, body, nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func isHTML(contentType string, body []byte) bool {
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "html")
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}
