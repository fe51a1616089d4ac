// Package threatintel holds the outbound reputation adapters: URLhaus,
// PhishTank, Google Safe Browsing, plain-text feeds and static lists. Every
// adapter confirms a remote hit with the strict matcher before reporting
// it.
package threatintel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	appti "github.com/ahrav/riskscan/internal/app/threatintel"
	"github.com/ahrav/riskscan/internal/domain/scanning"
	"github.com/ahrav/riskscan/pkg/common"
)

// maxResponseBytes bounds every reputation response body.
const maxResponseBytes = 4 << 20

// ErrUnexpectedStatus is returned for non-2xx responses.
var ErrUnexpectedStatus = errors.New("unexpected status")

// NewHTTPClient returns the instrumented client shared by the adapters.
func NewHTTPClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

// remote holds what every HTTP adapter needs.
type remote struct {
	name     string
	endpoint string
	apiKey   string
	client   *http.Client
	limiter  *common.RateLimiter
}

// do waits for the rate limiter, sends req and reads a bounded body.
func (r *remote) do(req *http.Request) ([]byte, error) {
	if err := r.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("%s rate limit: %w", r.name, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", r.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s read: %w", r.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s: %w %d", r.name, ErrUnexpectedStatus, resp.StatusCode)
	}
	return body, nil
}

// lookupFunc checks a single URL and returns the entries the source
// associates with it.
type lookupFunc func(ctx context.Context, u *url.URL) ([]string, error)

// lookupEach runs fn for every URL of the target and confirms reported
// entries with the strict matcher. Any failed lookup without a confirmed
// match makes the source unavailable for the scan.
func lookupEach(ctx context.Context, name string, target scanning.Target, fn lookupFunc) (scanning.ThreatIntelVerdict, error) {
	var errs []error
	for _, u := range appti.TargetURLs(target) {
		entries, err := fn(ctx, u)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(entries) == 0 {
			continue
		}
		if mt, entry := appti.NewMatcher(entries).Match(u); mt != scanning.MatchTypeNone {
			return scanning.ThreatIntelVerdict{Source: name, Matched: true, MatchType: mt, MatchedEntry: entry}, nil
		}
	}
	if err := errors.Join(errs...); err != nil {
		return scanning.ThreatIntelVerdict{}, err
	}
	return scanning.ThreatIntelVerdict{Source: name, MatchType: scanning.MatchTypeNone}, nil
}
